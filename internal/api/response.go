package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/forge/internal/backend"
	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
	"github.com/seantiz/forge/internal/store"
	"github.com/seantiz/forge/internal/worker"
)

const maxBodySize = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a domain error to its status code.
func (s *Server) writeErr(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "error", err)
		s.writeError(w, status, op+" failed")
		return
	}
	s.writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidConfig), errors.Is(err, backend.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrUnknownTask), errors.Is(err, worker.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrDuplicateTask), errors.Is(err, model.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	return json.NewDecoder(r.Body).Decode(v)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
