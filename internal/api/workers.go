package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/model"
)

// registerWorkerRequest is the JSON body for POST /v1/workers.
type registerWorkerRequest struct {
	ID          string         `json:"id"`
	Hostname    string         `json:"hostname"`
	IPAddress   string         `json:"ip_address"`
	Port        int            `json:"port"`
	BackendKind string         `json:"backend_kind"`
	Capacity    model.Capacity `json:"capacity"`
	Tags        []string       `json:"tags"`
}

// heartbeatRequest is the JSON body for POST /v1/workers/{id}/heartbeat.
type heartbeatRequest struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	wk, err := s.coord.RegisterWorker(model.Worker{
		ID:          req.ID,
		Hostname:    req.Hostname,
		IPAddress:   req.IPAddress,
		Port:        req.Port,
		BackendKind: req.BackendKind,
		Capacity:    req.Capacity,
		Tags:        req.Tags,
	})
	if err != nil {
		s.writeErr(w, "register worker", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, wk)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Workers())
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.UnregisterWorker(chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, "unregister worker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req heartbeatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	load := model.Load{CPU: req.CPU, Memory: req.Memory, Disk: req.Disk}
	if err := s.coord.Heartbeat(id, load); err != nil {
		s.writeErr(w, "heartbeat", err)
		return
	}

	wk, _ := s.coord.Worker(id)
	s.writeJSON(w, http.StatusOK, wk)
}
