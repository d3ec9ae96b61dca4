package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/model"
)

// statusPollInterval is how often an open stream checks whether its task
// was cancelled before it ever ran.
const statusPollInterval = time.Second

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.lookupTask(r, id)
	if err != nil {
		s.writeErr(w, "get task", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	// A finished task replays its persisted output and ends.
	if model.IsTerminal(task.Status) {
		w.WriteHeader(http.StatusOK)
		lines, err := s.store.GetLogLines(r.Context(), id)
		if err != nil {
			s.logger.Error("get log lines", "task_id", id, "error", err)
		}
		for _, l := range lines {
			if err := writeSSEData(w, l.Line); err != nil {
				return
			}
		}
		_ = writeSSEEvent(w, "done", task.Status)
		flush()
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Subscribing after the task finished yields a closed channel, so the
	// loop below still terminates.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flush()

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-ticker.C:
			if t, ok := s.coord.Task(id); ok && t.Status == model.StatusCancelled {
				s.broker.Close(id)
			}
		case <-r.Context().Done():
			return
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for GET /v1/tasks/{id}/logs/history.
type logHistoryResponse struct {
	TaskID string           `json:"task_id"`
	Lines  []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.lookupTask(r, id); err != nil {
		s.writeErr(w, "get task", err)
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), id)
	if err != nil {
		s.logger.Error("get log lines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		TaskID: id,
		Lines:  lines,
	})
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
