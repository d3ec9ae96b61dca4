package api

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Workers int    `json:"workers"`
	Running int    `json:"running_tasks"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.coord.Status()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Workers: st.Workers,
		Running: st.RunningTasks,
	})
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Status())
}

// handleListBackends reports the execution backends this coordinator can
// dispatch to.
func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
