package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByPipeline       map[string]int `json:"by_pipeline"`
	AvgExecutionTime float64        `json:"avg_execution_time"`
	SuccessRate      float64        `json:"success_rate"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByPipeline:       stats.CountByPipeline,
		AvgExecutionTime: stats.AvgExecutionTime,
		SuccessRate:      stats.SuccessRate,
	})
}
