package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/forge/internal/model"
	"github.com/seantiz/forge/internal/queue"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// submitTaskRequest is the JSON body for POST /v1/tasks.
type submitTaskRequest struct {
	ID               string            `json:"id"`
	PipelineID       string            `json:"pipeline_id"`
	StageName        string            `json:"stage_name"`
	Command          string            `json:"command"`
	Args             []string          `json:"args"`
	Environment      map[string]string `json:"environment"`
	WorkingDirectory string            `json:"working_directory"`
	TimeoutSeconds   *int              `json:"timeout_seconds"`
	Priority         *int              `json:"priority"`
	Dependencies     []string          `json:"dependencies"`
	Resources        *resourcesRequest `json:"resources"`
	Artifacts        []string          `json:"artifacts"`
	Image            string            `json:"image"`
	Tags             []string          `json:"tags"`
}

type resourcesRequest struct {
	CPU    float64 `json:"cpu"`
	Memory string  `json:"memory"`
	Disk   string  `json:"disk"`
}

// toTask applies the submission defaults.
func (req submitTaskRequest) toTask() model.Task {
	t := model.Task{
		ID:           req.ID,
		PipelineID:   req.PipelineID,
		StageName:    req.StageName,
		Command:      req.Command,
		Args:         req.Args,
		WorkingDir:   req.WorkingDirectory,
		Env:          req.Environment,
		Dependencies: req.Dependencies,
		Artifacts:    req.Artifacts,
		Image:        req.Image,
		Tags:         req.Tags,
		Priority:     model.DefaultPriority,
		TimeoutS:     model.DefaultTimeoutS,
		Resources: model.Resources{
			CPU:    model.DefaultCPU,
			Memory: model.DefaultMemory,
			Disk:   model.DefaultDisk,
		},
	}
	if req.Priority != nil {
		t.Priority = *req.Priority
	}
	if req.TimeoutSeconds != nil {
		t.TimeoutS = *req.TimeoutSeconds
	}
	if r := req.Resources; r != nil {
		if r.CPU != 0 {
			t.Resources.CPU = r.CPU
		}
		if r.Memory != "" {
			t.Resources.Memory = r.Memory
		}
		if r.Disk != "" {
			t.Resources.Disk = r.Disk
		}
	}
	return t
}

// listTasksResponse wraps the paginated task history.
type listTasksResponse struct {
	Tasks  []model.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" && len(req.Args) == 0 {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	task, err := s.coord.Submit(req.toTask())
	if err != nil {
		s.writeErr(w, "submit task", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lookupTask(r, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, "get task", err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

// lookupTask prefers the live record and falls back to history for tasks
// already pruned from memory.
func (s *Server) lookupTask(r *http.Request, id string) (model.Task, error) {
	if task, ok := s.coord.Task(id); ok {
		return task, nil
	}
	return s.store.GetTask(r.Context(), id)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	status := r.URL.Query().Get("status")

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.store.ListTasks(r.Context(), limit, offset, status)
	if err != nil {
		s.writeErr(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  tasks,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.coord.Cancel(id, "cancelled by request"); err != nil {
		// A pruned task is finished, so it can no longer be cancelled.
		if errors.Is(err, queue.ErrUnknownTask) {
			if _, lookupErr := s.store.GetTask(r.Context(), id); lookupErr == nil {
				s.writeError(w, http.StatusConflict, "task already finished")
				return
			}
		}
		s.writeErr(w, "cancel task", err)
		return
	}

	task, _ := s.coord.Task(id)
	s.writeJSON(w, http.StatusOK, task)
}
