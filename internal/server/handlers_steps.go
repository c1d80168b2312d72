package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/executor"
	"github.com/jonathan/bid-assistant/internal/steps"
)

// Request headers read by the execute endpoint
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTraceID        = "X-Trace-Id"
)

const defaultTaskHistoryLimit = 20

// StepTasksResponse is the task log of one step, newest first
type StepTasksResponse struct {
	ProjectID string          `json:"project_id"`
	StepKey   string          `json:"step_key"`
	Tasks     []db.TaskRecord `json:"tasks"`
}

// handleListSteps handles GET /steps
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, "ok", steps.List())
}

// stepRequest extracts and validates the path values shared by the step routes
func stepRequest(r *http.Request) (projectID, stepKey string, err error) {
	projectID, err = parseProjectID(r.PathValue("project_id"))
	if err != nil {
		return "", "", err
	}
	return projectID, r.PathValue("step"), nil
}

// handleStepStatus handles GET /projects/{project_id}/step/{step}/status
func (s *Server) handleStepStatus(w http.ResponseWriter, r *http.Request) {
	projectID, stepKey, err := stepRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	row, err := s.runner.GetStatus(r.Context(), projectID, stepKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "ok", row)
}

// handleStepExecute handles POST /projects/{project_id}/step/{step}/execute.
// The JSON body is the step's parameter object.
func (s *Server) handleStepExecute(w http.ResponseWriter, r *http.Request) {
	projectID, stepKey, err := stepRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	params := map[string]any{}
	if err := decodeJSON(r, &params); err != nil {
		s.fail(w, r, apperr.Invalid("params", "request body must be a JSON object: %v", err))
		return
	}

	res, err := s.runner.Execute(r.Context(), projectID, stepKey, params, executor.ExecuteOptions{
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		TraceID:        strings.TrimSpace(r.Header.Get(HeaderTraceID)),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set(HeaderTraceID, res.TraceID)
	if res.Reused {
		s.ok(w, http.StatusOK, "task already submitted", res)
		return
	}
	s.ok(w, http.StatusAccepted, "task started", res)
}

// handleStepResult handles GET /projects/{project_id}/step/{step}/result
func (s *Server) handleStepResult(w http.ResponseWriter, r *http.Request) {
	projectID, stepKey, err := stepRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.runner.GetResult(r.Context(), projectID, stepKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	message := "ok"
	if !view.Found {
		message = "no result yet"
	}
	s.ok(w, http.StatusOK, message, view)
}

// handleStepTasks handles GET /projects/{project_id}/step/{step}/tasks?limit=N
func (s *Server) handleStepTasks(w http.ResponseWriter, r *http.Request) {
	projectID, stepKey, err := stepRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := steps.MustLookup(stepKey); err != nil {
		s.fail(w, r, err)
		return
	}
	if _, err := s.progress.RequireProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}

	limit := defaultTaskHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			s.fail(w, r, apperr.Invalid("limit", "must be between 1 and 200"))
			return
		}
		limit = n
	}

	history, err := s.tasks.History(r.Context(), projectID, stepKey, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if history == nil {
		history = []db.TaskRecord{}
	}
	s.ok(w, http.StatusOK, "ok", StepTasksResponse{ProjectID: projectID, StepKey: stepKey, Tasks: history})
}

// handleStepCancel handles POST /projects/{project_id}/step/{step}/cancel
func (s *Server) handleStepCancel(w http.ResponseWriter, r *http.Request) {
	projectID, stepKey, err := stepRequest(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	row, err := s.runner.Cancel(r.Context(), projectID, stepKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "step cancelled", row)
}

// handleGetTask handles GET /tasks/{task_id}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue("task_id"))
	if taskID == "" {
		s.fail(w, r, apperr.Invalid("task_id", "is required"))
		return
	}
	rec, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		s.fail(w, r, apperr.NotFound("task", taskID))
		return
	}
	s.ok(w, http.StatusOK, "ok", rec)
}
