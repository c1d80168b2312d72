package server

import (
	"net/http"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/progress"
)

// ProgressUpdateRequest is the body of PUT /projects/{project_id}/progress/{step_key}
type ProgressUpdateRequest struct {
	Status       string         `json:"status" validate:"required,oneof=pending in_progress completed error cancelled"`
	Progress     *int           `json:"progress" validate:"omitempty,gte=0,lte=100"`
	ErrorMessage string         `json:"error_message" validate:"max=2000"`
	Data         map[string]any `json:"data"`
}

// handleGetProgress handles GET /projects/{project_id}/progress
func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.progress.GetProgress(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "ok", snap)
}

// handleUpdateProgress handles PUT /projects/{project_id}/progress/{step_key}.
// Manual updates bypass the executor and do not create task rows.
func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var req ProgressUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, apperr.Invalid("body", "invalid JSON: %v", err))
		return
	}
	if err := requestValidator.Struct(req); err != nil {
		s.fail(w, r, validationError(err))
		return
	}
	if _, err := s.progress.RequireProject(r.Context(), projectID); err != nil {
		s.fail(w, r, err)
		return
	}

	pct := 0
	if req.Progress != nil {
		pct = *req.Progress
	}
	row, err := s.progress.UpdateStepProgress(r.Context(), progress.Update{
		ProjectID:    projectID,
		StepKey:      r.PathValue("step_key"),
		Status:       req.Status,
		Progress:     pct,
		ErrorMessage: req.ErrorMessage,
		Data:         req.Data,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "progress updated", row)
}

// handleResetProgress handles POST /projects/{project_id}/progress/reset
func (s *Server) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	projectID, err := parseProjectID(r.PathValue("project_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.progress.ResetProject(r.Context(), projectID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, "progress reset", snap)
}
