// Package progress maintains the per-step current-state ledger of a project and
// derives the project-level progress summary from it.
package progress

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/steps"
)

// Snapshot is the project-level progress view
type Snapshot struct {
	ProjectID     string            `json:"project_id"`
	CurrentStep   string            `json:"current_step"`
	NextStep      *string           `json:"next_step"`
	TotalProgress float64           `json:"total_progress"`
	ProjectStatus string            `json:"project_status"`
	Steps         []db.StepProgress `json:"steps"`
}

// Update is a requested write to one step row
type Update struct {
	ProjectID    string
	StepKey      string
	Status       string
	Progress     int
	TaskID       string
	ErrorMessage string
	Data         map[string]any
}

// Service reads and writes step progress
type Service struct {
	store db.Store
	now   func() time.Time
}

// NewService creates a progress service over store
func NewService(store db.Store) *Service {
	return &Service{store: store, now: time.Now}
}

// EnsureDefaults materializes a pending/0 row for every registered step. Existing rows are untouched.
func (s *Service) EnsureDefaults(ctx context.Context, projectID string) error {
	list := steps.List()
	seeds := make([]db.StepSeed, len(list))
	for i, st := range list {
		seeds[i] = db.StepSeed{Key: st.Key, Name: st.Name}
	}
	return s.store.EnsureStepRows(ctx, projectID, seeds)
}

// RequireProject returns the project or an *apperr.ErrNotFound
func (s *Service) RequireProject(ctx context.Context, projectID string) (*db.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperr.NotFound("project", projectID)
	}
	return project, nil
}

// GetProgress returns the project summary with every step in pipeline order
func (s *Service) GetProgress(ctx context.Context, projectID string) (*Snapshot, error) {
	project, err := s.RequireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureDefaults(ctx, projectID); err != nil {
		return nil, err
	}

	rows, err := s.store.ListStepProgress(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]db.StepProgress, len(rows))
	for _, row := range rows {
		byKey[row.StepKey] = row
	}

	snap := &Snapshot{
		ProjectID:     projectID,
		CurrentStep:   project.CurrentStep,
		ProjectStatus: project.Status,
		Steps:         make([]db.StepProgress, 0, steps.Count()),
	}

	total := 0
	for _, st := range steps.List() {
		row, ok := byKey[st.Key]
		if !ok {
			row = db.StepProgress{ProjectID: projectID, StepKey: st.Key, StepName: st.Name, Status: db.StepStatusPending}
		}
		total += row.Progress
		if snap.NextStep == nil && row.Status != db.StepStatusCompleted {
			key := st.Key
			snap.NextStep = &key
		}
		snap.Steps = append(snap.Steps, row)
	}
	snap.TotalProgress = round1(float64(total) / float64(steps.Count()))
	return snap, nil
}

// GetStepProgress returns the row for one step, or nil if it was never materialized
func (s *Service) GetStepProgress(ctx context.Context, projectID, stepKey string) (*db.StepProgress, error) {
	if _, err := steps.MustLookup(stepKey); err != nil {
		return nil, apperr.Invalid("step_key", "%v", err)
	}
	return s.store.GetStepProgress(ctx, projectID, stepKey)
}

// UpdateStepProgress validates and normalizes u, then upserts the step row.
// Completing a step advances the project's current step.
func (s *Service) UpdateStepProgress(ctx context.Context, u Update) (*db.StepProgress, error) {
	step, err := steps.MustLookup(u.StepKey)
	if err != nil {
		return nil, apperr.Invalid("step_key", "%v", err)
	}
	if !db.IsValidStepStatus(u.Status) {
		return nil, apperr.Invalid("status", "must be one of pending, in_progress, completed, error, cancelled, got %q", u.Status)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return nil, apperr.Invalid("progress", "must be between 0 and 100, got %d", u.Progress)
	}

	now := s.now()
	input := &db.StepProgressInput{
		ProjectID: u.ProjectID,
		StepKey:   step.Key,
		StepName:  step.Name,
		Status:    u.Status,
		Progress:  Normalize(u.Status, u.Progress),
		Data:      u.Data,
	}
	if u.Status != db.StepStatusPending {
		input.StartedAt = &now
	}
	if u.Status == db.StepStatusCompleted {
		input.CompletedAt = &now
	}
	if u.TaskID != "" {
		input.TaskID = &u.TaskID
	}
	if u.ErrorMessage != "" {
		input.ErrorMessage = &u.ErrorMessage
	}

	row, err := s.store.UpsertStepProgress(ctx, input)
	if err != nil {
		return nil, err
	}

	if u.Status == db.StepStatusCompleted {
		if err := s.AdvanceFrom(ctx, u.ProjectID, step.Key); err != nil {
			return row, err
		}
	}
	return row, nil
}

// AdvanceFrom moves the project's current step past completedKey. It never moves backwards.
// Completing the last step marks the project completed.
func (s *Service) AdvanceFrom(ctx context.Context, projectID, completedKey string) error {
	next, ok := steps.Next(completedKey)
	if !ok {
		if completedKey == steps.DocumentExport {
			return s.store.UpdateProjectStatus(ctx, projectID, db.ProjectStatusCompleted)
		}
		return nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		project, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if project == nil {
			return apperr.NotFound("project", projectID)
		}
		if steps.Ordinal(project.CurrentStep) >= steps.Ordinal(next) {
			return nil
		}
		swapped, err := s.store.CompareAndSetCurrentStep(ctx, projectID, project.CurrentStep, next)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
	log.Printf("[progress] gave up advancing current step for project %s past %s", projectID, completedKey)
	return nil
}

// ResetProject returns every step to pending/0 and rewinds current_step to the first step.
// Task history and stored results are kept.
func (s *Service) ResetProject(ctx context.Context, projectID string) (*Snapshot, error) {
	if _, err := s.RequireProject(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.EnsureDefaults(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.store.ResetStepProgress(ctx, projectID); err != nil {
		return nil, err
	}
	if err := s.store.SetCurrentStep(ctx, projectID, steps.First().Key); err != nil {
		return nil, err
	}
	if err := s.store.UpdateProjectStatus(ctx, projectID, db.ProjectStatusActive); err != nil {
		return nil, err
	}
	return s.GetProgress(ctx, projectID)
}

// Normalize enforces the status/progress coupling: completed is always 100,
// pending is always 0, and no other status may claim 100.
func Normalize(status string, progress int) int {
	switch status {
	case db.StepStatusCompleted:
		return 100
	case db.StepStatusPending:
		return 0
	}
	if progress > 99 {
		return 99
	}
	if progress < 0 {
		return 0
	}
	return progress
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
