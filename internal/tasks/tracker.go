// Package tasks records execution attempts in an append-only log and
// deduplicates requests that carry an idempotency key.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
)

// DefaultClaimTTL is how long a claimed key without any task row is treated as in flight
const DefaultClaimTTL = 30 * time.Second

// Transition is one state change of a task
type Transition struct {
	TaskID    string
	ProjectID string
	StepKey   string
	Status    string
	Progress  int
	Payload   map[string]any
	Error     string
}

// Tracker appends task snapshots and resolves idempotency keys
type Tracker struct {
	store    db.Store
	now      func() time.Time
	newID    func() string
	claimTTL time.Duration
}

// NewTracker creates a tracker over store
func NewTracker(store db.Store) *Tracker {
	return &Tracker{
		store:    store,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		claimTTL: DefaultClaimTTL,
	}
}

// CreateOrReuse returns the live task bound to idempotencyKey, or creates a new pending task.
// Without a key a new task is always created. isNew is false when an existing task was returned.
func (t *Tracker) CreateOrReuse(ctx context.Context, projectID, stepKey, idempotencyKey, traceID string) (taskID string, isNew bool, err error) {
	taskID = t.newID()
	if idempotencyKey == "" {
		if err := t.insertPending(ctx, taskID, projectID, stepKey, "", traceID); err != nil {
			return "", false, err
		}
		return taskID, true, nil
	}

	claim := &db.IdempotencyClaim{ProjectID: projectID, StepKey: stepKey, Key: idempotencyKey, TaskID: taskID}
	for attempt := 0; attempt < 3; attempt++ {
		current, created, err := t.store.ClaimIdempotencyKey(ctx, claim)
		if err != nil {
			return "", false, err
		}
		// A retried claim can miss its own insert, so a binding to taskID is ours
		if created || current.TaskID == taskID {
			if err := t.insertPending(ctx, taskID, projectID, stepKey, idempotencyKey, traceID); err != nil {
				return "", false, err
			}
			return taskID, true, nil
		}

		holder, err := t.store.LatestTaskByID(ctx, current.TaskID)
		if err != nil {
			return "", false, err
		}
		if t.isLive(holder, current) {
			return current.TaskID, false, nil
		}

		replaced, err := t.store.ReplaceIdempotencyClaim(ctx, claim, current.TaskID)
		if err != nil {
			return "", false, err
		}
		if replaced {
			if err := t.insertPending(ctx, taskID, projectID, stepKey, idempotencyKey, traceID); err != nil {
				return "", false, err
			}
			return taskID, true, nil
		}
	}
	return "", false, &apperr.ErrConflict{Message: fmt.Sprintf("idempotency key %q is contended", idempotencyKey)}
}

// isLive reports whether the holder of a claim still owns the key. A fresh claim whose
// task row has not been written yet counts as live.
func (t *Tracker) isLive(holder *db.TaskRecord, claim *db.IdempotencyClaim) bool {
	if holder == nil {
		return t.now().Sub(claim.ClaimedAt) < t.claimTTL
	}
	return db.IsLiveStatus(holder.Status)
}

func (t *Tracker) insertPending(ctx context.Context, taskID, projectID, stepKey, idempotencyKey, traceID string) error {
	rec := &db.TaskRecord{
		TaskID:    taskID,
		ProjectID: projectID,
		StepKey:   stepKey,
		Status:    db.StepStatusPending,
	}
	if idempotencyKey != "" {
		rec.IdempotencyKey = &idempotencyKey
	}
	if traceID != "" {
		rec.TraceID = &traceID
	}
	_, err := t.store.InsertTask(ctx, rec)
	return err
}

// RecordTransition appends a snapshot row. started_at, idempotency key and trace id
// carry over from the previous row of the same task.
func (t *Tracker) RecordTransition(ctx context.Context, tr Transition) (*db.TaskRecord, error) {
	if !db.IsValidStepStatus(tr.Status) {
		return nil, apperr.Invalid("status", "unknown task status %q", tr.Status)
	}

	prev, err := t.store.LatestTaskByID(ctx, tr.TaskID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	rec := &db.TaskRecord{
		TaskID:    tr.TaskID,
		ProjectID: tr.ProjectID,
		StepKey:   tr.StepKey,
		Status:    tr.Status,
		Progress:  tr.Progress,
		Payload:   tr.Payload,
	}
	if tr.Error != "" {
		msg := tr.Error
		rec.Error = &msg
	}
	if prev != nil {
		rec.IdempotencyKey = prev.IdempotencyKey
		rec.TraceID = prev.TraceID
		rec.StartedAt = prev.StartedAt
		if rec.ProjectID == "" {
			rec.ProjectID = prev.ProjectID
		}
		if rec.StepKey == "" {
			rec.StepKey = prev.StepKey
		}
	}
	if rec.StartedAt == nil && tr.Status == db.StepStatusInProgress {
		rec.StartedAt = &now
	}
	switch tr.Status {
	case db.StepStatusCompleted:
		rec.CompletedAt = &now
		rec.Progress = 100
	case db.StepStatusCancelled:
		rec.CancelledAt = &now
	}

	return t.store.InsertTask(ctx, rec)
}

// GetLatest returns the newest task row for a project step, or nil
func (t *Tracker) GetLatest(ctx context.Context, projectID, stepKey string) (*db.TaskRecord, error) {
	return t.store.LatestTask(ctx, projectID, stepKey)
}

// Get returns the newest row for a task id, or nil
func (t *Tracker) Get(ctx context.Context, taskID string) (*db.TaskRecord, error) {
	return t.store.LatestTaskByID(ctx, taskID)
}

// History returns task rows for a project step, newest first
func (t *Tracker) History(ctx context.Context, projectID, stepKey string, limit int) ([]db.TaskRecord, error) {
	return t.store.ListTaskHistory(ctx, projectID, stepKey, limit)
}
