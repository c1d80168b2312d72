// Package executor runs step work in the background and keeps the step progress
// ledger and the task log consistent while it does.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/jonathan/bid-assistant/internal/db"
)

// ErrSuperseded is returned from Run.Checkpoint when the step row no longer
// belongs to this task (cancelled, reset, or taken over by a newer request).
var ErrSuperseded = errors.New("task superseded")

// Step is the domain work behind one registry step
type Step interface {
	Key() string
	// Validate checks raw request params and returns the normalized params used by Run.
	Validate(params map[string]any) (map[string]any, error)
	Run(ctx context.Context, run *Run) (map[string]any, error)
}

// Run is the context handed to a Step for one task execution
type Run struct {
	ProjectID string
	StepKey   string
	TaskID    string
	TraceID   string
	Params    map[string]any
	Project   *db.Project

	checkpoint func(ctx context.Context, progress int) error
}

// Checkpoint records progress for this task. It fails with ErrSuperseded once the task
// has lost ownership of its step, and the step must stop.
func (r *Run) Checkpoint(ctx context.Context, progress int) error {
	if r.checkpoint == nil {
		return nil
	}
	return r.checkpoint(ctx, progress)
}

// ExecuteOptions carries request metadata for Execute
type ExecuteOptions struct {
	IdempotencyKey string
	TraceID        string
}

// ExecuteResult is the synchronous answer to Execute
type ExecuteResult struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Reused  bool   `json:"reused"`
	TraceID string `json:"trace_id,omitempty"`
}

// Execute statuses reported to callers
const (
	StatusRunning = "running"
)

// ResultView is the answer to GetResult. Found is false when the step has no stored result.
type ResultView struct {
	Found     bool           `json:"found"`
	StepKey   string         `json:"step_key"`
	Status    string         `json:"status"`
	TaskID    string         `json:"task_id,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// StepExecutor is the uniform status/execute/result surface of one step
type StepExecutor interface {
	StepKey() string
	GetStatus(ctx context.Context, projectID string) (*db.StepProgress, error)
	Execute(ctx context.Context, projectID string, params map[string]any, opts ExecuteOptions) (*ExecuteResult, error)
	GetResult(ctx context.Context, projectID string) (*ResultView, error)
}

// Job is the unit handed to a Dispatcher
type Job struct {
	TaskID    string         `json:"task_id"`
	ProjectID string         `json:"project_id"`
	StepKey   string         `json:"step_key"`
	TraceID   string         `json:"trace_id"`
	Params    map[string]any `json:"params"`
}

// JobHandler runs a dispatched job to completion
type JobHandler func(ctx context.Context, job Job) error

// Dispatcher starts a job outside the request path
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// ResultValidator checks a step's output before it is stored
type ResultValidator func(stepKey string, result map[string]any) error
