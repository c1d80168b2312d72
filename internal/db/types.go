package db

import (
	"time"
)

// StepStatus constants
const (
	StepStatusPending    = "pending"
	StepStatusInProgress = "in_progress"
	StepStatusCompleted  = "completed"
	StepStatusError      = "error"
	StepStatusCancelled  = "cancelled"
)

// ProjectStatus constants
const (
	ProjectStatusActive    = "active"
	ProjectStatusCompleted = "completed"
	ProjectStatusArchived  = "archived"
)

// IsValidStepStatus reports whether status is one of the known step statuses
func IsValidStepStatus(status string) bool {
	switch status {
	case StepStatusPending, StepStatusInProgress, StepStatusCompleted, StepStatusError, StepStatusCancelled:
		return true
	}
	return false
}

// IsTerminalStatus reports whether a task or step in this status will not change again
// without a new attempt.
func IsTerminalStatus(status string) bool {
	return status == StepStatusCompleted || status == StepStatusError || status == StepStatusCancelled
}

// IsLiveStatus reports whether a task in this status still owns its step
func IsLiveStatus(status string) bool {
	return status == StepStatusPending || status == StepStatusInProgress
}

// Project represents a bid project
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SourceFile  string    `json:"source_file,omitempty"`
	ProjectPath string    `json:"project_path"`
	CurrentStep string    `json:"current_step"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProjectInput represents input for creating a project
type ProjectInput struct {
	ID          string
	Name        string
	Description string
	SourceFile  string
	ProjectPath string
	CurrentStep string
}

// StepProgress is the current-state record for one (project, step) pair
type StepProgress struct {
	ProjectID    string         `json:"project_id"`
	StepKey      string         `json:"step_key"`
	StepName     string         `json:"step_name"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
	TaskID       *string        `json:"task_id,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// StepSeed names a step row to materialize with pending/0
type StepSeed struct {
	Key  string
	Name string
}

// StepProgressInput represents input for upserting a step progress row.
// StartedAt and CompletedAt are written as given; nil TaskID and nil Data keep
// the stored values.
type StepProgressInput struct {
	ProjectID    string
	StepKey      string
	StepName     string
	Status       string
	Progress     int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TaskID       *string
	ErrorMessage *string
	Data         map[string]any
}

// TaskRecord is one row of the append-only task log
type TaskRecord struct {
	Seq            int64          `json:"-"`
	TaskID         string         `json:"task_id"`
	ProjectID      string         `json:"project_id"`
	StepKey        string         `json:"step_key"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	Payload        map[string]any `json:"payload,omitempty"`
	Error          *string        `json:"error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	TraceID        *string        `json:"trace_id,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CancelledAt    *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time      `json:"updated_at"`
}

// StepResult is a stored step output
type StepResult struct {
	ID        int64          `json:"id"`
	ProjectID string         `json:"project_id"`
	StepKey   string         `json:"step_key"`
	TaskID    string         `json:"task_id"`
	Result    map[string]any `json:"result"`
	CreatedAt time.Time      `json:"created_at"`
}

// IdempotencyClaim binds an idempotency key to the task that currently owns it
type IdempotencyClaim struct {
	ProjectID string
	StepKey   string
	Key       string
	TaskID    string
	ClaimedAt time.Time
}
