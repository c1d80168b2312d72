package db

import (
	"context"
	"fmt"
	"strings"
)

// Store is the persistence surface used by the progress, task and executor layers.
// Read methods return nil, nil when the row does not exist.
type Store interface {
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close()

	CreateProject(ctx context.Context, input *ProjectInput) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, limit int) ([]Project, error)
	SetCurrentStep(ctx context.Context, projectID, stepKey string) error
	CompareAndSetCurrentStep(ctx context.Context, projectID, from, to string) (bool, error)
	UpdateProjectStatus(ctx context.Context, projectID, status string) error

	EnsureStepRows(ctx context.Context, projectID string, seeds []StepSeed) error
	ListStepProgress(ctx context.Context, projectID string) ([]StepProgress, error)
	ListStepProgressByStatus(ctx context.Context, status string) ([]StepProgress, error)
	GetStepProgress(ctx context.Context, projectID, stepKey string) (*StepProgress, error)
	UpsertStepProgress(ctx context.Context, input *StepProgressInput) (*StepProgress, error)
	TransitionOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string) (bool, error)
	CompleteOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string, result map[string]any) (bool, error)
	CheckpointStep(ctx context.Context, projectID, stepKey, taskID string, progress int) (bool, error)
	ResetStepProgress(ctx context.Context, projectID string) error

	InsertTask(ctx context.Context, rec *TaskRecord) (*TaskRecord, error)
	LatestTask(ctx context.Context, projectID, stepKey string) (*TaskRecord, error)
	LatestTaskByID(ctx context.Context, taskID string) (*TaskRecord, error)
	ListTaskHistory(ctx context.Context, projectID, stepKey string, limit int) ([]TaskRecord, error)
	ClaimIdempotencyKey(ctx context.Context, claim *IdempotencyClaim) (*IdempotencyClaim, bool, error)
	ReplaceIdempotencyClaim(ctx context.Context, claim *IdempotencyClaim, previousTaskID string) (bool, error)

	SaveStepResult(ctx context.Context, projectID, stepKey, taskID string, result map[string]any) (*StepResult, error)
	LatestStepResult(ctx context.Context, projectID, stepKey string) (*StepResult, error)
}

// Driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the store named by driver and applies the schema
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql", "pgx":
		store, err = Connect(ctx, dsn)
	case DriverSQLite, "sqlite3", "":
		store, err = OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*SQLite)(nil)
)
