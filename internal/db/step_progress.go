package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// Step Progress Methods
// -----------------------------------------------------------------------------

const stepProgressColumns = `project_id, step_key, step_name, status, progress, started_at, completed_at,
        updated_at, task_id, error_message, data`

func scanStepProgress(row pgx.Row) (*StepProgress, error) {
	var sp StepProgress
	var dataJSON []byte
	err := row.Scan(&sp.ProjectID, &sp.StepKey, &sp.StepName, &sp.Status, &sp.Progress,
		&sp.StartedAt, &sp.CompletedAt, &sp.UpdatedAt, &sp.TaskID, &sp.ErrorMessage, &dataJSON)
	if err != nil {
		return nil, err
	}
	if dataJSON != nil {
		_ = json.Unmarshal(dataJSON, &sp.Data)
	}
	return &sp, nil
}

func marshalOptional(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return b, nil
}

// EnsureStepRows inserts a pending/0 row for every seed that has no row yet
func (db *DB) EnsureStepRows(ctx context.Context, projectID string, seeds []StepSeed) error {
	return withRetry(ctx, "ensure step rows", func() error {
		batch := &pgx.Batch{}
		for _, seed := range seeds {
			batch.Queue(
				`INSERT INTO step_progress (project_id, step_key, step_name, status, progress)
				 VALUES ($1, $2, $3, 'pending', 0)
				 ON CONFLICT (project_id, step_key) DO NOTHING`,
				projectID, seed.Key, seed.Name,
			)
		}
		results := db.pool.SendBatch(ctx, batch)
		defer results.Close()
		for range seeds {
			if _, err := results.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListStepProgress returns all step rows of a project (unordered)
func (db *DB) ListStepProgress(ctx context.Context, projectID string) ([]StepProgress, error) {
	return db.queryStepProgress(ctx, "list step progress",
		`SELECT `+stepProgressColumns+` FROM step_progress WHERE project_id = $1`, projectID)
}

// ListStepProgressByStatus returns step rows across projects with the given status
func (db *DB) ListStepProgressByStatus(ctx context.Context, status string) ([]StepProgress, error) {
	return db.queryStepProgress(ctx, "list step progress by status",
		`SELECT `+stepProgressColumns+` FROM step_progress WHERE status = $1 ORDER BY updated_at`, status)
}

func (db *DB) queryStepProgress(ctx context.Context, op, query string, args ...any) ([]StepProgress, error) {
	var out []StepProgress
	err := withRetry(ctx, op, func() error {
		out = nil
		rows, err := db.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sp, err := scanStepProgress(rows)
			if err != nil {
				return err
			}
			out = append(out, *sp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetStepProgress retrieves one step row
func (db *DB) GetStepProgress(ctx context.Context, projectID, stepKey string) (*StepProgress, error) {
	var sp *StepProgress
	err := withRetry(ctx, "get step progress", func() error {
		var err error
		sp, err = scanStepProgress(db.pool.QueryRow(ctx,
			`SELECT `+stepProgressColumns+` FROM step_progress WHERE project_id = $1 AND step_key = $2`,
			projectID, stepKey))
		if errors.Is(err, pgx.ErrNoRows) {
			sp = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// UpsertStepProgress writes a step row keyed by (project_id, step_key).
// An existing started_at is kept; progress never decreases while the same task stays in_progress.
func (db *DB) UpsertStepProgress(ctx context.Context, input *StepProgressInput) (*StepProgress, error) {
	dataJSON, err := marshalOptional(input.Data)
	if err != nil {
		return nil, err
	}

	var sp *StepProgress
	err = withRetry(ctx, "upsert step progress", func() error {
		var err error
		sp, err = scanStepProgress(db.pool.QueryRow(ctx,
			`INSERT INTO step_progress (project_id, step_key, step_name, status, progress,
			                            started_at, completed_at, task_id, error_message, data, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			 ON CONFLICT (project_id, step_key) DO UPDATE SET
			     step_name = EXCLUDED.step_name,
			     status = EXCLUDED.status,
			     progress = CASE
			         WHEN step_progress.status = 'in_progress' AND EXCLUDED.status = 'in_progress'
			              AND step_progress.task_id IS NOT DISTINCT FROM COALESCE(EXCLUDED.task_id, step_progress.task_id)
			         THEN GREATEST(step_progress.progress, EXCLUDED.progress)
			         ELSE EXCLUDED.progress END,
			     started_at = COALESCE(step_progress.started_at, EXCLUDED.started_at),
			     completed_at = EXCLUDED.completed_at,
			     task_id = COALESCE(EXCLUDED.task_id, step_progress.task_id),
			     error_message = EXCLUDED.error_message,
			     data = COALESCE(EXCLUDED.data, step_progress.data),
			     updated_at = NOW()
			 RETURNING `+stepProgressColumns,
			input.ProjectID, input.StepKey, input.StepName, input.Status, input.Progress,
			input.StartedAt, input.CompletedAt, input.TaskID, input.ErrorMessage, dataJSON,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// TransitionOwnedStep applies a terminal write only if the row is still in_progress
// under ownerTaskID. It reports whether the row was updated.
func (db *DB) TransitionOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string) (bool, error) {
	dataJSON, err := marshalOptional(input.Data)
	if err != nil {
		return false, err
	}

	var updated bool
	err = withRetry(ctx, "transition step", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE step_progress
			 SET status = $4, progress = $5, completed_at = $6, error_message = $7,
			     data = COALESCE($8::jsonb, data), updated_at = NOW()
			 WHERE project_id = $1 AND step_key = $2 AND task_id = $3 AND status = 'in_progress'`,
			input.ProjectID, input.StepKey, ownerTaskID,
			input.Status, input.Progress, input.CompletedAt, input.ErrorMessage, dataJSON,
		)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// CompleteOwnedStep applies the completed write and stores result in one transaction.
// Nothing is written unless the row is still in_progress under ownerTaskID.
func (db *DB) CompleteOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string, result map[string]any) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("failed to marshal step result: %w", err)
	}
	dataJSON, err := marshalOptional(input.Data)
	if err != nil {
		return false, err
	}

	var updated bool
	err = withRetry(ctx, "complete step", func() error {
		updated = false
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		tag, err := tx.Exec(ctx,
			`UPDATE step_progress
			 SET status = $4, progress = $5, completed_at = $6, error_message = $7,
			     data = COALESCE($8::jsonb, data), updated_at = NOW()
			 WHERE project_id = $1 AND step_key = $2 AND task_id = $3 AND status = 'in_progress'`,
			input.ProjectID, input.StepKey, ownerTaskID,
			input.Status, input.Progress, input.CompletedAt, input.ErrorMessage, dataJSON,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO step_results (project_id, step_key, task_id, result) VALUES ($1, $2, $3, $4)`,
			input.ProjectID, input.StepKey, ownerTaskID, resultJSON); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// CheckpointStep raises progress for a running task. It reports false when the row
// no longer belongs to taskID or has left in_progress.
func (db *DB) CheckpointStep(ctx context.Context, projectID, stepKey, taskID string, progress int) (bool, error) {
	var updated bool
	err := withRetry(ctx, "checkpoint step", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE step_progress
			 SET progress = GREATEST(progress, $4), updated_at = NOW()
			 WHERE project_id = $1 AND step_key = $2 AND task_id = $3 AND status = 'in_progress'`,
			projectID, stepKey, taskID, progress,
		)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// ResetStepProgress returns every step row of a project to pending/0
func (db *DB) ResetStepProgress(ctx context.Context, projectID string) error {
	return withRetry(ctx, "reset step progress", func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE step_progress
			 SET status = 'pending', progress = 0, started_at = NULL, completed_at = NULL,
			     task_id = NULL, error_message = NULL, updated_at = NOW()
			 WHERE project_id = $1`,
			projectID,
		)
		return err
	})
}
