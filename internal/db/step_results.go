package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// Step Result Methods
// -----------------------------------------------------------------------------

// SaveStepResult stores the output of a completed step execution
func (db *DB) SaveStepResult(ctx context.Context, projectID, stepKey, taskID string, result map[string]any) (*StepResult, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step result: %w", err)
	}

	out := StepResult{ProjectID: projectID, StepKey: stepKey, TaskID: taskID, Result: result}
	err = withRetry(ctx, "save step result", func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO step_results (project_id, step_key, task_id, result)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, created_at`,
			projectID, stepKey, taskID, resultJSON,
		).Scan(&out.ID, &out.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestStepResult returns the newest stored result for a project step
func (db *DB) LatestStepResult(ctx context.Context, projectID, stepKey string) (*StepResult, error) {
	var out *StepResult
	err := withRetry(ctx, "get step result", func() error {
		var r StepResult
		var resultJSON []byte
		err := db.pool.QueryRow(ctx,
			`SELECT id, project_id, step_key, task_id, result, created_at
			 FROM step_results WHERE project_id = $1 AND step_key = $2
			 ORDER BY id DESC LIMIT 1`,
			projectID, stepKey,
		).Scan(&r.ID, &r.ProjectID, &r.StepKey, &r.TaskID, &resultJSON, &r.CreatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		_ = json.Unmarshal(resultJSON, &r.Result)
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
