package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// Task Log Methods
// -----------------------------------------------------------------------------

const taskColumns = `seq, task_id, project_id, step_key, status, progress, payload, error,
        idempotency_key, trace_id, started_at, completed_at, cancelled_at, created_at`

func scanTask(row pgx.Row) (*TaskRecord, error) {
	var t TaskRecord
	var payloadJSON []byte
	err := row.Scan(&t.Seq, &t.TaskID, &t.ProjectID, &t.StepKey, &t.Status, &t.Progress,
		&payloadJSON, &t.Error, &t.IdempotencyKey, &t.TraceID,
		&t.StartedAt, &t.CompletedAt, &t.CancelledAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if payloadJSON != nil {
		_ = json.Unmarshal(payloadJSON, &t.Payload)
	}
	return &t, nil
}

// InsertTask appends a snapshot row to the task log
func (db *DB) InsertTask(ctx context.Context, rec *TaskRecord) (*TaskRecord, error) {
	payloadJSON, err := marshalOptional(rec.Payload)
	if err != nil {
		return nil, err
	}

	var out *TaskRecord
	err = withRetry(ctx, "insert task", func() error {
		var err error
		out, err = scanTask(db.pool.QueryRow(ctx,
			`INSERT INTO tasks (task_id, project_id, step_key, status, progress, payload, error,
			                    idempotency_key, trace_id, started_at, completed_at, cancelled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 RETURNING `+taskColumns,
			rec.TaskID, rec.ProjectID, rec.StepKey, rec.Status, rec.Progress, payloadJSON, rec.Error,
			rec.IdempotencyKey, rec.TraceID, rec.StartedAt, rec.CompletedAt, rec.CancelledAt,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LatestTask returns the most recent task row for a project step
func (db *DB) LatestTask(ctx context.Context, projectID, stepKey string) (*TaskRecord, error) {
	return db.queryOneTask(ctx, "get latest task",
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND step_key = $2
		 ORDER BY seq DESC LIMIT 1`, projectID, stepKey)
}

// LatestTaskByID returns the most recent row for a task
func (db *DB) LatestTaskByID(ctx context.Context, taskID string) (*TaskRecord, error) {
	return db.queryOneTask(ctx, "get task",
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1 ORDER BY seq DESC LIMIT 1`, taskID)
}

func (db *DB) queryOneTask(ctx context.Context, op, query string, args ...any) (*TaskRecord, error) {
	var t *TaskRecord
	err := withRetry(ctx, op, func() error {
		var err error
		t, err = scanTask(db.pool.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			t = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTaskHistory returns task rows for a project step, newest first
func (db *DB) ListTaskHistory(ctx context.Context, projectID, stepKey string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []TaskRecord
	err := withRetry(ctx, "list task history", func() error {
		out = nil
		rows, err := db.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 AND step_key = $2
			 ORDER BY seq DESC LIMIT $3`, projectID, stepKey, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ClaimIdempotencyKey binds claim.Key to claim.TaskID unless it is already bound.
// It returns the binding in effect and whether this call created it.
func (db *DB) ClaimIdempotencyKey(ctx context.Context, claim *IdempotencyClaim) (*IdempotencyClaim, bool, error) {
	var (
		current *IdempotencyClaim
		created bool
	)
	err := withRetry(ctx, "claim idempotency key", func() error {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO task_idempotency (project_id, step_key, idempotency_key, task_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (project_id, step_key, idempotency_key) DO NOTHING`,
			claim.ProjectID, claim.StepKey, claim.Key, claim.TaskID)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() > 0

		c := IdempotencyClaim{ProjectID: claim.ProjectID, StepKey: claim.StepKey, Key: claim.Key}
		err = db.pool.QueryRow(ctx,
			`SELECT task_id, claimed_at FROM task_idempotency
			 WHERE project_id = $1 AND step_key = $2 AND idempotency_key = $3`,
			claim.ProjectID, claim.StepKey, claim.Key,
		).Scan(&c.TaskID, &c.ClaimedAt)
		if err != nil {
			return err
		}
		current = &c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return current, created, nil
}

// ReplaceIdempotencyClaim rebinds a key from previousTaskID to claim.TaskID.
// It reports false if another caller rebound it first.
func (db *DB) ReplaceIdempotencyClaim(ctx context.Context, claim *IdempotencyClaim, previousTaskID string) (bool, error) {
	var replaced bool
	err := withRetry(ctx, "replace idempotency claim", func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE task_idempotency SET task_id = $5, claimed_at = NOW()
			 WHERE project_id = $1 AND step_key = $2 AND idempotency_key = $3 AND task_id = $4`,
			claim.ProjectID, claim.StepKey, claim.Key, previousTaskID, claim.TaskID)
		if err != nil {
			return err
		}
		replaced = tag.RowsAffected() > 0
		return nil
	})
	return replaced, err
}
