package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Step Progress Methods (SQLite)
// -----------------------------------------------------------------------------

func scanSQLiteStepProgress(scan func(dest ...any) error) (*StepProgress, error) {
	var (
		sp                      StepProgress
		startedMs, completedMs  sql.NullInt64
		updatedMs               int64
		taskID, errMsg, dataStr sql.NullString
	)
	if err := scan(&sp.ProjectID, &sp.StepKey, &sp.StepName, &sp.Status, &sp.Progress,
		&startedMs, &completedMs, &updatedMs, &taskID, &errMsg, &dataStr); err != nil {
		return nil, err
	}
	sp.StartedAt = timeFromNull(startedMs)
	sp.CompletedAt = timeFromNull(completedMs)
	sp.UpdatedAt = time.UnixMilli(updatedMs)
	sp.TaskID = strFromNull(taskID)
	sp.ErrorMessage = strFromNull(errMsg)
	if dataStr.Valid {
		_ = json.Unmarshal([]byte(dataStr.String), &sp.Data)
	}
	return &sp, nil
}

// EnsureStepRows inserts a pending/0 row for every seed that has no row yet
func (s *SQLite) EnsureStepRows(ctx context.Context, projectID string, seeds []StepSeed) error {
	now := nowMs()
	return withRetry(ctx, "ensure step rows", func() error {
		for _, seed := range seeds {
			if _, err := s.db.ExecContext(ctx,
				`INSERT INTO step_progress (project_id, step_key, step_name, status, progress, updated_at)
				 VALUES (?, ?, ?, 'pending', 0, ?)
				 ON CONFLICT (project_id, step_key) DO NOTHING`,
				projectID, seed.Key, seed.Name, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListStepProgress returns all step rows of a project (unordered)
func (s *SQLite) ListStepProgress(ctx context.Context, projectID string) ([]StepProgress, error) {
	return s.queryStepProgress(ctx, "list step progress",
		`SELECT `+stepProgressColumns+` FROM step_progress WHERE project_id = ?`, projectID)
}

// ListStepProgressByStatus returns step rows across projects with the given status
func (s *SQLite) ListStepProgressByStatus(ctx context.Context, status string) ([]StepProgress, error) {
	return s.queryStepProgress(ctx, "list step progress by status",
		`SELECT `+stepProgressColumns+` FROM step_progress WHERE status = ? ORDER BY updated_at`, status)
}

func (s *SQLite) queryStepProgress(ctx context.Context, op, query string, args ...any) ([]StepProgress, error) {
	var out []StepProgress
	err := withRetry(ctx, op, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			sp, err := scanSQLiteStepProgress(rows.Scan)
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
func (s *SQLite) GetStepProgress(ctx context.Context, projectID, stepKey string) (*StepProgress, error) {
	var sp *StepProgress
	err := withRetry(ctx, "get step progress", func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+stepProgressColumns+` FROM step_progress WHERE project_id = ? AND step_key = ?`,
			projectID, stepKey)
		var err error
		sp, err = scanSQLiteStepProgress(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLite) UpsertStepProgress(ctx context.Context, input *StepProgressInput) (*StepProgress, error) {
	dataJSON, err := marshalOptional(input.Data)
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, "upsert step progress", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO step_progress (project_id, step_key, step_name, status, progress,
			                            started_at, completed_at, task_id, error_message, data, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (project_id, step_key) DO UPDATE SET
			     step_name = excluded.step_name,
			     status = excluded.status,
			     progress = CASE
			         WHEN step_progress.status = 'in_progress' AND excluded.status = 'in_progress'
			              AND step_progress.task_id IS COALESCE(excluded.task_id, step_progress.task_id)
			         THEN MAX(step_progress.progress, excluded.progress)
			         ELSE excluded.progress END,
			     started_at = COALESCE(step_progress.started_at, excluded.started_at),
			     completed_at = excluded.completed_at,
			     task_id = COALESCE(excluded.task_id, step_progress.task_id),
			     error_message = excluded.error_message,
			     data = COALESCE(excluded.data, step_progress.data),
			     updated_at = excluded.updated_at`,
			input.ProjectID, input.StepKey, input.StepName, input.Status, input.Progress,
			msOrNil(input.StartedAt), msOrNil(input.CompletedAt), strOrNil(input.TaskID),
			strOrNil(input.ErrorMessage), jsonOrNil(dataJSON), nowMs(),
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetStepProgress(ctx, input.ProjectID, input.StepKey)
}

// TransitionOwnedStep applies a terminal write only if the row is still in_progress
// under ownerTaskID. It reports whether the row was updated.
func (s *SQLite) TransitionOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string) (bool, error) {
	dataJSON, err := marshalOptional(input.Data)
	if err != nil {
		return false, err
	}

	var updated bool
	err = withRetry(ctx, "transition step", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE step_progress
			 SET status = ?, progress = ?, completed_at = ?, error_message = ?,
			     data = COALESCE(?, data), updated_at = ?
			 WHERE project_id = ? AND step_key = ? AND task_id = ? AND status = 'in_progress'`,
			input.Status, input.Progress, msOrNil(input.CompletedAt), strOrNil(input.ErrorMessage),
			jsonOrNil(dataJSON), nowMs(), input.ProjectID, input.StepKey, ownerTaskID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

// CompleteOwnedStep applies the completed write and stores result in one transaction.
// Nothing is written unless the row is still in_progress under ownerTaskID.
func (s *SQLite) CompleteOwnedStep(ctx context.Context, input *StepProgressInput, ownerTaskID string, result map[string]any) (bool, error) {
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
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		now := nowMs()
		res, err := tx.ExecContext(ctx,
			`UPDATE step_progress
			 SET status = ?, progress = ?, completed_at = ?, error_message = ?,
			     data = COALESCE(?, data), updated_at = ?
			 WHERE project_id = ? AND step_key = ? AND task_id = ? AND status = 'in_progress'`,
			input.Status, input.Progress, msOrNil(input.CompletedAt), strOrNil(input.ErrorMessage),
			jsonOrNil(dataJSON), now, input.ProjectID, input.StepKey, ownerTaskID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (project_id, step_key, task_id, result, created_at) VALUES (?, ?, ?, ?, ?)`,
			input.ProjectID, input.StepKey, ownerTaskID, string(resultJSON), now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
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
func (s *SQLite) CheckpointStep(ctx context.Context, projectID, stepKey, taskID string, progress int) (bool, error) {
	var updated bool
	err := withRetry(ctx, "checkpoint step", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE step_progress SET progress = MAX(progress, ?), updated_at = ?
			 WHERE project_id = ? AND step_key = ? AND task_id = ? AND status = 'in_progress'`,
			progress, nowMs(), projectID, stepKey, taskID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n > 0
		return err
	})
	return updated, err
}

// ResetStepProgress returns every step row of a project to pending/0
func (s *SQLite) ResetStepProgress(ctx context.Context, projectID string) error {
	return withRetry(ctx, "reset step progress", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE step_progress
			 SET status = 'pending', progress = 0, started_at = NULL, completed_at = NULL,
			     task_id = NULL, error_message = NULL, updated_at = ?
			 WHERE project_id = ?`,
			nowMs(), projectID,
		)
		return err
	})
}

// -----------------------------------------------------------------------------
// Task Log Methods (SQLite)
// -----------------------------------------------------------------------------

func scanSQLiteTask(scan func(dest ...any) error) (*TaskRecord, error) {
	var (
		t                                   TaskRecord
		payload, errMsg, idemKey, traceID   sql.NullString
		startedMs, completedMs, cancelledMs sql.NullInt64
		createdMs                           int64
	)
	if err := scan(&t.Seq, &t.TaskID, &t.ProjectID, &t.StepKey, &t.Status, &t.Progress,
		&payload, &errMsg, &idemKey, &traceID, &startedMs, &completedMs, &cancelledMs, &createdMs); err != nil {
		return nil, err
	}
	if payload.Valid {
		_ = json.Unmarshal([]byte(payload.String), &t.Payload)
	}
	t.Error = strFromNull(errMsg)
	t.IdempotencyKey = strFromNull(idemKey)
	t.TraceID = strFromNull(traceID)
	t.StartedAt = timeFromNull(startedMs)
	t.CompletedAt = timeFromNull(completedMs)
	t.CancelledAt = timeFromNull(cancelledMs)
	t.CreatedAt = time.UnixMilli(createdMs)
	return &t, nil
}

// InsertTask appends a snapshot row to the task log
func (s *SQLite) InsertTask(ctx context.Context, rec *TaskRecord) (*TaskRecord, error) {
	payloadJSON, err := marshalOptional(rec.Payload)
	if err != nil {
		return nil, err
	}

	out := *rec
	now := nowMs()
	err = withRetry(ctx, "insert task", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (task_id, project_id, step_key, status, progress, payload, error,
			                    idempotency_key, trace_id, started_at, completed_at, cancelled_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.TaskID, rec.ProjectID, rec.StepKey, rec.Status, rec.Progress, jsonOrNil(payloadJSON),
			strOrNil(rec.Error), strOrNil(rec.IdempotencyKey), strOrNil(rec.TraceID),
			msOrNil(rec.StartedAt), msOrNil(rec.CompletedAt), msOrNil(rec.CancelledAt), now,
		)
		if err != nil {
			return err
		}
		out.Seq, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	out.CreatedAt = time.UnixMilli(now)
	return &out, nil
}

// LatestTask returns the most recent task row for a project step
func (s *SQLite) LatestTask(ctx context.Context, projectID, stepKey string) (*TaskRecord, error) {
	return s.queryOneTask(ctx, "get latest task",
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND step_key = ?
		 ORDER BY seq DESC LIMIT 1`, projectID, stepKey)
}

// LatestTaskByID returns the most recent row for a task
func (s *SQLite) LatestTaskByID(ctx context.Context, taskID string) (*TaskRecord, error) {
	return s.queryOneTask(ctx, "get task",
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ? ORDER BY seq DESC LIMIT 1`, taskID)
}

func (s *SQLite) queryOneTask(ctx context.Context, op, query string, args ...any) (*TaskRecord, error) {
	var t *TaskRecord
	err := withRetry(ctx, op, func() error {
		var err error
		t, err = scanSQLiteTask(s.db.QueryRowContext(ctx, query, args...).Scan)
		if errors.Is(err, sql.ErrNoRows) {
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
func (s *SQLite) ListTaskHistory(ctx context.Context, projectID, stepKey string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []TaskRecord
	err := withRetry(ctx, "list task history", func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND step_key = ?
			 ORDER BY seq DESC LIMIT ?`, projectID, stepKey, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanSQLiteTask(rows.Scan)
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
func (s *SQLite) ClaimIdempotencyKey(ctx context.Context, claim *IdempotencyClaim) (*IdempotencyClaim, bool, error) {
	var (
		current *IdempotencyClaim
		created bool
	)
	err := withRetry(ctx, "claim idempotency key", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO task_idempotency (project_id, step_key, idempotency_key, task_id, claimed_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (project_id, step_key, idempotency_key) DO NOTHING`,
			claim.ProjectID, claim.StepKey, claim.Key, claim.TaskID, nowMs())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0

		c := IdempotencyClaim{ProjectID: claim.ProjectID, StepKey: claim.StepKey, Key: claim.Key}
		var claimedMs int64
		err = s.db.QueryRowContext(ctx,
			`SELECT task_id, claimed_at FROM task_idempotency
			 WHERE project_id = ? AND step_key = ? AND idempotency_key = ?`,
			claim.ProjectID, claim.StepKey, claim.Key,
		).Scan(&c.TaskID, &claimedMs)
		if err != nil {
			return err
		}
		c.ClaimedAt = time.UnixMilli(claimedMs)
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
func (s *SQLite) ReplaceIdempotencyClaim(ctx context.Context, claim *IdempotencyClaim, previousTaskID string) (bool, error) {
	var replaced bool
	err := withRetry(ctx, "replace idempotency claim", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE task_idempotency SET task_id = ?, claimed_at = ?
			 WHERE project_id = ? AND step_key = ? AND idempotency_key = ? AND task_id = ?`,
			claim.TaskID, nowMs(), claim.ProjectID, claim.StepKey, claim.Key, previousTaskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		replaced = n > 0
		return err
	})
	return replaced, err
}

// -----------------------------------------------------------------------------
// Step Result Methods (SQLite)
// -----------------------------------------------------------------------------

// SaveStepResult stores the output of a completed step execution
func (s *SQLite) SaveStepResult(ctx context.Context, projectID, stepKey, taskID string, result map[string]any) (*StepResult, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step result: %w", err)
	}

	now := nowMs()
	out := StepResult{ProjectID: projectID, StepKey: stepKey, TaskID: taskID, Result: result, CreatedAt: time.UnixMilli(now)}
	err = withRetry(ctx, "save step result", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO step_results (project_id, step_key, task_id, result, created_at) VALUES (?, ?, ?, ?, ?)`,
			projectID, stepKey, taskID, string(resultJSON), now)
		if err != nil {
			return err
		}
		out.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestStepResult returns the newest stored result for a project step
func (s *SQLite) LatestStepResult(ctx context.Context, projectID, stepKey string) (*StepResult, error) {
	var out *StepResult
	err := withRetry(ctx, "get step result", func() error {
		var (
			r          StepResult
			resultJSON string
			createdMs  int64
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT id, project_id, step_key, task_id, result, created_at
			 FROM step_results WHERE project_id = ? AND step_key = ?
			 ORDER BY id DESC LIMIT 1`,
			projectID, stepKey,
		).Scan(&r.ID, &r.ProjectID, &r.StepKey, &r.TaskID, &resultJSON, &createdMs)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(resultJSON), &r.Result)
		r.CreatedAt = time.UnixMilli(createdMs)
		out = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
