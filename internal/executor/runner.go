package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/progress"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/tasks"
)

// DefaultStepTimeout bounds a single background run
const DefaultStepTimeout = 10 * time.Minute

const (
	finalizeAttempts = 3
	finalizeTimeout  = 30 * time.Second
	staleMargin      = 5 * time.Minute
)

// Options configures a Runner
type Options struct {
	Timeout        time.Duration
	ValidateResult ResultValidator
}

// Runner owns the execute flow for every registered step
type Runner struct {
	store      db.Store
	progress   *progress.Service
	tracker    *tasks.Tracker
	steps      map[string]Step
	dispatcher Dispatcher
	validate   ResultValidator
	timeout    time.Duration
	cancels    *cancelRegistry
	now        func() time.Time
}

// NewRunner creates a runner that dispatches on goroutines until SetDispatcher is called
func NewRunner(store db.Store, progressSvc *progress.Service, tracker *tasks.Tracker, opts Options) *Runner {
	r := &Runner{
		store:    store,
		progress: progressSvc,
		tracker:  tracker,
		steps:    make(map[string]Step),
		validate: opts.ValidateResult,
		timeout:  opts.Timeout,
		cancels:  newCancelRegistry(),
		now:      time.Now,
	}
	if r.timeout <= 0 {
		r.timeout = DefaultStepTimeout
	}
	r.dispatcher = NewGoDispatcher(r.RunJob)
	return r
}

// Register adds domain work for a registry step
func (r *Runner) Register(step Step) {
	if _, ok := steps.Lookup(step.Key()); !ok {
		panic(fmt.Sprintf("executor: step %q is not in the registry", step.Key()))
	}
	r.steps[step.Key()] = step
}

// SetDispatcher replaces the dispatcher
func (r *Runner) SetDispatcher(d Dispatcher) {
	r.dispatcher = d
}

// Dispatcher returns the active dispatcher
func (r *Runner) Dispatcher() Dispatcher {
	return r.dispatcher
}

// For returns the StepExecutor for stepKey
func (r *Runner) For(stepKey string) (StepExecutor, error) {
	if _, ok := r.steps[stepKey]; !ok {
		return nil, apperr.NotFound("step", stepKey)
	}
	return &stepExecutor{runner: r, key: stepKey}, nil
}

// Executors returns a StepExecutor for every registered step in pipeline order
func (r *Runner) Executors() []StepExecutor {
	var out []StepExecutor
	for _, key := range steps.Keys() {
		if _, ok := r.steps[key]; ok {
			out = append(out, &stepExecutor{runner: r, key: key})
		}
	}
	return out
}

type stepExecutor struct {
	runner *Runner
	key    string
}

func (e *stepExecutor) StepKey() string { return e.key }

func (e *stepExecutor) GetStatus(ctx context.Context, projectID string) (*db.StepProgress, error) {
	return e.runner.GetStatus(ctx, projectID, e.key)
}

func (e *stepExecutor) Execute(ctx context.Context, projectID string, params map[string]any, opts ExecuteOptions) (*ExecuteResult, error) {
	return e.runner.Execute(ctx, projectID, e.key, params, opts)
}

func (e *stepExecutor) GetResult(ctx context.Context, projectID string) (*ResultView, error) {
	return e.runner.GetResult(ctx, projectID, e.key)
}

func (r *Runner) lookup(stepKey string) (Step, error) {
	step, ok := r.steps[stepKey]
	if !ok {
		return nil, apperr.NotFound("step", stepKey)
	}
	return step, nil
}

// GetStatus returns the materialized progress row of a step
func (r *Runner) GetStatus(ctx context.Context, projectID, stepKey string) (*db.StepProgress, error) {
	if _, err := r.lookup(stepKey); err != nil {
		return nil, err
	}
	if _, err := r.progress.RequireProject(ctx, projectID); err != nil {
		return nil, err
	}
	if err := r.progress.EnsureDefaults(ctx, projectID); err != nil {
		return nil, err
	}
	row, err := r.progress.GetStepProgress(ctx, projectID, stepKey)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = &db.StepProgress{ProjectID: projectID, StepKey: stepKey, StepName: steps.Name(stepKey), Status: db.StepStatusPending}
	}
	return row, nil
}

// GetResult returns the newest stored result of a step
func (r *Runner) GetResult(ctx context.Context, projectID, stepKey string) (*ResultView, error) {
	row, err := r.GetStatus(ctx, projectID, stepKey)
	if err != nil {
		return nil, err
	}
	view := &ResultView{StepKey: stepKey, Status: row.Status}

	res, err := r.store.LatestStepResult(ctx, projectID, stepKey)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return view, nil
	}
	created := res.CreatedAt
	view.Found = true
	view.TaskID = res.TaskID
	view.CreatedAt = &created
	view.Result = res.Result
	return view, nil
}

// Execute validates the request, deduplicates it by idempotency key, marks the
// step in progress and hands the work to the dispatcher.
func (r *Runner) Execute(ctx context.Context, projectID, stepKey string, params map[string]any, opts ExecuteOptions) (*ExecuteResult, error) {
	step, err := r.lookup(stepKey)
	if err != nil {
		return nil, err
	}
	if _, err := r.progress.RequireProject(ctx, projectID); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	normalized, err := step.Validate(params)
	if err != nil {
		var ve *apperr.ErrValidation
		if !errors.As(err, &ve) {
			err = &apperr.ErrValidation{Field: "params", Message: err.Error()}
		}
		return nil, err
	}

	traceID := opts.TraceID
	if traceID == "" {
		traceID = fmt.Sprintf("trace-%s-%d", projectID, r.now().UnixMilli())
	}

	taskID, isNew, err := r.tracker.CreateOrReuse(ctx, projectID, stepKey, opts.IdempotencyKey, traceID)
	if err != nil {
		return nil, err
	}
	if !isNew {
		status := StatusRunning
		if latest, err := r.tracker.Get(ctx, taskID); err == nil && latest != nil && latest.Status != db.StepStatusInProgress && latest.Status != db.StepStatusPending {
			status = latest.Status
		}
		log.Printf("[executor] reusing task %s for %s/%s (idempotency key %q)", taskID, projectID, stepKey, opts.IdempotencyKey)
		return &ExecuteResult{TaskID: taskID, Status: status, Reused: true, TraceID: traceID}, nil
	}

	job := Job{TaskID: taskID, ProjectID: projectID, StepKey: stepKey, TraceID: traceID, Params: normalized}

	if err := r.progress.EnsureDefaults(ctx, projectID); err != nil {
		r.abandon(job, err)
		return nil, err
	}
	if _, err := r.progress.UpdateStepProgress(ctx, progress.Update{
		ProjectID: projectID,
		StepKey:   stepKey,
		Status:    db.StepStatusInProgress,
		Progress:  0,
		TaskID:    taskID,
		Data:      map[string]any{"params": normalized, "trace_id": traceID},
	}); err != nil {
		r.abandon(job, err)
		return nil, err
	}
	if _, err := r.tracker.RecordTransition(ctx, tasks.Transition{
		TaskID:    taskID,
		ProjectID: projectID,
		StepKey:   stepKey,
		Status:    db.StepStatusInProgress,
		Payload:   map[string]any{"params": normalized},
	}); err != nil {
		r.fail(job, err)
		return nil, err
	}

	if err := r.dispatcher.Dispatch(ctx, job); err != nil {
		r.fail(job, err)
		return nil, fmt.Errorf("failed to dispatch task %s: %w", taskID, err)
	}

	log.Printf("[executor] dispatched task %s for %s/%s trace=%s", taskID, projectID, stepKey, traceID)
	return &ExecuteResult{TaskID: taskID, Status: StatusRunning, TraceID: traceID}, nil
}

// RunJob executes a dispatched job and writes its terminal state to both ledgers
func (r *Runner) RunJob(ctx context.Context, job Job) error {
	step, ok := r.steps[job.StepKey]
	if !ok {
		err := apperr.NotFound("step", job.StepKey)
		r.fail(job, err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.cancels.register(job.TaskID, cancel)
	defer r.cancels.unregister(job.TaskID)

	project, err := r.store.GetProject(ctx, job.ProjectID)
	if err == nil && project == nil {
		err = apperr.NotFound("project", job.ProjectID)
	}
	if err != nil {
		r.fail(job, err)
		return err
	}

	run := &Run{
		ProjectID: job.ProjectID,
		StepKey:   job.StepKey,
		TaskID:    job.TaskID,
		TraceID:   job.TraceID,
		Params:    job.Params,
		Project:   project,
		checkpoint: func(ctx context.Context, p int) error {
			return r.checkpoint(ctx, job, p)
		},
	}

	result, err := r.safeRun(ctx, step, run)
	if err == nil && r.validate != nil {
		if verr := r.validate(job.StepKey, result); verr != nil {
			err = apperr.Domain(job.StepKey, "result failed schema validation", verr)
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = apperr.Domain(job.StepKey, fmt.Sprintf("timed out after %s", r.timeout), err)
		}
		r.fail(job, err)
		return err
	}
	return r.complete(job, result)
}

func (r *Runner) safeRun(ctx context.Context, step Step, run *Run) (result map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[executor] panic in %s task %s: %v\n%s", run.StepKey, run.TaskID, rec, debug.Stack())
			err = apperr.Domain(run.StepKey, "internal error", fmt.Errorf("panic: %v", rec))
		}
	}()
	return step.Run(ctx, run)
}

func (r *Runner) checkpoint(ctx context.Context, job Job, p int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, err := r.store.CheckpointStep(ctx, job.ProjectID, job.StepKey, job.TaskID, progress.Normalize(db.StepStatusInProgress, p))
	if err != nil {
		return err
	}
	if !ok {
		return ErrSuperseded
	}
	return nil
}

func (r *Runner) complete(job Job, result map[string]any) error {
	ctx, cancel := finalizeContext()
	defer cancel()

	now := r.now()
	var owned bool
	if err := r.finalize(ctx, job, "complete step", func() error {
		var err error
		owned, err = r.store.CompleteOwnedStep(ctx, &db.StepProgressInput{
			ProjectID:   job.ProjectID,
			StepKey:     job.StepKey,
			Status:      db.StepStatusCompleted,
			Progress:    100,
			CompletedAt: &now,
		}, job.TaskID, result)
		return err
	}); err != nil {
		r.fail(job, err)
		return err
	}

	if !owned {
		r.recordTerminal(ctx, job, db.StepStatusCancelled, 0, nil, ErrSuperseded.Error())
		log.Printf("[executor] task %s finished after losing %s/%s; result discarded", job.TaskID, job.ProjectID, job.StepKey)
		return ErrSuperseded
	}

	if err := r.progress.AdvanceFrom(ctx, job.ProjectID, job.StepKey); err != nil {
		log.Printf("[executor] failed to advance project %s past %s: %v", job.ProjectID, job.StepKey, err)
	}
	r.recordTerminal(ctx, job, db.StepStatusCompleted, 100, result, "")
	log.Printf("[executor] task %s completed %s/%s", job.TaskID, job.ProjectID, job.StepKey)
	return nil
}

// fail writes the error state for a running job. When the job no longer owns its step
// the task is recorded as cancelled instead.
func (r *Runner) fail(job Job, cause error) {
	ctx, cancel := finalizeContext()
	defer cancel()

	msg := cause.Error()
	pct := 0
	if row, err := r.store.GetStepProgress(ctx, job.ProjectID, job.StepKey); err == nil && row != nil {
		pct = row.Progress
	}

	var owned bool
	err := r.finalize(ctx, job, "fail step", func() error {
		var err error
		owned, err = r.store.TransitionOwnedStep(ctx, &db.StepProgressInput{
			ProjectID:    job.ProjectID,
			StepKey:      job.StepKey,
			Status:       db.StepStatusError,
			Progress:     progress.Normalize(db.StepStatusError, pct),
			ErrorMessage: &msg,
		}, job.TaskID)
		return err
	})
	if err != nil {
		return
	}

	if owned {
		log.Printf("[executor] task %s failed %s/%s: %v", job.TaskID, job.ProjectID, job.StepKey, cause)
		r.recordTerminal(ctx, job, db.StepStatusError, pct, nil, msg)
		return
	}
	r.recordTerminal(ctx, job, db.StepStatusCancelled, pct, nil, msg)
}

// abandon records a task that never reached the step row as errored
func (r *Runner) abandon(job Job, cause error) {
	ctx, cancel := finalizeContext()
	defer cancel()
	r.recordTerminal(ctx, job, db.StepStatusError, 0, nil, cause.Error())
}

func (r *Runner) recordTerminal(ctx context.Context, job Job, status string, pct int, payload map[string]any, msg string) {
	if latest, err := r.tracker.Get(ctx, job.TaskID); err == nil && latest != nil && db.IsTerminalStatus(latest.Status) {
		return
	}
	_ = r.finalize(ctx, job, "record task "+status, func() error {
		_, err := r.tracker.RecordTransition(ctx, tasks.Transition{
			TaskID:    job.TaskID,
			ProjectID: job.ProjectID,
			StepKey:   job.StepKey,
			Status:    status,
			Progress:  pct,
			Payload:   payload,
			Error:     msg,
		})
		return err
	})
}

// finalize retries a terminal write and raises an alert if it never lands
func (r *Runner) finalize(ctx context.Context, job Job, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < finalizeAttempts {
			select {
			case <-ctx.Done():
				attempt = finalizeAttempts
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	log.Printf("[executor] CRITICAL: %s failed for task %s (%s/%s): %v", op, job.TaskID, job.ProjectID, job.StepKey, err)
	return err
}

func finalizeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), finalizeTimeout)
}

// Cancel stops a running step. The row moves to cancelled immediately; a local run
// is interrupted and a remote one stops at its next checkpoint.
func (r *Runner) Cancel(ctx context.Context, projectID, stepKey string) (*db.StepProgress, error) {
	row, err := r.GetStatus(ctx, projectID, stepKey)
	if err != nil {
		return nil, err
	}
	if row.Status != db.StepStatusInProgress || row.TaskID == nil {
		return nil, &apperr.ErrConflict{Message: fmt.Sprintf("step %s is not running (status %s)", stepKey, row.Status)}
	}
	taskID := *row.TaskID

	msg := "cancelled by request"
	owned, err := r.store.TransitionOwnedStep(ctx, &db.StepProgressInput{
		ProjectID:    projectID,
		StepKey:      stepKey,
		Status:       db.StepStatusCancelled,
		Progress:     progress.Normalize(db.StepStatusCancelled, row.Progress),
		ErrorMessage: &msg,
	}, taskID)
	if err != nil {
		return nil, err
	}
	if !owned {
		return nil, &apperr.ErrConflict{Message: fmt.Sprintf("step %s changed state while cancelling", stepKey)}
	}

	job := Job{TaskID: taskID, ProjectID: projectID, StepKey: stepKey}
	r.recordTerminal(ctx, job, db.StepStatusCancelled, row.Progress, nil, msg)
	if r.cancels.cancel(taskID) {
		log.Printf("[executor] interrupted local task %s", taskID)
	}
	return r.GetStatus(ctx, projectID, stepKey)
}

// ReconcileInterrupted marks steps left in_progress by a previous process as errored.
// Only call it when jobs run in this process.
func (r *Runner) ReconcileInterrupted(ctx context.Context) (int, error) {
	count, err := r.errorOrphans(ctx, "interrupted by restart", func(db.StepProgress) bool { return true })
	if count > 0 {
		log.Printf("[executor] marked %d interrupted step(s) as error", count)
	}
	return count, err
}

// StaleAfter is how long a running step may go without a progress write before
// SweepStale gives up on it.
func (r *Runner) StaleAfter() time.Duration {
	return r.timeout + staleMargin
}

// SweepStale marks steps as errored when their task has not written progress for
// longer than StaleAfter. This catches queued jobs whose worker died mid-run.
func (r *Runner) SweepStale(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.StaleAfter())
	msg := fmt.Sprintf("no progress for %s, worker lost", r.StaleAfter())
	count, err := r.errorOrphans(ctx, msg, func(row db.StepProgress) bool {
		return row.UpdatedAt.Before(cutoff)
	})
	if count > 0 {
		log.Printf("[executor] marked %d stale step(s) as error", count)
	}
	return count, err
}

// WatchStale runs SweepStale every interval until ctx is done
func (r *Runner) WatchStale(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.SweepStale(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[executor] stale sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// errorOrphans moves in_progress rows selected by match to error. Only rows whose task
// has not finished are touched, and tasks running in this process are skipped.
func (r *Runner) errorOrphans(ctx context.Context, msg string, match func(db.StepProgress) bool) (int, error) {
	rows, err := r.store.ListStepProgressByStatus(ctx, db.StepStatusInProgress)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		if row.TaskID == nil || r.cancels.has(*row.TaskID) || !match(row) {
			continue
		}
		latest, err := r.store.LatestTaskByID(ctx, *row.TaskID)
		if err != nil {
			return count, err
		}
		if latest != nil && db.IsTerminalStatus(latest.Status) {
			continue
		}

		job := Job{TaskID: *row.TaskID, ProjectID: row.ProjectID, StepKey: row.StepKey}
		owned, err := r.store.TransitionOwnedStep(ctx, &db.StepProgressInput{
			ProjectID:    row.ProjectID,
			StepKey:      row.StepKey,
			Status:       db.StepStatusError,
			Progress:     progress.Normalize(db.StepStatusError, row.Progress),
			ErrorMessage: &msg,
		}, *row.TaskID)
		if err != nil {
			return count, err
		}
		if owned {
			r.recordTerminal(ctx, job, db.StepStatusError, row.Progress, nil, msg)
			count++
		}
	}
	return count, nil
}

// cancelRegistry maps running task ids to their cancel functions
type cancelRegistry struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{m: make(map[string]context.CancelFunc)}
}

func (c *cancelRegistry) register(taskID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[taskID] = cancel
}

func (c *cancelRegistry) unregister(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, taskID)
}

func (c *cancelRegistry) cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.m[taskID]; ok {
		cancel()
		delete(c.m, taskID)
		return true
	}
	return false
}

func (c *cancelRegistry) has(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[taskID]
	return ok
}
