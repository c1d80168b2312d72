package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/progress"
	"github.com/jonathan/bid-assistant/internal/steps"
	"github.com/jonathan/bid-assistant/internal/tasks"
)

type fakeStep struct {
	key      string
	validate func(params map[string]any) (map[string]any, error)
	run      func(ctx context.Context, run *Run) (map[string]any, error)
}

func (f *fakeStep) Key() string { return f.key }

func (f *fakeStep) Validate(params map[string]any) (map[string]any, error) {
	if f.validate != nil {
		return f.validate(params)
	}
	return params, nil
}

func (f *fakeStep) Run(ctx context.Context, run *Run) (map[string]any, error) {
	return f.run(ctx, run)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, Job) error {
	return errors.New("redis unavailable")
}

// droppingDispatcher accepts jobs and never runs them, like a queue whose worker died
type droppingDispatcher struct{}

func (droppingDispatcher) Dispatch(context.Context, Job) error {
	return nil
}

type harness struct {
	runner    *Runner
	store     db.Store
	projectID string
}

func setupRunner(t *testing.T, opts Options, stepsToRegister ...Step) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, db.DriverSQLite, filepath.Join(t.TempDir(), "bid.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	projectID := uuid.New().String()
	_, err = store.CreateProject(ctx, &db.ProjectInput{
		ID: projectID, Name: "市政道路改造项目", ProjectPath: t.TempDir(), CurrentStep: steps.First().Key,
	})
	require.NoError(t, err)

	r := NewRunner(store, progress.NewService(store), tasks.NewTracker(store), opts)
	for _, s := range stepsToRegister {
		r.Register(s)
	}
	return &harness{runner: r, store: store, projectID: projectID}
}

func (h *harness) wait() {
	if d, ok := h.runner.Dispatcher().(*GoDispatcher); ok {
		d.Wait()
	}
}

func (h *harness) row(t *testing.T, stepKey string) *db.StepProgress {
	t.Helper()
	row, err := h.store.GetStepProgress(context.Background(), h.projectID, stepKey)
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func (h *harness) latestTask(t *testing.T, taskID string) *db.TaskRecord {
	t.Helper()
	rec, err := h.store.LatestTaskByID(context.Background(), taskID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestExecute_CompletesStep(t *testing.T) {
	step := &fakeStep{key: steps.ServiceMode, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		if err := run.Checkpoint(ctx, 40); err != nil {
			return nil, err
		}
		return map[string]any{"mode": run.Params["mode"]}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	res, err := h.runner.Execute(ctx, h.projectID, steps.ServiceMode, map[string]any{"mode": "ai"}, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, res.Status)
	assert.False(t, res.Reused)
	assert.NotEmpty(t, res.TaskID)
	assert.Contains(t, res.TraceID, "trace-"+h.projectID)
	h.wait()

	row := h.row(t, steps.ServiceMode)
	assert.Equal(t, db.StepStatusCompleted, row.Status)
	assert.Equal(t, 100, row.Progress)
	assert.NotNil(t, row.StartedAt)
	assert.NotNil(t, row.CompletedAt)
	require.NotNil(t, row.TaskID)
	assert.Equal(t, res.TaskID, *row.TaskID)

	rec := h.latestTask(t, res.TaskID)
	assert.Equal(t, db.StepStatusCompleted, rec.Status)
	assert.Equal(t, "ai", rec.Payload["mode"])

	project, err := h.store.GetProject(ctx, h.projectID)
	require.NoError(t, err)
	assert.Equal(t, steps.BidAnalysis, project.CurrentStep)

	view, err := h.runner.GetResult(ctx, h.projectID, steps.ServiceMode)
	require.NoError(t, err)
	assert.True(t, view.Found)
	assert.Equal(t, res.TaskID, view.TaskID)
	assert.Equal(t, "ai", view.Result["mode"])
}

func TestExecute_IdempotencyKeyReusesRunningTask(t *testing.T) {
	release := make(chan struct{})
	var calls sync.WaitGroup
	step := &fakeStep{key: steps.BidAnalysis, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		calls.Done()
		<-release
		return map[string]any{"ok": true}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	calls.Add(1)
	first, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, nil, ExecuteOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	calls.Wait()

	second, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, nil, ExecuteOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, StatusRunning, second.Status)

	close(release)
	h.wait()

	history, err := h.store.ListTaskHistory(ctx, h.projectID, steps.BidAnalysis, 50)
	require.NoError(t, err)
	for _, rec := range history {
		assert.Equal(t, first.TaskID, rec.TaskID)
	}

	// Once the task is terminal the key starts a new run
	calls.Add(1)
	third, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, nil, ExecuteOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	assert.False(t, third.Reused)
	assert.NotEqual(t, first.TaskID, third.TaskID)
	h.wait()
}

func TestExecute_ConcurrentSameKeyStartsOneRun(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	step := &fakeStep{key: steps.ContentGeneration, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"sections": 3}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.runner.Execute(ctx, h.projectID, steps.ContentGeneration, nil, ExecuteOptions{IdempotencyKey: "burst"})
			if assert.NoError(t, err) {
				ids[i] = res.TaskID
			}
		}(i)
	}
	wg.Wait()
	h.wait()

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, runs)
	assert.Equal(t, db.StepStatusCompleted, h.row(t, steps.ContentGeneration).Status)
}

func TestExecute_RejectsBadInput(t *testing.T) {
	step := &fakeStep{
		key: steps.FormatConfig,
		validate: func(params map[string]any) (map[string]any, error) {
			return nil, errors.New("template_key is required")
		},
		run: func(ctx context.Context, run *Run) (map[string]any, error) {
			t.Fatal("run must not be called")
			return nil, nil
		},
	}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	_, err := h.runner.Execute(ctx, h.projectID, steps.FormatConfig, nil, ExecuteOptions{})
	var ve *apperr.ErrValidation
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "template_key")

	history, err := h.store.ListTaskHistory(ctx, h.projectID, steps.FormatConfig, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = h.runner.Execute(ctx, h.projectID, "not-a-step", nil, ExecuteOptions{})
	var nf *apperr.ErrNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "step", nf.Resource)

	_, err = h.runner.Execute(ctx, uuid.New().String(), steps.FormatConfig, nil, ExecuteOptions{})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "project", nf.Resource)
}

func TestRunJob_FailureKeepsProgress(t *testing.T) {
	step := &fakeStep{key: steps.MaterialManagement, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		if err := run.Checkpoint(ctx, 35); err != nil {
			return nil, err
		}
		return nil, apperr.Domain(steps.MaterialManagement, "no materials uploaded", nil)
	}}
	h := setupRunner(t, Options{}, step)

	res, err := h.runner.Execute(context.Background(), h.projectID, steps.MaterialManagement, nil, ExecuteOptions{})
	require.NoError(t, err)
	h.wait()

	row := h.row(t, steps.MaterialManagement)
	assert.Equal(t, db.StepStatusError, row.Status)
	assert.Equal(t, 35, row.Progress)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "no materials uploaded")

	rec := h.latestTask(t, res.TaskID)
	assert.Equal(t, db.StepStatusError, rec.Status)
	require.NotNil(t, rec.Error)

	view, err := h.runner.GetResult(context.Background(), h.projectID, steps.MaterialManagement)
	require.NoError(t, err)
	assert.False(t, view.Found)
	assert.Equal(t, db.StepStatusError, view.Status)
}

func TestRunJob_PanicBecomesError(t *testing.T) {
	step := &fakeStep{key: steps.FrameworkGeneration, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	}}
	h := setupRunner(t, Options{}, step)

	res, err := h.runner.Execute(context.Background(), h.projectID, steps.FrameworkGeneration, nil, ExecuteOptions{})
	require.NoError(t, err)
	h.wait()

	assert.Equal(t, db.StepStatusError, h.row(t, steps.FrameworkGeneration).Status)
	assert.Equal(t, db.StepStatusError, h.latestTask(t, res.TaskID).Status)
}

func TestRunJob_Timeout(t *testing.T) {
	step := &fakeStep{key: steps.DocumentExport, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := setupRunner(t, Options{Timeout: 50 * time.Millisecond}, step)

	_, err := h.runner.Execute(context.Background(), h.projectID, steps.DocumentExport, nil, ExecuteOptions{})
	require.NoError(t, err)
	h.wait()

	row := h.row(t, steps.DocumentExport)
	assert.Equal(t, db.StepStatusError, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "timed out")
}

func TestRunJob_ResultValidation(t *testing.T) {
	step := &fakeStep{key: steps.ServiceMode, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		return map[string]any{"unexpected": true}, nil
	}}
	h := setupRunner(t, Options{ValidateResult: func(stepKey string, result map[string]any) error {
		if _, ok := result["mode"]; !ok {
			return errors.New("mode is required")
		}
		return nil
	}}, step)

	_, err := h.runner.Execute(context.Background(), h.projectID, steps.ServiceMode, nil, ExecuteOptions{})
	require.NoError(t, err)
	h.wait()

	row := h.row(t, steps.ServiceMode)
	assert.Equal(t, db.StepStatusError, row.Status)
	assert.Contains(t, *row.ErrorMessage, "schema validation")

	stored, err := h.store.LatestStepResult(context.Background(), h.projectID, steps.ServiceMode)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestRunJob_SupersededRunStops(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	step := &fakeStep{key: steps.BidAnalysis, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		if run.Params["first"] == true {
			close(started)
			<-release
			if err := run.Checkpoint(ctx, 80); err != nil {
				return nil, err
			}
		}
		return map[string]any{"first": run.Params["first"]}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	first, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, map[string]any{"first": true}, ExecuteOptions{})
	require.NoError(t, err)
	<-started

	second, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, map[string]any{"first": false}, ExecuteOptions{})
	require.NoError(t, err)

	// Let the second run finish before the first one resumes
	require.Eventually(t, func() bool {
		return h.row(t, steps.BidAnalysis).Status == db.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	close(release)
	h.wait()

	row := h.row(t, steps.BidAnalysis)
	assert.Equal(t, db.StepStatusCompleted, row.Status)
	assert.Equal(t, second.TaskID, *row.TaskID)
	assert.Equal(t, db.StepStatusCancelled, h.latestTask(t, first.TaskID).Status)
	assert.Equal(t, db.StepStatusCompleted, h.latestTask(t, second.TaskID).Status)

	view, err := h.runner.GetResult(ctx, h.projectID, steps.BidAnalysis)
	require.NoError(t, err)
	assert.Equal(t, second.TaskID, view.TaskID)
}

func TestRunJob_LateFinishDoesNotReplaceResult(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	step := &fakeStep{key: steps.ServiceMode, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		if run.Params["mode"] == "slow" {
			close(started)
			<-release
		}
		return map[string]any{"mode": run.Params["mode"]}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	slow, err := h.runner.Execute(ctx, h.projectID, steps.ServiceMode, map[string]any{"mode": "slow"}, ExecuteOptions{})
	require.NoError(t, err)
	<-started

	fast, err := h.runner.Execute(ctx, h.projectID, steps.ServiceMode, map[string]any{"mode": "fast"}, ExecuteOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.row(t, steps.ServiceMode).Status == db.StepStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	h.wait()

	row := h.row(t, steps.ServiceMode)
	assert.Equal(t, db.StepStatusCompleted, row.Status)
	assert.Equal(t, fast.TaskID, *row.TaskID)
	assert.Equal(t, db.StepStatusCancelled, h.latestTask(t, slow.TaskID).Status)

	view, err := h.runner.GetResult(ctx, h.projectID, steps.ServiceMode)
	require.NoError(t, err)
	require.True(t, view.Found)
	assert.Equal(t, fast.TaskID, view.TaskID)
	assert.Equal(t, "fast", view.Result["mode"])
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	step := &fakeStep{key: steps.ContentGeneration, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		if err := run.Checkpoint(ctx, 30); err != nil {
			return nil, err
		}
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	_, err := h.runner.Cancel(ctx, h.projectID, steps.ContentGeneration)
	var ce *apperr.ErrConflict
	require.ErrorAs(t, err, &ce)

	res, err := h.runner.Execute(ctx, h.projectID, steps.ContentGeneration, nil, ExecuteOptions{})
	require.NoError(t, err)
	<-started

	row, err := h.runner.Cancel(ctx, h.projectID, steps.ContentGeneration)
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusCancelled, row.Status)
	assert.Equal(t, 30, row.Progress)
	h.wait()

	row = h.row(t, steps.ContentGeneration)
	assert.Equal(t, db.StepStatusCancelled, row.Status)
	assert.Equal(t, db.StepStatusCancelled, h.latestTask(t, res.TaskID).Status)
}

func TestExecute_DispatchFailure(t *testing.T) {
	step := &fakeStep{key: steps.ServiceMode, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		return map[string]any{}, nil
	}}
	h := setupRunner(t, Options{}, step)
	h.runner.SetDispatcher(failingDispatcher{})

	_, err := h.runner.Execute(context.Background(), h.projectID, steps.ServiceMode, nil, ExecuteOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")

	row := h.row(t, steps.ServiceMode)
	assert.Equal(t, db.StepStatusError, row.Status)
}

func TestReconcileInterrupted(t *testing.T) {
	h := setupRunner(t, Options{})
	ctx := context.Background()

	svc := progress.NewService(h.store)
	_, err := svc.UpdateStepProgress(ctx, progress.Update{
		ProjectID: h.projectID, StepKey: steps.FileFormatting, Status: db.StepStatusInProgress, Progress: 60, TaskID: "orphan-task",
	})
	require.NoError(t, err)
	_, err = svc.UpdateStepProgress(ctx, progress.Update{
		ProjectID: h.projectID, StepKey: steps.FormatConfig, Status: db.StepStatusInProgress, Progress: 10,
	})
	require.NoError(t, err)

	n, err := h.runner.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row := h.row(t, steps.FileFormatting)
	assert.Equal(t, db.StepStatusError, row.Status)
	assert.Equal(t, 60, row.Progress)
	assert.Equal(t, db.StepStatusInProgress, h.row(t, steps.FormatConfig).Status)
}

func TestReconcileInterrupted_SkipsManualUpdateAfterFinishedTask(t *testing.T) {
	step := &fakeStep{key: steps.ServiceMode, run: func(ctx context.Context, run *Run) (map[string]any, error) {
		return map[string]any{"mode": "ai"}, nil
	}}
	h := setupRunner(t, Options{}, step)
	ctx := context.Background()

	res, err := h.runner.Execute(ctx, h.projectID, steps.ServiceMode, nil, ExecuteOptions{})
	require.NoError(t, err)
	h.wait()
	require.Equal(t, db.StepStatusCompleted, h.row(t, steps.ServiceMode).Status)

	// A manual update keeps the finished task id on the row
	svc := progress.NewService(h.store)
	_, err = svc.UpdateStepProgress(ctx, progress.Update{
		ProjectID: h.projectID, StepKey: steps.ServiceMode, Status: db.StepStatusInProgress, Progress: 40,
	})
	require.NoError(t, err)

	n, err := h.runner.ReconcileInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	row := h.row(t, steps.ServiceMode)
	assert.Equal(t, db.StepStatusInProgress, row.Status)
	assert.Equal(t, 40, row.Progress)
	assert.Equal(t, db.StepStatusCompleted, h.latestTask(t, res.TaskID).Status)
}

func TestSweepStale(t *testing.T) {
	step := &fakeStep{key: steps.BidAnalysis}
	h := setupRunner(t, Options{Timeout: time.Minute}, step)
	h.runner.SetDispatcher(droppingDispatcher{})
	ctx := context.Background()

	res, err := h.runner.Execute(ctx, h.projectID, steps.BidAnalysis, nil, ExecuteOptions{})
	require.NoError(t, err)

	n, err := h.runner.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, db.StepStatusInProgress, h.row(t, steps.BidAnalysis).Status)

	// The row has not been written for longer than the timeout plus margin
	h.runner.now = func() time.Time { return time.Now().Add(h.runner.StaleAfter() + time.Minute) }

	n, err = h.runner.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row := h.row(t, steps.BidAnalysis)
	assert.Equal(t, db.StepStatusError, row.Status)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "worker lost")
	assert.Equal(t, db.StepStatusError, h.latestTask(t, res.TaskID).Status)

	n, err = h.runner.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetStatus_Defaults(t *testing.T) {
	step := &fakeStep{key: steps.DocumentExport}
	h := setupRunner(t, Options{}, step)

	exec, err := h.runner.For(steps.DocumentExport)
	require.NoError(t, err)
	assert.Equal(t, steps.DocumentExport, exec.StepKey())

	row, err := exec.GetStatus(context.Background(), h.projectID)
	require.NoError(t, err)
	assert.Equal(t, db.StepStatusPending, row.Status)
	assert.Equal(t, "文档导出", row.StepName)

	view, err := exec.GetResult(context.Background(), h.projectID)
	require.NoError(t, err)
	assert.False(t, view.Found)

	_, err = h.runner.For(steps.ServiceMode)
	var nf *apperr.ErrNotFound
	assert.ErrorAs(t, err, &nf)
	assert.Len(t, h.runner.Executors(), 1)
}
