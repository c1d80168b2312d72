package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoDispatcher_RunsDetachedFromRequest(t *testing.T) {
	var ran atomic.Bool
	var sawCancel atomic.Bool
	d := NewGoDispatcher(func(ctx context.Context, job Job) error {
		ran.Store(true)
		sawCancel.Store(ctx.Err() != nil)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Dispatch(ctx, Job{TaskID: "t1"}))
	d.Wait()

	assert.True(t, ran.Load())
	assert.False(t, sawCancel.Load())
}

func TestQueueHandler(t *testing.T) {
	var got Job
	handler := queueHandler(func(ctx context.Context, job Job) error {
		got = job
		if job.StepKey == "document-export" {
			return errors.New("render failed")
		}
		return nil
	})

	payload, err := json.Marshal(Job{TaskID: "t1", ProjectID: "p1", StepKey: "service-mode", Params: map[string]any{"mode": "ai"}})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), asynq.NewTask(TypeStepExecute, payload)))
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, "ai", got.Params["mode"])

	payload, err = json.Marshal(Job{TaskID: "t2", StepKey: "document-export"})
	require.NoError(t, err)
	err = handler(context.Background(), asynq.NewTask(TypeStepExecute, payload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Contains(t, err.Error(), "render failed")

	err = handler(context.Background(), asynq.NewTask(TypeStepExecute, []byte("{not json")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}
