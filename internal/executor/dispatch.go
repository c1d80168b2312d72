package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// GoDispatcher runs each job on its own goroutine in this process
type GoDispatcher struct {
	handle JobHandler
	wg     sync.WaitGroup
}

// NewGoDispatcher creates an in-process dispatcher
func NewGoDispatcher(handle JobHandler) *GoDispatcher {
	return &GoDispatcher{handle: handle}
}

// Dispatch starts job in the background. The request context is not propagated.
func (d *GoDispatcher) Dispatch(ctx context.Context, job Job) error {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.handle(context.WithoutCancel(ctx), job); err != nil {
			log.Printf("[executor] task %s (%s/%s) finished with error: %v", job.TaskID, job.ProjectID, job.StepKey, err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has returned
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}

// TypeStepExecute is the asynq task type for step jobs
const TypeStepExecute = "step:execute"

// QueueConfig configures the Redis-backed dispatcher and worker
type QueueConfig struct {
	Addr        string
	Password    string
	DB          int
	Concurrency int
	Timeout     time.Duration
}

func (c QueueConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: c.Addr, Password: c.Password, DB: c.DB}
}

// QueueDispatcher enqueues jobs to Redis for a worker process
type QueueDispatcher struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewQueueDispatcher creates a dispatcher backed by an asynq client
func NewQueueDispatcher(cfg QueueConfig) *QueueDispatcher {
	return &QueueDispatcher{
		client:  asynq.NewClient(cfg.redisOpt()),
		timeout: cfg.Timeout,
	}
}

// Dispatch enqueues job. Jobs are not retried by the queue: a failed run is
// terminal in the ledgers and a new attempt is a new execute request.
func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Retention(24 * time.Hour),
		asynq.TaskID(job.TaskID),
	}
	if d.timeout > 0 {
		// Leave room for the runner to write the terminal state after its own timeout.
		opts = append(opts, asynq.Timeout(d.timeout+time.Minute))
	}

	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(TypeStepExecute, payload, opts...))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Printf("[queue] enqueued task %s (%s/%s) queue=%s", job.TaskID, job.ProjectID, job.StepKey, info.Queue)
	return nil
}

// Close releases the Redis connection
func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}

// NewQueueServer creates an asynq server whose handler runs step jobs through handle
func NewQueueServer(cfg QueueConfig, handle JobHandler) (*asynq.Server, *asynq.ServeMux) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(cfg.redisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{"default": 1},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStepExecute, queueHandler(handle))
	return srv, mux
}

func queueHandler(handle JobHandler) func(ctx context.Context, t *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var job Job
		if err := json.Unmarshal(t.Payload(), &job); err != nil {
			return fmt.Errorf("invalid job payload: %v: %w", err, asynq.SkipRetry)
		}
		log.Printf("[queue] running task %s (%s/%s)", job.TaskID, job.ProjectID, job.StepKey)
		if err := handle(ctx, job); err != nil {
			// The failure is already recorded; do not let asynq retry it.
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}
