package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Handler executes one job attempt. The returned value is stored as the job
// result. Errors classified via the faults package drive the retry policy.
type Handler func(ctx context.Context, job domain.Job) (any, error)

// Runner polls the queue with a pool of workers and dispatches claimed jobs
// to registered handlers.
type Runner struct {
	Queue    Queue
	Workers  int
	Poll     time.Duration
	Log      *zap.Logger
	handlers map[string]Handler
}

func NewRunner(q Queue, workers int, log *zap.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		Queue:    q,
		Workers:  workers,
		Poll:     250 * time.Millisecond,
		Log:      log,
		handlers: map[string]Handler{},
	}
}

// Register binds a handler to a job type. Registering the same type twice
// panics; handler wiring is a startup-time mistake, not a runtime condition.
func (r *Runner) Register(jobType string, h Handler) {
	if _, dup := r.handlers[jobType]; dup {
		panic(fmt.Sprintf("queue: duplicate handler for job type %q", jobType))
	}
	r.handlers[jobType] = h
}

// Run polls until ctx is cancelled. Each worker claims, executes, and settles
// jobs independently; a crashed worker's leases lapse and its jobs are
// re-claimed by the others.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
		g.Go(func() error {
			return r.loop(ctx, workerID)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, workerID string) error {
	for {
		job, err := r.Queue.ClaimNext(ctx, workerID)
		if errors.Is(err, repo.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Poll):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.Log.Error("claim failed", zap.String("worker", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.Poll):
			}
			continue
		}
		r.execute(ctx, workerID, job)
	}
}

// RunOnce drains ready jobs until the queue is empty, settling each in turn.
// Used by tests and the one-shot CLI worker mode.
func (r *Runner) RunOnce(ctx context.Context, workerID string) (int, error) {
	n := 0
	for {
		job, err := r.Queue.ClaimNext(ctx, workerID)
		if errors.Is(err, repo.ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		r.execute(ctx, workerID, job)
		n++
	}
}

func (r *Runner) execute(parent context.Context, workerID string, job domain.Job) {
	started := r.Queue.now()
	h, ok := r.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler registered for job type %q", job.Type)
		if ferr := r.Queue.Fail(parent, job.ID, workerID, err, started); ferr != nil {
			r.Log.Error("settle failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}

	// The attempt gets at most the lease window; a handler that outlives its
	// lease would race the reclaiming worker.
	ctx, cancel := context.WithTimeout(parent, r.Queue.Config.Lease())
	result, err := h(ctx, job)
	cancel()

	if err != nil {
		r.Log.Info("job attempt failed",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("attempt", job.Attempt), zap.Error(err))
		if ferr := r.Queue.Fail(parent, job.ID, workerID, err, started); ferr != nil {
			r.Log.Error("settle failed", zap.String("job_id", job.ID), zap.Error(ferr))
		}
		return
	}
	if cerr := r.Queue.Complete(parent, job.ID, workerID, result, started); cerr != nil {
		r.Log.Error("settle failed", zap.String("job_id", job.ID), zap.Error(cerr))
	}
}
