// Package queue is the durable job queue and scheduler. Jobs survive process
// restarts, deduplicate by idempotency key, execute at-least-once under
// time-bound leases, and dead-letter after exhausting retries.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/bus"
	"stageline/internal/canon"
	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/faults"
	"stageline/internal/repo"
)

// KindJobCompleted is the queue domain's output event kind.
const KindJobCompleted bus.Kind = "job.completed"

// JobCompleted is dispatched into the bus after a job commits as succeeded,
// letting downstream stages react without the job knowing what follows.
type JobCompleted struct {
	JobID   string
	JobType string
	Result  json.RawMessage
}

func (JobCompleted) EventKind() bus.Kind { return KindJobCompleted }

type Queue struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *bus.Bus
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func New(db *sql.DB, cfg *config.Config, b *bus.Bus, log *zap.Logger) Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return Queue{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    b,
		Config: cfg,
		Now:    time.Now,
		Log:    log,
	}
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// NewJob describes work to enqueue.
type NewJob struct {
	Type     string
	Payload  any
	Priority int
	RunAt    time.Time // zero means ready now
	// MaxRetries overrides the per-type config bound when set.
	MaxRetries *int
}

// Enqueue persists a durable job. The idempotency key is a stable hash of the
// type and the canonical payload, so duplicate concurrent enqueues of the
// same logical work collapse into one executed job; the existing job is
// returned without error.
func (q Queue) Enqueue(ctx context.Context, nj NewJob) (domain.Job, error) {
	if nj.Type == "" {
		return domain.Job{}, errors.New("job type required")
	}
	payload, err := canon.Marshal(nj.Payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("canonical payload: %w", err)
	}
	key, err := canon.Hash("job:"+nj.Type, nj.Payload)
	if err != nil {
		return domain.Job{}, err
	}
	now := q.now().UTC()
	runAt := nj.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxRetries := q.Config.MaxRetriesFor(nj.Type)
	if nj.MaxRetries != nil {
		maxRetries = *nj.MaxRetries
	}
	j := domain.Job{
		ID:             uuid.New().String(),
		Type:           nj.Type,
		PayloadJSON:    string(payload),
		Priority:       nj.Priority,
		Status:         "pending",
		MaxRetries:     maxRetries,
		IdempotencyKey: key,
		RunAt:          runAt.UTC().Format(time.RFC3339),
		CreatedAt:      now.Format(time.RFC3339),
		UpdatedAt:      now.Format(time.RFC3339),
	}

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	if existing, err := q.Repo.JobByIdempotencyKeyTx(ctx, tx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}
	if err := q.Repo.InsertJobTx(ctx, tx, j); err != nil {
		// A concurrent enqueue may have won the unique key between our read
		// and write; resolve to the winner.
		if existing, lookupErr := q.Repo.JobByIdempotencyKeyTx(ctx, tx, key); lookupErr == nil {
			return existing, nil
		}
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := q.Events.Append(ctx, tx, "job.enqueued", "job", j.ID, "queue", events.EventPayload{"type": j.Type, "run_at": j.RunAt}); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// ClaimNext claims the next ready job for workerID under a lease. Returns
// repo.ErrNotFound when nothing is ready.
func (q Queue) ClaimNext(ctx context.Context, workerID string) (domain.Job, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)
	j, err := q.Repo.NextReadyJobTx(ctx, tx, nowStr)
	if err != nil {
		return domain.Job{}, err
	}
	leaseExpires := now.Add(q.Config.Lease()).Format(time.RFC3339)
	ok, err := q.Repo.ClaimJobTx(ctx, tx, j.ID, workerID, leaseExpires, nowStr)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.Status = "running"
	j.Attempt++
	j.LeaseOwner = &workerID
	j.LeaseExpiresAt = &leaseExpires
	return j, nil
}

// RenewLease extends the lease for a job still held by workerID.
func (q Queue) RenewLease(ctx context.Context, jobID, workerID string) error {
	now := q.now().UTC()
	expires := now.Add(q.Config.Lease()).Format(time.RFC3339)
	ok, err := q.Repo.RenewJobLease(ctx, jobID, workerID, expires, now.Format(time.RFC3339))
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("lease for job %s no longer held by %s", jobID, workerID))
	}
	return nil
}

// Complete records a successful attempt, marks the job succeeded, and
// dispatches JobCompleted into the bus after commit.
func (q Queue) Complete(ctx context.Context, jobID, workerID string, result any, startedAt time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j, err := q.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	ok, err := q.Repo.CompleteJobTx(ctx, tx, jobID, workerID, string(resultJSON), nowStr)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("job %s not running under lease of %s", jobID, workerID))
	}
	if err := q.Repo.InsertJobAttemptTx(ctx, tx, domain.JobAttempt{
		JobID:      jobID,
		Attempt:    j.Attempt,
		Outcome:    "succeeded",
		StartedAt:  startedAt.UTC().Format(time.RFC3339),
		DurationMS: q.now().Sub(startedAt).Milliseconds(),
	}); err != nil {
		return err
	}
	if err := q.Events.Append(ctx, tx, "job.succeeded", "job", jobID, workerID, events.EventPayload{"type": j.Type, "attempt": j.Attempt}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if q.Bus != nil {
		if err := q.Bus.Dispatch(ctx, JobCompleted{JobID: jobID, JobType: j.Type, Result: resultJSON}); err != nil {
			// Downstream effects are independently idempotent; their failure
			// does not undo the committed job.
			q.Log.Warn("job completion cascade failed", zap.String("job_id", jobID), zap.Error(err))
			return err
		}
	}
	return nil
}

// Fail records a failed attempt and applies the retry policy: validation
// errors dead-letter immediately, external-service errors back off against
// the longer ceiling, and exhausted retries dead-letter.
func (q Queue) Fail(ctx context.Context, jobID, workerID string, jobErr error, startedAt time.Time) error {
	now := q.now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	j, err := q.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if err := q.Repo.InsertJobAttemptTx(ctx, tx, domain.JobAttempt{
		JobID:      jobID,
		Attempt:    j.Attempt,
		Outcome:    "failed",
		Error:      jobErr.Error(),
		StartedAt:  startedAt.UTC().Format(time.RFC3339),
		DurationMS: q.now().Sub(startedAt).Milliseconds(),
	}); err != nil {
		return err
	}

	kind := faults.KindOf(jobErr)
	exhausted := j.Attempt >= j.MaxRetries+1
	if kind == faults.KindValidation || exhausted {
		reason := jobErr.Error()
		if kind == faults.KindValidation {
			reason = "validation: " + jobErr.Error()
		}
		ok, err := q.Repo.MarkJobDeadTx(ctx, tx, jobID, workerID, jobErr.Error(), nowStr)
		if err != nil {
			return err
		}
		if !ok {
			return faults.Conflict(fmt.Errorf("job %s not running under lease of %s", jobID, workerID))
		}
		if err := q.Repo.InsertDeadLetterTx(ctx, tx, domain.DeadLetter{
			JobID:       jobID,
			JobType:     j.Type,
			PayloadJSON: j.PayloadJSON,
			Reason:      reason,
			Attempts:    j.Attempt,
			CreatedAt:   nowStr,
		}); err != nil {
			return err
		}
		if err := q.Events.Append(ctx, tx, "job.dead_lettered", "job", jobID, workerID, events.EventPayload{
			"type": j.Type, "attempts": j.Attempt, "reason": reason,
		}); err != nil {
			return err
		}
		q.Log.Warn("job dead-lettered",
			zap.String("job_id", jobID), zap.String("type", j.Type),
			zap.Int("attempts", j.Attempt), zap.String("reason", reason))
		return tx.Commit()
	}

	delay := q.backoff(j.Attempt, kind)
	runAt := now.Add(delay).Format(time.RFC3339)
	ok, err := q.Repo.RescheduleJobTx(ctx, tx, jobID, workerID, runAt, jobErr.Error(), nowStr)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("job %s not running under lease of %s", jobID, workerID))
	}
	q.Log.Info("job retry scheduled",
		zap.String("job_id", jobID), zap.String("type", j.Type),
		zap.Int("attempt", j.Attempt), zap.Duration("delay", delay))
	return tx.Commit()
}

// RetryDead requeues a dead-lettered job for manual retry.
func (q Queue) RetryDead(ctx context.Context, jobID string) error {
	now := q.now().UTC().Format(time.RFC3339)
	ok, err := q.Repo.RequeueDeadJob(ctx, jobID, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not dead-lettered", jobID)
	}
	return nil
}
