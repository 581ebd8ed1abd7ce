package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/faults"
	"stageline/internal/migrate"
	"stageline/internal/repo"
)

type testEnv struct {
	q     Queue
	clock *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := New(conn, config.Default(), nil, zap.NewNop())
	q.Now = clock.Now
	return &testEnv{q: q, clock: clock}
}

func TestEnqueueCollapsesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 7}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 7}})
	if err != nil {
		t.Fatalf("enqueue duplicate: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate enqueue created a new job: %s vs %s", first.ID, second.ID)
	}

	other, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 8}})
	if err != nil {
		t.Fatalf("enqueue other: %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("distinct payload should create a distinct job")
	}

	jobs, err := env.q.Repo.ListJobs(ctx, repo.JobFilters{})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("want 2 jobs, got %d", len(jobs))
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.q.Enqueue(ctx, NewJob{Type: "dedup.scan", Payload: map[string]any{"entity_key": "acme"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		claimed, err := env.q.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := env.q.Fail(ctx, claimed.ID, "w1", faults.Transient(errors.New("db locked")), env.clock.Now()); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		env.clock.Advance(5 * time.Minute)
	}

	claimed, err := env.q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("final claim: %v", err)
	}
	if claimed.Attempt != 3 {
		t.Fatalf("want attempt 3, got %d", claimed.Attempt)
	}
	if err := env.q.Complete(ctx, claimed.ID, "w1", map[string]any{"pairs": 0}, env.clock.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := env.q.Repo.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "succeeded" {
		t.Fatalf("want succeeded, got %s", got.Status)
	}
	attempts, err := env.q.Repo.ListJobAttempts(ctx, j.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("want 3 recorded attempts, got %d", len(attempts))
	}
	if dead, _ := env.q.Repo.ListDeadLetters(ctx, 10); len(dead) != 0 {
		t.Fatalf("recovered job must not dead-letter, got %d entries", len(dead))
	}
}

func TestExhaustedRetriesDeadLetterOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	two := 2

	j, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 1}, MaxRetries: &two})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// max_retries+1 attempts total, every one failing.
	for i := 0; i < 3; i++ {
		claimed, err := env.q.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := env.q.Fail(ctx, claimed.ID, "w1", faults.Transient(errors.New("boom")), env.clock.Now()); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
		env.clock.Advance(10 * time.Minute)
	}

	if _, err := env.q.ClaimNext(ctx, "w1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("dead job must not be claimable, got %v", err)
	}
	got, err := env.q.Repo.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "dead" {
		t.Fatalf("want dead, got %s", got.Status)
	}
	dead, err := env.q.Repo.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("want exactly one dead letter, got %d", len(dead))
	}
	if dead[0].Attempts != 3 {
		t.Fatalf("want attempts=3 in dead letter, got %d", dead[0].Attempts)
	}
}

func TestValidationErrorDeadLettersImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 2}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := env.q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.q.Fail(ctx, claimed.ID, "w1", faults.Validation(errors.New("payload missing content_id")), env.clock.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}

	dead, err := env.q.Repo.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("want one dead letter after a single attempt, got %d", len(dead))
	}
	if dead[0].Attempts != 1 {
		t.Fatalf("validation failure must not retry, attempts=%d", dead[0].Attempts)
	}
}

func TestLapsedLeaseIsReclaimed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.q.Enqueue(ctx, NewJob{Type: "dedup.scan", Payload: map[string]any{"entity_key": "x"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := env.q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim by w1: %v", err)
	}

	// Lease still live, nothing else is claimable.
	if _, err := env.q.ClaimNext(ctx, "w2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("live lease must not be reclaimed, got %v", err)
	}

	env.clock.Advance(env.q.Config.Lease() + time.Second)
	second, err := env.q.ClaimNext(ctx, "w2")
	if err != nil {
		t.Fatalf("reclaim by w2: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same job reclaimed, got %s vs %s", second.ID, first.ID)
	}
	if second.Attempt != 2 {
		t.Fatalf("reclaim counts as a new attempt, got %d", second.Attempt)
	}

	// The original holder lost the lease and cannot settle.
	err = env.q.Complete(ctx, first.ID, "w1", nil, env.clock.Now())
	if faults.KindOf(err) != faults.KindConflict {
		t.Fatalf("stale holder settle should conflict, got %v", err)
	}
	if err := env.q.Complete(ctx, second.ID, "w2", nil, env.clock.Now()); err != nil {
		t.Fatalf("current holder complete: %v", err)
	}
}

func TestRetryDeadRequeues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j, err := env.q.Enqueue(ctx, NewJob{Type: "extract.run", Payload: map[string]any{"content_id": 3}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := env.q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.q.Fail(ctx, claimed.ID, "w1", faults.Validation(errors.New("bad payload")), env.clock.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := env.q.RetryDead(ctx, j.ID); err != nil {
		t.Fatalf("retry dead: %v", err)
	}
	reclaimed, err := env.q.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim after requeue: %v", err)
	}
	if reclaimed.ID != j.ID {
		t.Fatalf("want requeued job %s, got %s", j.ID, reclaimed.ID)
	}
}

func TestRunnerExecutesRegisteredHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runner := NewRunner(env.q, 1, zap.NewNop())
	handled := 0
	runner.Register("cache.purge", func(ctx context.Context, job domain.Job) (any, error) {
		handled++
		return map[string]any{"purged": 4}, nil
	})

	if _, err := env.q.Enqueue(ctx, NewJob{Type: "cache.purge", Payload: map[string]any{"namespace": "extract"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	n, err := runner.RunOnce(ctx, "w1")
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 || handled != 1 {
		t.Fatalf("want one handled job, got n=%d handled=%d", n, handled)
	}

	jobs, err := env.q.Repo.ListJobs(ctx, repo.JobFilters{Status: "succeeded"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("want one succeeded job, got %d", len(jobs))
	}
}
