package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/migrate"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestOnlyOneRunPerKey(t *testing.T) {
	conn := newTestDB(t)
	c := New(conn, config.Default(), nil, zap.NewNop())
	ctx := context.Background()

	if _, err := c.Start(ctx, "acme", nil); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := c.Start(ctx, "acme", nil)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
	// Another key is unaffected.
	if _, err := c.Start(ctx, "globex", nil); err != nil {
		t.Fatalf("other key start: %v", err)
	}
}

func TestConcurrentStartsRaceToOneWinner(t *testing.T) {
	conn := newTestDB(t)
	c := New(conn, config.Default(), nil, zap.NewNop())
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Start(ctx, "acme", nil)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyRunning) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one start may win, got %d", wins)
	}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	conn := newTestDB(t)
	var order []string
	steps := []Step{
		{Name: "extract", Run: func(ctx context.Context, run *Run) (any, error) {
			order = append(order, "extract")
			return map[string]int{"drafts": 3}, nil
		}},
		{Name: "stage", Run: func(ctx context.Context, run *Run) (any, error) {
			order = append(order, "stage")
			var prev map[string]int
			if err := run.Result("extract", &prev); err != nil {
				return nil, err
			}
			return map[string]int{"staged": prev["drafts"]}, nil
		}},
	}
	c := New(conn, config.Default(), steps, zap.NewNop())
	ctx := context.Background()

	inst, err := c.StartAndExecute(ctx, "acme", map[string]string{"run_id": "run-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if inst.Status != "done" {
		t.Fatalf("want done, got %s", inst.Status)
	}
	if len(order) != 2 || order[0] != "extract" || order[1] != "stage" {
		t.Fatalf("step order: %v", order)
	}
	cps, err := c.Repo.ListCheckpoints(ctx, inst.ID)
	if err != nil || len(cps) != 2 {
		t.Fatalf("checkpoints: %v err=%v", cps, err)
	}

	// The key is free again once the run finished.
	if _, err := c.Start(ctx, "acme", nil); err != nil {
		t.Fatalf("start after done: %v", err)
	}
}

func TestExecuteSkipsCheckpointedSteps(t *testing.T) {
	conn := newTestDB(t)
	ranExtract, ranStage := 0, 0
	steps := []Step{
		{Name: "extract", Run: func(ctx context.Context, run *Run) (any, error) {
			ranExtract++
			return map[string]int{"drafts": 9}, nil
		}},
		{Name: "stage", Run: func(ctx context.Context, run *Run) (any, error) {
			ranStage++
			var prev map[string]int
			if err := run.Result("extract", &prev); err != nil {
				return nil, err
			}
			return prev, nil
		}},
	}
	c := New(conn, config.Default(), steps, zap.NewNop())
	ctx := context.Background()

	inst, err := c.Start(ctx, "acme", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Pretend a previous process checkpointed the first step before dying.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Repo.InsertCheckpointTx(ctx, tx, domain.Checkpoint{
		InstanceID:  inst.ID,
		Step:        "extract",
		ResultJSON:  `{"drafts":9}`,
		CompletedAt: inst.StartedAt,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	resumed, err := c.Resume(ctx, "acme")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != "done" {
		t.Fatalf("want done, got %s", resumed.Status)
	}
	if ranExtract != 0 {
		t.Fatalf("checkpointed step must not re-run, ran %d times", ranExtract)
	}
	if ranStage != 1 {
		t.Fatalf("remaining step should run once, ran %d times", ranStage)
	}
}

func TestFailingStepFailsRun(t *testing.T) {
	conn := newTestDB(t)
	steps := []Step{
		{Name: "extract", Run: func(ctx context.Context, run *Run) (any, error) {
			return nil, fmt.Errorf("model unavailable")
		}},
		{Name: "stage", Run: func(ctx context.Context, run *Run) (any, error) {
			t.Fatal("later steps must not run after a failure")
			return nil, nil
		}},
	}
	c := New(conn, config.Default(), steps, zap.NewNop())
	ctx := context.Background()

	inst, err := c.StartAndExecute(ctx, "acme", nil)
	if err == nil {
		t.Fatal("expected step failure to surface")
	}
	got, gerr := c.Repo.GetWorkflow(ctx, inst.ID)
	if gerr != nil {
		t.Fatalf("get workflow: %v", gerr)
	}
	if got.Status != "failed" {
		t.Fatalf("want failed, got %s", got.Status)
	}
	// A failed run releases the key.
	if _, err := c.Start(ctx, "acme", nil); err != nil {
		t.Fatalf("start after failure: %v", err)
	}
}
