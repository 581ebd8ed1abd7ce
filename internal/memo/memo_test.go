package memo

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/migrate"
)

func newTestCache(t *testing.T) (Cache, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New(conn, config.Default(), zap.NewNop())
	c.Now = func() time.Time { return now }
	return c, &now
}

func TestGetOrComputeSkipsComputeOnHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	compute := func(ctx context.Context) (map[string]int, error) {
		calls++
		return map[string]int{"n": 42}, nil
	}

	inputs := map[string]any{"model_id": "heuristic-v1", "content_hash": "abc"}
	v, hit, err := Memoize(ctx, c, "extract", inputs, compute)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if hit || v["n"] != 42 {
		t.Fatalf("first call: hit=%v v=%v", hit, v)
	}

	v, hit, err = Memoize(ctx, c, "extract", inputs, compute)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !hit || v["n"] != 42 {
		t.Fatalf("second call: hit=%v v=%v", hit, v)
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
}

func TestKeyChangesWithAnyInput(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0
	compute := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if _, _, err := Memoize(ctx, c, "extract", map[string]any{"model_id": "heuristic-v1", "content_hash": "abc"}, compute); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Memoize(ctx, c, "extract", map[string]any{"model_id": "heuristic-v2", "content_hash": "abc"}, compute); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("changed model id must recompute, compute ran %d times", calls)
	}
}

func TestExpiredEntryRecomputesAndPurges(t *testing.T) {
	c, now := newTestCache(t)
	ctx := context.Background()
	calls := 0
	compute := func(ctx context.Context) (string, error) {
		calls++
		return "out", nil
	}

	inputs := map[string]any{"k": 1}
	if _, _, err := Memoize(ctx, c, "dedup", inputs, compute); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(c.Config.TTLFor("dedup") + time.Minute)
	_, hit, err := Memoize(ctx, c, "dedup", inputs, compute)
	if err != nil {
		t.Fatal(err)
	}
	if hit || calls != 2 {
		t.Fatalf("expired entry must recompute: hit=%v calls=%d", hit, calls)
	}

	*now = now.Add(c.Config.TTLFor("dedup") + time.Minute)
	purged, err := c.Purge(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged == 0 {
		t.Fatal("expected at least one purged entry")
	}
}
