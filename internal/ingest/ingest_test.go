package ingest

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"stageline/internal/bus"
	"stageline/internal/db"
	"stageline/internal/faults"
	"stageline/internal/migrate"
)

func newTestEngine(t *testing.T) (Engine, *int) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	dispatched := 0
	b := bus.New()
	b.MustRegister(bus.Sink("count-ingested", "test", func(ctx context.Context, ev ContentIngested) error {
		dispatched++
		return nil
	}))
	return New(conn, b, zap.NewNop()), &dispatched
}

func TestAcceptStoresNewVersions(t *testing.T) {
	e, dispatched := newTestEngine(t)
	ctx := context.Background()

	first, changed, err := e.Accept(ctx, Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: "Acme\nemail: a@acme.test\n"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !changed || first.Version != 1 {
		t.Fatalf("first accept: changed=%v version=%d", changed, first.Version)
	}

	second, changed, err := e.Accept(ctx, Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: "Acme Corporation\nemail: a@acme.test\n"})
	if err != nil {
		t.Fatalf("accept changed: %v", err)
	}
	if !changed || second.Version != 2 {
		t.Fatalf("changed content should become version 2, got changed=%v version=%d", changed, second.Version)
	}
	if *dispatched != 2 {
		t.Fatalf("want 2 dispatches, got %d", *dispatched)
	}
}

func TestUnchangedContentIsNoOp(t *testing.T) {
	e, dispatched := newTestEngine(t)
	ctx := context.Background()
	raw := "Acme\nemail: a@acme.test\n"

	if _, _, err := e.Accept(ctx, Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: raw}); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	rec, changed, err := e.Accept(ctx, Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: raw})
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if changed {
		t.Fatal("identical content must not count as a change")
	}
	if rec.Version != 1 {
		t.Fatalf("no-op should return the stored version, got %d", rec.Version)
	}
	latest, err := e.Repo.LatestContent(ctx, "crm/acme")
	if err != nil || latest.Version != 1 {
		t.Fatalf("no new version may be written: %+v err=%v", latest, err)
	}
	if *dispatched != 1 {
		t.Fatalf("no-op must not dispatch, got %d dispatches", *dispatched)
	}
}

func TestSameContentDifferentKeysAreIndependent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	raw := "Acme\n"

	if _, changed, err := e.Accept(ctx, Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: raw}); err != nil || !changed {
		t.Fatalf("first key: changed=%v err=%v", changed, err)
	}
	if _, changed, err := e.Accept(ctx, Submission{StableKey: "web/acme", EntityKey: "companies", Raw: raw}); err != nil || !changed {
		t.Fatalf("the same bytes under another key are still new: changed=%v err=%v", changed, err)
	}
}

func TestAcceptValidatesInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.Accept(ctx, Submission{StableKey: "", EntityKey: "companies", Raw: "x"})
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("missing stable key: %v", err)
	}
	_, _, err = e.Accept(ctx, Submission{StableKey: "k", EntityKey: "companies", Raw: "   "})
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("empty raw: %v", err)
	}
}
