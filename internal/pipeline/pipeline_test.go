package pipeline

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/extract"
	"stageline/internal/ingest"
	"stageline/internal/migrate"
)

// countingExtractor wraps the heuristic extractor to observe cache misses.
type countingExtractor struct {
	extract.Heuristic
	calls *int
}

func (c countingExtractor) Extract(ctx context.Context, req extract.Request) ([]extract.Extraction, error) {
	*c.calls++
	return c.Heuristic.Extract(ctx, req)
}

func newTestPipeline(t *testing.T) (*Pipeline, *int) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	calls := 0
	p, err := New(conn, config.Default(), countingExtractor{calls: &calls}, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	return p, &calls
}

const acmeRaw = `Acme Corp
name: Acme Corporation
email: hello@acme.test
phone: 1 555 0100

Acme Corporation
name: Acme Corporation
email: hello@acme.test
phone: 1 555 0100
city: Portland

Sunrise Bakery
name: Sunrise Bakery
email: hi@sunrise.example
`

func drain(t *testing.T, p *Pipeline) int {
	t.Helper()
	n, err := p.Runner.RunOnce(context.Background(), "test-worker")
	if err != nil {
		t.Fatalf("drain queue: %v", err)
	}
	return n
}

func TestIngestToStagedBatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, changed, err := p.Ingest.Accept(ctx, ingest.Submission{
		StableKey: "crm/acme",
		EntityKey: "companies",
		Raw:       acmeRaw,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !changed {
		t.Fatal("first ingest must count as a change")
	}

	// extract.run then the chained dedup.scan.
	if n := drain(t, p); n != 2 {
		t.Fatalf("want 2 jobs processed, got %d", n)
	}

	pending, err := p.Repo.ListPendingProposals(ctx, "companies")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	// One merge for the two Acme variants, one insert for the bakery.
	if len(pending) != 2 {
		t.Fatalf("want 2 proposals, got %d: %+v", len(pending), pending)
	}
	ops := map[string]int{}
	for _, prop := range pending {
		ops[prop.Op]++
	}
	if ops["merge"] != 1 || ops["insert"] != 1 {
		t.Fatalf("proposal ops: %v", ops)
	}
}

func TestUnchangedReingestStagesNothing(t *testing.T) {
	p, calls := newTestPipeline(t)
	ctx := context.Background()

	sub := ingest.Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: acmeRaw}
	if _, _, err := p.Ingest.Accept(ctx, sub); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(t, p)
	pending, _ := p.Repo.ListPendingProposals(ctx, "companies")
	firstBatch := pending[0].BatchID
	extractCalls := *calls

	// Identical content: no version, no jobs, no new batch.
	_, changed, err := p.Ingest.Accept(ctx, sub)
	if err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	if changed {
		t.Fatal("identical content must be a no-op")
	}
	if n := drain(t, p); n != 0 {
		t.Fatalf("no-op ingest must enqueue nothing, processed %d jobs", n)
	}
	if *calls != extractCalls {
		t.Fatalf("extractor ran again: %d -> %d", extractCalls, *calls)
	}
	after, _ := p.Repo.ListPendingProposals(ctx, "companies")
	if len(after) != len(pending) || after[0].BatchID != firstBatch {
		t.Fatal("pending batch must be untouched by a no-op ingest")
	}
}

func TestChangedContentSupersedesPendingBatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, _, err := p.Ingest.Accept(ctx, ingest.Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: acmeRaw}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(t, p)
	before, _ := p.Repo.ListPendingProposals(ctx, "companies")
	if len(before) == 0 {
		t.Fatal("setup: expected a pending batch")
	}

	rec, changed, err := p.Ingest.Accept(ctx, ingest.Submission{
		StableKey: "crm/acme",
		EntityKey: "companies",
		Raw:       acmeRaw + "\nGlobex\nname: Globex\nurl: https://globex.example\n",
	})
	if err != nil || !changed {
		t.Fatalf("changed accept: changed=%v err=%v", changed, err)
	}
	if rec.Version != 2 {
		t.Fatalf("want version 2, got %d", rec.Version)
	}
	drain(t, p)

	after, err := p.Repo.ListPendingProposals(ctx, "companies")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for _, prop := range after {
		if prop.BatchID == before[0].BatchID {
			t.Fatal("old batch proposals must be expired, not pending")
		}
	}
	// The new batch includes the Globex insert.
	if len(after) != 3 {
		t.Fatalf("want 3 proposals in the new batch, got %d", len(after))
	}
}

func TestExtractionIsMemoizedAcrossKeys(t *testing.T) {
	p, calls := newTestPipeline(t)
	ctx := context.Background()

	if _, _, err := p.Ingest.Accept(ctx, ingest.Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: acmeRaw}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(t, p)
	if *calls != 1 {
		t.Fatalf("want 1 extractor call, got %d", *calls)
	}

	// The same bytes under another key hit the extraction cache.
	if _, _, err := p.Ingest.Accept(ctx, ingest.Submission{StableKey: "mirror/acme", EntityKey: "partners", Raw: acmeRaw}); err != nil {
		t.Fatalf("accept mirror: %v", err)
	}
	drain(t, p)
	if *calls != 1 {
		t.Fatalf("identical content must be served from cache, got %d calls", *calls)
	}
}

func TestApprovedMergeIsNotReproposed(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, _, err := p.Ingest.Accept(ctx, ingest.Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: acmeRaw}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	drain(t, p)
	pending, _ := p.Repo.ListPendingProposals(ctx, "companies")
	for _, prop := range pending {
		if err := p.Staging.Approve(ctx, prop.ID, "reviewer"); err != nil {
			t.Fatalf("approve %s: %v", prop.Op, err)
		}
	}

	// A later run over the same drafts has nothing new to stage.
	res, err := p.stageEntity(ctx, "companies", "rerun")
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.Proposals != 0 || res.BatchID != "" {
		t.Fatalf("applied changes must not be re-proposed: %+v", res)
	}
}

func TestRunWorkflowStagesSynchronously(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	if _, _, err := p.Ingest.Accept(ctx, ingest.Submission{StableKey: "crm/acme", EntityKey: "companies", Raw: acmeRaw}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// Drive the run directly instead of through the async chain.
	inst, err := p.RunWorkflow(ctx, "companies")
	if err != nil {
		t.Fatalf("run workflow: %v", err)
	}
	if inst.Status != "done" {
		t.Fatalf("want done, got %s", inst.Status)
	}
	pending, err := p.Repo.ListPendingProposals(ctx, "companies")
	if err != nil || len(pending) != 2 {
		t.Fatalf("want 2 staged proposals, got %d err=%v", len(pending), err)
	}
}
