package extract

import (
	"context"
	"reflect"
	"testing"

	"stageline/internal/faults"
)

func TestExtractParsesBlocksAndFields(t *testing.T) {
	text := `Acme Corp
name: Acme Corporation
email: hello@acme.test
phone: +1 555 0100

Globex
url: https://globex.test
`
	got, err := Heuristic{}.Extract(context.Background(), Request{
		ModelID:   "heuristic-v1",
		EntityKey: "companies",
		Text:      text,
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 extractions, got %d", len(got))
	}
	if got[0].Title != "Acme Corp" {
		t.Fatalf("first title: %q", got[0].Title)
	}
	wantFields := map[string]string{
		"name":  "Acme Corporation",
		"email": "hello@acme.test",
		"phone": "+1 555 0100",
	}
	if !reflect.DeepEqual(got[0].Fields, wantFields) {
		t.Fatalf("first fields: %v", got[0].Fields)
	}
	if got[0].Confidence != "high" {
		t.Fatalf("three structured fields should grade high, got %s", got[0].Confidence)
	}
	if got[1].Confidence != "medium" {
		t.Fatalf("one structured field should grade medium, got %s", got[1].Confidence)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	req := Request{ModelID: "heuristic-v1", EntityKey: "k", Text: "Foo\nemail: a@b.c\n"}
	a, err := Heuristic{}.Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Heuristic{}.Extract(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical input must produce identical output")
	}
}

func TestExtractRejectsEmptyInput(t *testing.T) {
	_, err := (Heuristic{}).Extract(context.Background(), Request{Text: "   \n  "})
	if err == nil {
		t.Fatal("expected error for empty input")
	}
	// Bad input must classify as validation so the job dead-letters instead of
	// retrying on the external-service backoff.
	if faults.KindOf(err) != faults.KindValidation {
		t.Fatalf("empty input should be a validation failure, got %v", err)
	}
}

func TestEmbedSimilarityOrdering(t *testing.T) {
	ctx := context.Background()
	a, _ := Heuristic{}.Embed(ctx, "acme corporation widget maker portland")
	b, _ := Heuristic{}.Embed(ctx, "acme corp widget maker portland oregon")
	c, _ := Heuristic{}.Embed(ctx, "completely unrelated bakery menu pastry")

	if Cosine(a, a) < 0.999 {
		t.Fatalf("self-similarity should be 1, got %f", Cosine(a, a))
	}
	if Cosine(a, b) <= Cosine(a, c) {
		t.Fatalf("near-duplicate should outscore unrelated: %f vs %f", Cosine(a, b), Cosine(a, c))
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	v, err := Heuristic{}.Embed(context.Background(), "  ...  ")
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("empty input should embed to nil, got %d dims", len(v))
	}
	if Cosine(v, v) != 0 {
		t.Fatal("nil vectors score zero")
	}
}
