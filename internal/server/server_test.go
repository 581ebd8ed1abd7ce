package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/domain"
	"stageline/internal/extract"
	"stageline/internal/migrate"
	"stageline/internal/pipeline"
)

type testServer struct {
	URL      string
	Pipeline *pipeline.Pipeline
	client   *http.Client
	close    func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	p, err := pipeline.New(conn, config.Default(), extract.Heuristic{}, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	handler, err := New(Config{Pipeline: p, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:      "http://" + ln.Addr().String(),
		Pipeline: p,
		client:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func drainQueue(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	if _, err := p.Runner.RunOnce(context.Background(), "test-worker"); err != nil {
		t.Fatalf("drain queue: %v", err)
	}
}

const contactsRaw = `Riverside Clinic
name: Riverside Clinic
email: front@riverside.test
phone: 1 555 0188

Riverside Clinic NW
name: Riverside Clinic
email: front@riverside.test
phone: 1 555 0188
city: Salem
`

func TestIngestApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/content", map[string]any{
		"stable_key": "crm/riverside",
		"entity_key": "clinics",
		"raw":        contactsRaw,
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}
	var ingested IngestResponse
	if err := json.Unmarshal(data, &ingested); err != nil {
		t.Fatalf("unmarshal ingest: %v", err)
	}
	if !ingested.Ingested || ingested.Record.Version != 1 {
		t.Fatalf("unexpected ingest response: %+v", ingested)
	}

	drainQueue(t, srv.Pipeline)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/proposals?target_id=clinics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list proposals status %d: %s", res.StatusCode, string(data))
	}
	var proposals []domain.Proposal
	if err := json.Unmarshal(data, &proposals); err != nil {
		t.Fatalf("unmarshal proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0].Op != "merge" {
		t.Fatalf("want one merge proposal, got %+v", proposals)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposals[0].ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.Proposal
	if err := json.Unmarshal(data, &approved); err != nil {
		t.Fatalf("unmarshal approved: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("want approved, got %s", approved.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/records?entity_key=clinics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list records status %d: %s", res.StatusCode, string(data))
	}
	var records []domain.Record
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("unmarshal records: %v", err)
	}
	var survivors int
	for _, rec := range records {
		if rec.MergedInto == nil && !rec.Deleted {
			survivors++
		}
	}
	if survivors != 1 {
		t.Fatalf("want one surviving record, got %+v", records)
	}

	// A settled proposal cannot be approved again.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/proposals/"+proposals[0].ID+"/approve", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-approve: want 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestIngestValidation(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/content", map[string]any{
		"stable_key": "crm/empty",
		"entity_key": "clinics",
		"raw":        "",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("want 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "validation_failed" {
		t.Fatalf("want validation_failed, got %q", envelope.Error.Code)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/content", map[string]any{
		"stable_key": "crm/riverside",
		"entity_key": "clinics",
		"raw":        contactsRaw,
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("ingest status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/clinics/run", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run workflow status %d: %s", res.StatusCode, string(data))
	}
	var inst domain.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if inst.Status != "done" {
		t.Fatalf("want finished workflow, got %+v", inst)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/clinics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow status %d: %s", res.StatusCode, string(data))
	}
	var detail WorkflowResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal workflow detail: %v", err)
	}
	if len(detail.Checkpoints) != 2 {
		t.Fatalf("want 2 checkpoints, got %+v", detail.Checkpoints)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{APIKeys: []string{"secret-key"}})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 without key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401 with wrong key, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "secret-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("want 200 with key, got %d: %s", res.StatusCode, string(data))
	}

	// Health stays open.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}
