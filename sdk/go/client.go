package stagelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ContentRecord represents one stored content version.
type ContentRecord struct {
	ID          int64  `json:"id"`
	StableKey   string `json:"stable_key"`
	EntityKey   string `json:"entity_key"`
	Version     int    `json:"version"`
	Source      string `json:"source,omitempty"`
	ContentHash string `json:"content_hash"`
	FetchedAt   string `json:"fetched_at"`
}

// IngestResult wraps the ingest response.
type IngestResult struct {
	Record   ContentRecord `json:"record"`
	Ingested bool          `json:"ingested"`
}

// Proposal represents a staged change awaiting review.
type Proposal struct {
	ID            string  `json:"id"`
	BatchID       string  `json:"batch_id"`
	TargetID      string  `json:"target_id"`
	Op            string  `json:"op"`
	DraftJSON     string  `json:"draft_json"`
	Confidence    string  `json:"confidence"`
	Reasoning     string  `json:"reasoning,omitempty"`
	SurvivorID    *string `json:"survivor_id,omitempty"`
	Status        string  `json:"status"`
	RevisionRound int     `json:"revision_round"`
}

// Record represents a canonical entity record.
type Record struct {
	ID         string            `json:"id"`
	EntityKey  string            `json:"entity_key"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	MergedInto *string           `json:"merged_into,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	UpdatedAt  string            `json:"updated_at"`
}

// Job represents a queued unit of work.
type Job struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Attempt   int    `json:"attempt"`
	RunAt     string `json:"run_at"`
	LastError string `json:"last_error,omitempty"`
}

// Workflow represents one workflow run.
type Workflow struct {
	ID        string `json:"id"`
	EntityKey string `json:"entity_key"`
	Status    string `json:"status"`
	Step      string `json:"step,omitempty"`
	StartedAt string `json:"started_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ingest submits content. The returned flag is false when the content was
// already stored unchanged.
func (c *Client) Ingest(ctx context.Context, stableKey, entityKey, source, raw string) (IngestResult, error) {
	body := map[string]any{
		"stable_key": stableKey,
		"entity_key": entityKey,
		"source":     source,
		"raw":        raw,
	}
	var resp IngestResult
	err := c.do(ctx, http.MethodPost, "v0/content", body, &resp)
	return resp, err
}

// PendingProposals lists pending proposals for a target entity key.
func (c *Client) PendingProposals(ctx context.Context, targetID string) ([]Proposal, error) {
	var resp []Proposal
	endpoint := "v0/proposals?target_id=" + url.QueryEscape(targetID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveProposal approves a pending proposal and applies it.
func (c *Client) ApproveProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectProposal rejects a pending proposal.
func (c *Client) RejectProposal(ctx context.Context, id, reason string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// CommentProposal requests a revision of a pending proposal. The returned job
// tracks the revision work.
func (c *Client) CommentProposal(ctx context.Context, id, comment string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/proposals/%s/comment", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

// Records lists canonical records for an entity key.
func (c *Client) Records(ctx context.Context, entityKey string) ([]Record, error) {
	var resp []Record
	endpoint := "v0/records?entity_key=" + url.QueryEscape(entityKey)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunWorkflow runs the processing workflow for an entity key.
func (c *Client) RunWorkflow(ctx context.Context, entityKey string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("v0/workflows/%s/run", url.PathEscape(entityKey))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RetryJob requeues a dead job.
func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%s/retry", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
