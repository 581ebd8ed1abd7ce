package domain

// ContentRecord is one ingested unit of content. A changed hash for the same
// stable key is stored as a new version; rows are never updated in place.
type ContentRecord struct {
	ID          int64  `json:"id"`
	StableKey   string `json:"stable_key"`
	EntityKey   string `json:"entity_key"`
	Version     int    `json:"version"`
	Source      string `json:"source,omitempty"`
	RawContent  string `json:"raw_content"`
	ContentHash string `json:"content_hash"`
	FetchedAt   string `json:"fetched_at" format:"date-time"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// DraftRecord is a structured record derived from content by extraction. It
// stays a draft until a proposal applying it is approved.
type DraftRecord struct {
	ID         string            `json:"id"`
	EntityKey  string            `json:"entity_key"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	SourceKeys []string          `json:"source_keys,omitempty"`
	Embedding  []float32         `json:"-"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

// Record is a canonical entity record, written only by approved proposals.
type Record struct {
	ID         string            `json:"id"`
	EntityKey  string            `json:"entity_key"`
	Title      string            `json:"title"`
	Fields     map[string]string `json:"fields,omitempty"`
	MergedInto *string           `json:"merged_into,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
}

type Job struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	PayloadJSON    string  `json:"payload_json"`
	Priority       int     `json:"priority"`
	Status         string  `json:"status" enum:"pending,running,succeeded,dead"`
	Attempt        int     `json:"attempt"`
	MaxRetries     int     `json:"max_retries"`
	IdempotencyKey string  `json:"idempotency_key"`
	RunAt          string  `json:"run_at" format:"date-time"`
	LeaseOwner     *string `json:"lease_owner,omitempty"`
	LeaseExpiresAt *string `json:"lease_expires_at,omitempty" format:"date-time"`
	LastError      string  `json:"last_error,omitempty"`
	ResultJSON     *string `json:"result_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	CompletedAt    *string `json:"completed_at,omitempty" format:"date-time"`
}

// JobAttempt is one execution record of a job. Append-only.
type JobAttempt struct {
	ID         int64  `json:"id"`
	JobID      string `json:"job_id"`
	Attempt    int    `json:"attempt"`
	Outcome    string `json:"outcome" enum:"succeeded,failed"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at" format:"date-time"`
	DurationMS int64  `json:"duration_ms"`
}

// DeadLetter is a job that exhausted its retries or failed validation,
// retained for manual inspection.
type DeadLetter struct {
	ID          int64  `json:"id"`
	JobID       string `json:"job_id"`
	JobType     string `json:"job_type"`
	PayloadJSON string `json:"payload_json"`
	Reason      string `json:"reason"`
	Attempts    int    `json:"attempts"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type CacheEntry struct {
	Key       string `json:"key"`
	Namespace string `json:"namespace"`
	Value     []byte `json:"value"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// CandidatePair is two draft records suspected identical, scored by the
// similarity filter and awaiting adjudication.
type CandidatePair struct {
	LeftID  string  `json:"left_id"`
	RightID string  `json:"right_id"`
	Score   float64 `json:"score"`
}

type Batch struct {
	ID        string `json:"id"`
	TargetID  string `json:"target_id"`
	RunID     string `json:"run_id"`
	Status    string `json:"status" enum:"pending,expired,resolved"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Proposal struct {
	ID            string  `json:"id"`
	BatchID       string  `json:"batch_id"`
	TargetID      string  `json:"target_id"`
	Op            string  `json:"op" enum:"insert,update,delete,merge"`
	DraftJSON     string  `json:"draft_json"`
	Confidence    string  `json:"confidence" enum:"high,medium,low"`
	Reasoning     string  `json:"reasoning,omitempty"`
	SourcesJSON   string  `json:"sources_json,omitempty"`
	SurvivorID    *string `json:"survivor_id,omitempty"`
	Status        string  `json:"status" enum:"pending,approved,rejected,expired"`
	RevisionRound int     `json:"revision_round"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
}

// WorkflowInstance is a durable execution context keyed by a business entity.
// At most one instance per key may be running at a time.
type WorkflowInstance struct {
	ID         string  `json:"id"`
	EntityKey  string  `json:"entity_key"`
	Status     string  `json:"status"`
	Step       string  `json:"step,omitempty"`
	StateJSON  string  `json:"state_json,omitempty"`
	StartedAt  string  `json:"started_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
}

type Checkpoint struct {
	InstanceID  string `json:"instance_id"`
	Step        string `json:"step"`
	ResultJSON  string `json:"result_json,omitempty"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

// Event is one audit log row. Operational facts only; failures are never
// recorded as events.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
