package server

import (
	"stageline/internal/domain"
)

// Request payloads

type IngestRequest struct {
	StableKey string `json:"stable_key"`
	EntityKey string `json:"entity_key"`
	Source    string `json:"source,omitempty"`
	Raw       string `json:"raw"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CommentRequest struct {
	Comment string `json:"comment"`
}

// Response payloads

type IngestResponse struct {
	Record   domain.ContentRecord `json:"record"`
	Ingested bool                 `json:"ingested"`
}

type BatchResponse struct {
	Batch     domain.Batch      `json:"batch"`
	Proposals []domain.Proposal `json:"proposals"`
}

type JobDetailResponse struct {
	Job      domain.Job          `json:"job"`
	Attempts []domain.JobAttempt `json:"attempts,omitempty"`
}

type WorkflowResponse struct {
	Workflow    domain.WorkflowInstance `json:"workflow"`
	Checkpoints []domain.Checkpoint     `json:"checkpoints,omitempty"`
}

type PurgeResponse struct {
	Purged int64 `json:"purged"`
}
