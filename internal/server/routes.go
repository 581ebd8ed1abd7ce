package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/domain"
	"stageline/internal/ingest"
	"stageline/internal/pipeline"
	"stageline/internal/repo"
)

func registerContent(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-content",
		Method:        http.MethodPost,
		Path:          "/content",
		Summary:       "Submit content for ingestion",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		rec, ingested, err := p.Ingest.Accept(ctx, ingest.Submission{
			StableKey: input.Body.StableKey,
			EntityKey: input.Body.EntityKey,
			Source:    input.Body.Source,
			Raw:       input.Body.Raw,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Record: rec, Ingested: ingested}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-content",
		Method:      http.MethodGet,
		Path:        "/content/{stable_key}",
		Summary:     "Latest content version for a stable key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StableKey string `path:"stable_key"`
	}) (*struct {
		Body domain.ContentRecord `json:"body"`
	}, error) {
		rec, err := p.Repo.LatestContent(ctx, input.StableKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ContentRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func registerRecords(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List canonical records for an entity key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKey string `query:"entity_key"`
	}) (*struct {
		Body []domain.Record `json:"body"`
	}, error) {
		if input.EntityKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_key is required", nil)
		}
		items, err := p.Repo.ListRecords(ctx, input.EntityKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Record `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{record_id}",
		Summary:     "Get record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RecordID string `path:"record_id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		rec, err := p.Repo.GetRecord(ctx, input.RecordID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List extracted drafts for an entity key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKey string `query:"entity_key"`
	}) (*struct {
		Body []domain.DraftRecord `json:"body"`
	}, error) {
		if input.EntityKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_key is required", nil)
		}
		items, err := p.Repo.ListDrafts(ctx, input.EntityKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DraftRecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerProposals(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "Pending proposals for a target",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TargetID string `query:"target_id"`
	}) (*struct {
		Body []domain.Proposal `json:"body"`
	}, error) {
		if input.TargetID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target_id is required", nil)
		}
		items, err := p.Repo.ListPendingProposals(ctx, input.TargetID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Proposal `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		prop, err := p.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch with its proposals",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchID string `path:"batch_id"`
	}) (*struct {
		Body BatchResponse `json:"body"`
	}, error) {
		batch, err := p.Repo.GetBatch(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		proposals, err := p.Repo.ListBatchProposals(ctx, input.BatchID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BatchResponse `json:"body"`
		}{Body: BatchResponse{Batch: batch, Proposals: proposals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/approve",
		Summary:     "Approve a proposal and apply it",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string `path:"proposal_id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		if err := p.Staging.Approve(ctx, input.ProposalID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		prop, err := p.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/reject",
		Summary:     "Reject a proposal",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string        `path:"proposal_id"`
		Body       RejectRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		if err := p.Staging.Reject(ctx, input.ProposalID, actorID(ctx), input.Body.Reason); err != nil {
			return nil, handleError(err)
		}
		prop, err := p.Repo.GetProposal(ctx, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "comment-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{proposal_id}/comment",
		Summary:     "Request a revision of a pending proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProposalID string         `path:"proposal_id"`
		Body       CommentRequest `json:"body"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if input.Body.Comment == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "comment is required", nil)
		}
		job, err := p.Staging.Comment(ctx, input.ProposalID, actorID(ctx), input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})
}

func registerJobs(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Type   string `query:"type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		items, err := p.Repo.ListJobs(ctx, repo.JobFilters{
			Status: input.Status,
			Type:   input.Type,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/jobs/dead-letters",
		Summary:     "List dead-lettered jobs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.DeadLetter `json:"body"`
	}, error) {
		items, err := p.Repo.ListDeadLetters(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DeadLetter `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job with attempt history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobDetailResponse `json:"body"`
	}, error) {
		job, err := p.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts, err := p.Repo.ListJobAttempts(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobDetailResponse `json:"body"`
		}{Body: JobDetailResponse{Job: job, Attempts: attempts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/retry",
		Summary:     "Requeue a dead job",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		if err := p.Queue.RetryDead(ctx, input.JobID); err != nil {
			return nil, handleError(err)
		}
		job, err := p.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})
}

func registerWorkflows(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows/{entity_key}/run",
		Summary:       "Run the processing workflow for an entity key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EntityKey string `path:"entity_key"`
	}) (*struct {
		Body domain.WorkflowInstance `json:"body"`
	}, error) {
		inst, err := p.RunWorkflow(ctx, input.EntityKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkflowInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{entity_key}",
		Summary:     "Latest workflow run for an entity key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EntityKey string `path:"entity_key"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		inst, err := p.Repo.LatestWorkflowByKey(ctx, input.EntityKey)
		if err != nil {
			return nil, handleError(err)
		}
		checkpoints, err := p.Repo.ListCheckpoints(ctx, inst.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: inst, Checkpoints: checkpoints}}, nil
	})
}

func registerCache(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "purge-cache",
		Method:      http.MethodPost,
		Path:        "/cache/purge",
		Summary:     "Drop expired cache entries",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PurgeResponse `json:"body"`
	}, error) {
		n, err := p.Memo.Purge(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PurgeResponse `json:"body"`
		}{Body: PurgeResponse{Purged: n}}, nil
	})
}

func registerEvents(api huma.API, p *pipeline.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := p.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
