// Package staging holds proposed record changes for human review. Proposals
// arrive in batches; a newer batch for the same target supersedes the
// pending one, and only approving a proposal writes canonical records.
package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/faults"
	"stageline/internal/queue"
	"stageline/internal/repo"
)

// Draft is the staged change payload carried by a proposal.
type Draft struct {
	RecordID  string            `json:"record_id"`
	EntityKey string            `json:"entity_key"`
	Title     string            `json:"title,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	SourceIDs []string          `json:"source_ids,omitempty"`
}

// NewProposal describes one change to stage.
type NewProposal struct {
	Op         string
	Draft      Draft
	Confidence string
	Reasoning  string
	SurvivorID string // merge only
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Queue  queue.Queue
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func New(conn *sql.DB, cfg *config.Config, q queue.Queue, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Queue:  q,
		Config: cfg,
		Now:    time.Now,
		Log:    log,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// StageBatch atomically supersedes any pending batch for the target and
// stages the given proposals as the new pending batch. There is never a
// window in which a reviewer sees proposals from two generations at once.
func (e Engine) StageBatch(ctx context.Context, targetID, runID string, proposals []NewProposal) (domain.Batch, error) {
	if len(proposals) == 0 {
		return domain.Batch{}, faults.Validation(fmt.Errorf("empty batch for target %s", targetID))
	}
	now := e.now().UTC().Format(time.RFC3339)
	batch := domain.Batch{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		RunID:     runID,
		Status:    "pending",
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	expired, err := e.Repo.ExpirePendingBatchesTx(ctx, tx, targetID, now)
	if err != nil {
		return domain.Batch{}, err
	}
	if err := e.Repo.InsertBatchTx(ctx, tx, batch); err != nil {
		return domain.Batch{}, err
	}
	for _, np := range proposals {
		draftJSON, err := json.Marshal(np.Draft)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("marshal draft: %w", err)
		}
		sourcesJSON, err := json.Marshal(np.Draft.SourceIDs)
		if err != nil {
			return domain.Batch{}, err
		}
		p := domain.Proposal{
			ID:          uuid.New().String(),
			BatchID:     batch.ID,
			TargetID:    targetID,
			Op:          np.Op,
			DraftJSON:   string(draftJSON),
			Confidence:  np.Confidence,
			Reasoning:   np.Reasoning,
			SourcesJSON: string(sourcesJSON),
			Status:      "pending",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if np.SurvivorID != "" {
			p.SurvivorID = &np.SurvivorID
		}
		if err := e.Repo.InsertProposalTx(ctx, tx, p); err != nil {
			return domain.Batch{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "batch.staged", "batch", batch.ID, "staging", events.EventPayload{
		"target_id": targetID, "run_id": runID, "proposals": len(proposals), "superseded": expired,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	if expired > 0 {
		e.Log.Info("superseded pending batch", zap.String("target_id", targetID), zap.Int64("expired", expired))
	}
	return batch, nil
}

// Approve resolves a pending proposal and applies its change to canonical
// records in the same transaction. Approving an expired or already resolved
// proposal is a conflict, not a write.
func (e Engine) Approve(ctx context.Context, proposalID, actor string) error {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	ok, err := e.Repo.ResolveProposalTx(ctx, tx, proposalID, "approved", now)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("proposal %s is %s, not pending", proposalID, p.Status))
	}
	if err := e.apply(ctx, tx, p, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "proposal.approved", "proposal", proposalID, actor, events.EventPayload{
		"op": p.Op, "target_id": p.TargetID,
	}); err != nil {
		return err
	}
	if err := e.Repo.MarkBatchResolvedIfDoneTx(ctx, tx, p.BatchID); err != nil {
		return err
	}
	return tx.Commit()
}

// Reject resolves a pending proposal without touching canonical records.
func (e Engine) Reject(ctx context.Context, proposalID, actor, reason string) error {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return err
	}
	ok, err := e.Repo.ResolveProposalTx(ctx, tx, proposalID, "rejected", now)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("proposal %s is %s, not pending", proposalID, p.Status))
	}
	if err := e.Events.Append(ctx, tx, "proposal.rejected", "proposal", proposalID, actor, events.EventPayload{
		"op": p.Op, "target_id": p.TargetID, "reason": reason,
	}); err != nil {
		return err
	}
	if err := e.Repo.MarkBatchResolvedIfDoneTx(ctx, tx, p.BatchID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReviseComment carried by a revision job.
type ReviseComment struct {
	ProposalID string `json:"proposal_id"`
	Comment    string `json:"comment"`
	Round      int    `json:"round"`
}

// Comment requests a revision of a pending proposal. The revision itself
// runs as a durable job; the proposal stays pending meanwhile. Rounds are
// bounded so a reviewer and the extractor cannot ping-pong forever.
func (e Engine) Comment(ctx context.Context, proposalID, actor, comment string) (domain.Job, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Job{}, err
	}
	if p.Status != "pending" {
		return domain.Job{}, faults.Conflict(fmt.Errorf("proposal %s is %s, not pending", proposalID, p.Status))
	}
	if p.RevisionRound >= e.Config.Staging.MaxRevisionRounds {
		return domain.Job{}, faults.Validation(fmt.Errorf("proposal %s exhausted its %d revision rounds", proposalID, e.Config.Staging.MaxRevisionRounds))
	}
	job, err := e.Queue.Enqueue(ctx, queue.NewJob{
		Type: "proposal.revise",
		Payload: ReviseComment{
			ProposalID: proposalID,
			Comment:    comment,
			Round:      p.RevisionRound + 1,
		},
	})
	if err != nil {
		return domain.Job{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "proposal.commented", "proposal", proposalID, actor, events.EventPayload{
		"comment": comment, "round": p.RevisionRound + 1, "job_id": job.ID,
	}); err != nil {
		return domain.Job{}, err
	}
	return job, tx.Commit()
}

// Revise replaces a pending proposal's draft with a revised one and bumps
// the round. Called by the revision job handler. The round bound is enforced
// here with a guarded update, so comments racing ahead of their revision
// jobs cannot push the round past the bound.
func (e Engine) Revise(ctx context.Context, proposalID string, draft Draft) error {
	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := e.Repo.ReviseProposalTx(ctx, tx, proposalID, string(draftJSON), now, e.Config.Staging.MaxRevisionRounds)
	if err != nil {
		return err
	}
	if !ok {
		return faults.Conflict(fmt.Errorf("proposal %s is no longer pending or exhausted its revision rounds", proposalID))
	}
	if err := e.Events.Append(ctx, tx, "proposal.revised", "proposal", proposalID, "staging", nil); err != nil {
		return err
	}
	return tx.Commit()
}

// apply writes an approved proposal's change into canonical records.
func (e Engine) apply(ctx context.Context, tx *sql.Tx, p domain.Proposal, now string) error {
	var draft Draft
	if err := json.Unmarshal([]byte(p.DraftJSON), &draft); err != nil {
		return fmt.Errorf("decode proposal draft: %w", err)
	}
	switch p.Op {
	case "insert", "update":
		rec := domain.Record{
			ID:        draft.RecordID,
			EntityKey: draft.EntityKey,
			Title:     draft.Title,
			Fields:    draft.Fields,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := e.Repo.GetRecordTx(ctx, tx, draft.RecordID); err == nil {
			rec.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return e.Repo.UpsertRecordTx(ctx, tx, rec)
	case "delete":
		existing, err := e.Repo.GetRecordTx(ctx, tx, draft.RecordID)
		if err != nil {
			return err
		}
		existing.Deleted = true
		existing.UpdatedAt = now
		return e.Repo.UpsertRecordTx(ctx, tx, existing)
	case "merge":
		if p.SurvivorID == nil {
			return faults.Validation(fmt.Errorf("merge proposal %s has no survivor", p.ID))
		}
		survivor := domain.Record{
			ID:        *p.SurvivorID,
			EntityKey: draft.EntityKey,
			Title:     draft.Title,
			Fields:    draft.Fields,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, err := e.Repo.GetRecordTx(ctx, tx, survivor.ID); err == nil {
			survivor.CreatedAt = existing.CreatedAt
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := e.Repo.UpsertRecordTx(ctx, tx, survivor); err != nil {
			return err
		}
		for _, loser := range draft.SourceIDs {
			if loser == survivor.ID {
				continue
			}
			rec, err := e.Repo.GetRecordTx(ctx, tx, loser)
			if errors.Is(err, repo.ErrNotFound) {
				// Drafts merged before ever becoming records have nothing to
				// redirect.
				continue
			}
			if err != nil {
				return err
			}
			rec.MergedInto = p.SurvivorID
			rec.UpdatedAt = now
			if err := e.Repo.UpsertRecordTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	default:
		return faults.Validation(fmt.Errorf("unknown proposal op %q", p.Op))
	}
}
