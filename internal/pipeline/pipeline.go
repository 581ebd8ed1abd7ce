// Package pipeline wires the processing stages together: ingested content is
// extracted into drafts, drafts are deduplicated, and the surviving changes
// are staged for review. Stages are chained through bus events and durable
// jobs, so the cascade survives restarts at every seam.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"stageline/internal/bus"
	"stageline/internal/canon"
	"stageline/internal/config"
	"stageline/internal/dedup"
	"stageline/internal/domain"
	"stageline/internal/extract"
	"stageline/internal/faults"
	"stageline/internal/ingest"
	"stageline/internal/memo"
	"stageline/internal/queue"
	"stageline/internal/repo"
	"stageline/internal/staging"
	"stageline/internal/workflow"
)

const (
	KindDraftsExtracted bus.Kind = "drafts.extracted"
	KindBatchStaged     bus.Kind = "batch.staged"
)

// DraftsExtracted is emitted after an extraction job lands its drafts.
// RunID identifies the producing extraction, so each new content version
// triggers its own downstream scan.
type DraftsExtracted struct {
	EntityKey string   `json:"entity_key"`
	DraftIDs  []string `json:"draft_ids"`
	RunID     string   `json:"run_id"`
}

func (DraftsExtracted) EventKind() bus.Kind { return KindDraftsExtracted }

// BatchStaged is emitted after a dedup run stages a proposal batch.
type BatchStaged struct {
	BatchID   string `json:"batch_id"`
	TargetID  string `json:"target_id"`
	Proposals int    `json:"proposals"`
}

func (BatchStaged) EventKind() bus.Kind { return KindBatchStaged }

// Pipeline is the composition root for the processing engine.
type Pipeline struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Bus       *bus.Bus
	Queue     queue.Queue
	Runner    *queue.Runner
	Memo      memo.Cache
	Ingest    ingest.Engine
	Staging   staging.Engine
	Dedup     dedup.Engine
	Workflows *workflow.Coordinator
	Extractor extract.Extractor
	Log       *zap.Logger
}

// New builds the fully wired pipeline over an open, migrated database.
func New(conn *sql.DB, cfg *config.Config, ex extract.Extractor, workers int, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := bus.New()
	b.Log = log.Named("bus")
	b.MaxDepth = cfg.Bus.MaxCascadeDepth

	q := queue.New(conn, cfg, b, log.Named("queue"))
	p := &Pipeline{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Bus:       b,
		Queue:     q,
		Memo:      memo.New(conn, cfg, log.Named("memo")),
		Ingest:    ingest.New(conn, b, log.Named("ingest")),
		Staging:   staging.New(conn, cfg, q, log.Named("staging")),
		Dedup:     dedup.New(cfg, dedup.HeuristicAdjudicator{}, log.Named("dedup")),
		Extractor: ex,
		Log:       log,
	}
	p.Workflows = workflow.New(conn, cfg, []workflow.Step{
		{Name: "extract", Run: p.stepExtract},
		{Name: "stage", Run: p.stepStage},
	}, log.Named("workflow"))

	p.Runner = queue.NewRunner(q, workers, log.Named("worker"))
	p.Runner.Register("extract.run", p.handleExtract)
	p.Runner.Register("dedup.scan", p.handleDedup)
	p.Runner.Register("proposal.revise", p.handleRevise)
	p.Runner.Register("cache.purge", p.handlePurge)

	if err := p.registerEffects(); err != nil {
		return nil, err
	}
	return p, nil
}

type extractPayload struct {
	ContentID int64  `json:"content_id"`
	EntityKey string `json:"entity_key"`
}

type extractResult struct {
	EntityKey string   `json:"entity_key"`
	DraftIDs  []string `json:"draft_ids"`
}

type dedupPayload struct {
	EntityKey string `json:"entity_key"`
	RunID     string `json:"run_id"`
}

type stageResult struct {
	BatchID   string `json:"batch_id"`
	TargetID  string `json:"target_id"`
	Proposals int    `json:"proposals"`
}

// registerEffects declares the event chain. Each producing domain owns
// exactly one output kind, enforced at registration.
func (p *Pipeline) registerEffects() error {
	effects := []bus.Effect{
		bus.Sink("enqueue-extract", "extract", func(ctx context.Context, ev ingest.ContentIngested) error {
			_, err := p.Queue.Enqueue(ctx, queue.NewJob{
				Type:    "extract.run",
				Payload: extractPayload{ContentID: ev.ContentID, EntityKey: ev.EntityKey},
			})
			return err
		}),
		bus.OnIf("extract-done", "extract-results",
			func(ev queue.JobCompleted) bool { return ev.JobType == "extract.run" },
			func(ctx context.Context, ev queue.JobCompleted) (*DraftsExtracted, error) {
				var res extractResult
				if err := json.Unmarshal(ev.Result, &res); err != nil {
					return nil, fmt.Errorf("decode extract result: %w", err)
				}
				if len(res.DraftIDs) == 0 {
					return nil, nil
				}
				return &DraftsExtracted{EntityKey: res.EntityKey, DraftIDs: res.DraftIDs, RunID: ev.JobID}, nil
			}),
		bus.Sink("enqueue-dedup", "dedup", func(ctx context.Context, ev DraftsExtracted) error {
			_, err := p.Queue.Enqueue(ctx, queue.NewJob{
				Type:    "dedup.scan",
				Payload: dedupPayload{EntityKey: ev.EntityKey, RunID: ev.RunID},
			})
			return err
		}),
		bus.OnIf("dedup-done", "staging-results",
			func(ev queue.JobCompleted) bool { return ev.JobType == "dedup.scan" },
			func(ctx context.Context, ev queue.JobCompleted) (*BatchStaged, error) {
				var res stageResult
				if err := json.Unmarshal(ev.Result, &res); err != nil {
					return nil, fmt.Errorf("decode dedup result: %w", err)
				}
				if res.BatchID == "" {
					return nil, nil
				}
				return &BatchStaged{BatchID: res.BatchID, TargetID: res.TargetID, Proposals: res.Proposals}, nil
			}),
		bus.Sink("staged-log", "review", func(ctx context.Context, ev BatchStaged) error {
			p.Log.Info("batch awaiting review",
				zap.String("batch_id", ev.BatchID),
				zap.String("target_id", ev.TargetID),
				zap.Int("proposals", ev.Proposals))
			return nil
		}),
	}
	for _, e := range effects {
		if err := p.Bus.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// --- job handlers ---

func (p *Pipeline) handleExtract(ctx context.Context, job domain.Job) (any, error) {
	var payload extractPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, faults.Validation(fmt.Errorf("decode payload: %w", err))
	}
	content, err := p.Repo.GetContent(ctx, payload.ContentID)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("content %d: %w", payload.ContentID, err))
	}
	ids, err := p.extractContent(ctx, content)
	if err != nil {
		return nil, err
	}
	return extractResult{EntityKey: content.EntityKey, DraftIDs: ids}, nil
}

func (p *Pipeline) handleDedup(ctx context.Context, job domain.Job) (any, error) {
	var payload dedupPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return nil, faults.Validation(fmt.Errorf("decode payload: %w", err))
	}
	return p.stageEntity(ctx, payload.EntityKey, job.ID)
}

func (p *Pipeline) handleRevise(ctx context.Context, job domain.Job) (any, error) {
	var rc staging.ReviseComment
	if err := json.Unmarshal([]byte(job.PayloadJSON), &rc); err != nil {
		return nil, faults.Validation(fmt.Errorf("decode payload: %w", err))
	}
	prop, err := p.Repo.GetProposal(ctx, rc.ProposalID)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("proposal %s: %w", rc.ProposalID, err))
	}
	var draft staging.Draft
	if err := json.Unmarshal([]byte(prop.DraftJSON), &draft); err != nil {
		return nil, faults.Validation(fmt.Errorf("decode draft: %w", err))
	}
	if draft.Fields == nil {
		draft.Fields = map[string]string{}
	}
	if prev := draft.Fields["notes"]; prev != "" {
		draft.Fields["notes"] = prev + "; " + rc.Comment
	} else {
		draft.Fields["notes"] = rc.Comment
	}
	if err := p.Staging.Revise(ctx, rc.ProposalID, draft); err != nil {
		if faults.KindOf(err) == faults.KindConflict {
			// Resolved while the revision was queued; nothing left to revise.
			return map[string]any{"skipped": true}, nil
		}
		return nil, err
	}
	return map[string]any{"revised": true, "round": rc.Round}, nil
}

func (p *Pipeline) handlePurge(ctx context.Context, job domain.Job) (any, error) {
	n, err := p.Memo.Purge(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"purged": n}, nil
}

// --- workflow steps ---

// stepExtract extracts drafts from the latest version of every content key
// under the workflow's entity key.
func (p *Pipeline) stepExtract(ctx context.Context, run *workflow.Run) (any, error) {
	contents, err := p.Repo.LatestContentByEntity(ctx, run.Instance.EntityKey)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, c := range contents {
		draftIDs, err := p.extractContent(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", c.StableKey, err)
		}
		ids = append(ids, draftIDs...)
	}
	return extractResult{EntityKey: run.Instance.EntityKey, DraftIDs: ids}, nil
}

func (p *Pipeline) stepStage(ctx context.Context, run *workflow.Run) (any, error) {
	return p.stageEntity(ctx, run.Instance.EntityKey, run.Instance.ID)
}

// RunWorkflow drives a full synchronous run for one entity key.
func (p *Pipeline) RunWorkflow(ctx context.Context, entityKey string) (domain.WorkflowInstance, error) {
	return p.Workflows.StartAndExecute(ctx, entityKey, nil)
}

// --- shared stage logic ---

// extractContent runs memoized extraction on one content version and upserts
// its drafts. Draft ids are deterministic in (stable key, position), so
// replays and re-extractions replace rather than duplicate.
func (p *Pipeline) extractContent(ctx context.Context, content domain.ContentRecord) ([]string, error) {
	req := extract.Request{
		ModelID:   p.Config.Extract.ModelID,
		EntityKey: content.EntityKey,
		Text:      content.RawContent,
	}
	extractions, hit, err := memo.Memoize(ctx, p.Memo, "extract", map[string]any{
		"model_id":     req.ModelID,
		"instructions": req.Instructions,
		"content_hash": content.ContentHash,
	}, func(ctx context.Context) ([]extract.Extraction, error) {
		return p.Extractor.Extract(ctx, req)
	})
	if err != nil {
		// Keep the extractor's own classification: unparseable input must
		// dead-letter as a validation failure, not retry as an outage.
		if faults.KindOf(err) == faults.KindUnknown {
			err = faults.External(err)
		}
		return nil, fmt.Errorf("extract: %w", err)
	}
	p.Log.Debug("extraction done",
		zap.String("stable_key", content.StableKey),
		zap.Int("records", len(extractions)),
		zap.Bool("cache_hit", hit))

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(extractions))
	for i, ex := range extractions {
		id, err := canon.Hash("draft", map[string]any{"stable_key": content.StableKey, "index": i})
		if err != nil {
			return nil, err
		}
		id = id[:32]
		text := ex.Title
		for _, k := range sortedKeys(ex.Fields) {
			text += " " + k + " " + ex.Fields[k]
		}
		emb, err := p.Extractor.Embed(ctx, text)
		if err != nil {
			if faults.KindOf(err) == faults.KindUnknown {
				err = faults.External(err)
			}
			return nil, fmt.Errorf("embed: %w", err)
		}
		if err := p.Repo.InsertDraftTx(ctx, tx, domain.DraftRecord{
			ID:         id,
			EntityKey:  content.EntityKey,
			Title:      ex.Title,
			Fields:     ex.Fields,
			SourceKeys: []string{content.StableKey},
			Embedding:  emb,
			CreatedAt:  now,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// stageEntity runs dedup over the entity's drafts and stages the resulting
// proposals as one batch. With nothing to propose it stages nothing.
func (p *Pipeline) stageEntity(ctx context.Context, entityKey, runID string) (stageResult, error) {
	drafts, err := p.Repo.ListDrafts(ctx, entityKey)
	if err != nil {
		return stageResult{}, err
	}
	if len(drafts) == 0 {
		return stageResult{TargetID: entityKey}, nil
	}
	groups, err := p.Dedup.Resolve(ctx, drafts)
	if err != nil {
		return stageResult{}, err
	}

	grouped := map[string]bool{}
	var proposals []staging.NewProposal
	for _, g := range groups {
		for _, id := range g.MemberIDs {
			grouped[id] = true
		}
		applied, err := p.mergeApplied(ctx, g)
		if err != nil {
			return stageResult{}, err
		}
		if applied {
			continue
		}
		proposals = append(proposals, staging.NewProposal{
			Op: "merge",
			Draft: staging.Draft{
				RecordID:  g.SurvivorID,
				EntityKey: entityKey,
				Title:     g.Title,
				Fields:    g.Fields,
				SourceIDs: g.MemberIDs,
			},
			Confidence: g.Confidence,
			Reasoning:  g.Reasoning,
			SurvivorID: g.SurvivorID,
		})
	}
	for _, d := range drafts {
		if grouped[d.ID] {
			continue
		}
		np, include, err := p.proposeDraft(ctx, entityKey, d)
		if err != nil {
			return stageResult{}, err
		}
		if include {
			proposals = append(proposals, np)
		}
	}
	if len(proposals) == 0 {
		return stageResult{TargetID: entityKey}, nil
	}

	batch, err := p.Staging.StageBatch(ctx, entityKey, runID, proposals)
	if err != nil {
		return stageResult{}, err
	}
	return stageResult{BatchID: batch.ID, TargetID: entityKey, Proposals: len(proposals)}, nil
}

// mergeApplied reports whether a group's merge already landed in canonical
// records: the survivor matches and every other member either never became a
// record or already points at the survivor. Applied merges are not
// re-proposed on later runs.
func (p *Pipeline) mergeApplied(ctx context.Context, g dedup.MergeGroup) (bool, error) {
	survivor, err := p.Repo.GetRecord(ctx, g.SurvivorID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if survivor.Title != g.Title || !equalFields(survivor.Fields, g.Fields) {
		return false, nil
	}
	for _, id := range g.MemberIDs {
		if id == g.SurvivorID {
			continue
		}
		rec, err := p.Repo.GetRecord(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if rec.MergedInto == nil || *rec.MergedInto != g.SurvivorID {
			return false, nil
		}
	}
	return true, nil
}

// proposeDraft turns one ungrouped draft into an insert or update proposal,
// or nothing when the canonical record already matches.
func (p *Pipeline) proposeDraft(ctx context.Context, entityKey string, d domain.DraftRecord) (staging.NewProposal, bool, error) {
	np := staging.NewProposal{
		Draft: staging.Draft{
			RecordID:  d.ID,
			EntityKey: entityKey,
			Title:     d.Title,
			Fields:    d.Fields,
			SourceIDs: []string{d.ID},
		},
		Confidence: "high",
	}
	existing, err := p.Repo.GetRecord(ctx, d.ID)
	switch {
	case err == nil:
		if existing.MergedInto != nil || existing.Deleted {
			return staging.NewProposal{}, false, nil
		}
		if existing.Title == d.Title && equalFields(existing.Fields, d.Fields) {
			return staging.NewProposal{}, false, nil
		}
		np.Op = "update"
		np.Reasoning = "extracted fields changed"
		np.Confidence = "medium"
	case errors.Is(err, repo.ErrNotFound):
		np.Op = "insert"
		np.Reasoning = "new entity"
	default:
		return staging.NewProposal{}, false, err
	}
	return np, true, nil
}

func equalFields(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
