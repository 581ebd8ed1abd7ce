package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const proposalColumns = `id,batch_id,target_id,op,draft_json,confidence,COALESCE(reasoning,''),COALESCE(sources_json,''),survivor_id,status,revision_round,created_at,updated_at,resolved_at`

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(id,target_id,run_id,status,created_at) VALUES (?,?,?,?,?)`,
		b.ID, b.TargetID, b.RunID, b.Status, b.CreatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	var b domain.Batch
	err := r.DB.QueryRowContext(ctx, `SELECT id,target_id,run_id,status,created_at FROM batches WHERE id=?`, id).
		Scan(&b.ID, &b.TargetID, &b.RunID, &b.Status, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// ExpirePendingBatchesTx expires every pending batch for a target and the
// pending proposals inside them. A new batch always supersedes the old.
func (r Repo) ExpirePendingBatchesTx(ctx context.Context, tx *sql.Tx, targetID, now string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE proposals SET status='expired', updated_at=?
WHERE status='pending' AND batch_id IN (SELECT id FROM batches WHERE target_id=? AND status='pending')`, now, targetID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status='expired' WHERE target_id=? AND status='pending'`, targetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) InsertProposalTx(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,batch_id,target_id,op,draft_json,confidence,reasoning,sources_json,survivor_id,status,revision_round,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.BatchID, p.TargetID, p.Op, p.DraftJSON, p.Confidence, nullable(p.Reasoning), nullable(p.SourcesJSON),
		nullableStringPtr(p.SurvivorID), p.Status, p.RevisionRound, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id).Scan)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id).Scan)
}

func scanProposal(scan func(...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var survivor, resolved sql.NullString
	err := scan(&p.ID, &p.BatchID, &p.TargetID, &p.Op, &p.DraftJSON, &p.Confidence, &p.Reasoning, &p.SourcesJSON,
		&survivor, &p.Status, &p.RevisionRound, &p.CreatedAt, &p.UpdatedAt, &resolved)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if survivor.Valid {
		p.SurvivorID = &survivor.String
	}
	if resolved.Valid {
		p.ResolvedAt = &resolved.String
	}
	return p, nil
}

func (r Repo) ListPendingProposals(ctx context.Context, targetID string) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE status='pending'`
	var args []any
	if targetID != "" {
		query += ` AND target_id=?`
		args = append(args, targetID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListBatchProposals(ctx context.Context, batchID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE batch_id=? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ResolveProposalTx transitions a pending proposal to a terminal status.
// Returns false when the proposal was not pending (already resolved/expired).
func (r Repo) ResolveProposalTx(ctx context.Context, tx *sql.Tx, id, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, updated_at=?, resolved_at=? WHERE id=? AND status='pending'`,
		status, now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReviseProposalTx bumps the revision round and replaces the draft, guarded
// by the pending state and the round bound. Two revisions racing past the
// bound lose here, not at comment time.
func (r Repo) ReviseProposalTx(ctx context.Context, tx *sql.Tx, id, draftJSON, now string, maxRounds int) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET draft_json=?, revision_round=revision_round+1, updated_at=? WHERE id=? AND status='pending' AND revision_round<?`,
		draftJSON, now, id, maxRounds)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkBatchResolvedIfDoneTx resolves a batch once none of its proposals are
// pending.
func (r Repo) MarkBatchResolvedIfDoneTx(ctx context.Context, tx *sql.Tx, batchID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET status='resolved'
WHERE id=? AND status='pending' AND NOT EXISTS (SELECT 1 FROM proposals WHERE batch_id=? AND status='pending')`, batchID, batchID)
	return err
}
