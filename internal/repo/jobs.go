package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

const jobColumns = `id,type,payload_json,priority,status,attempt,max_retries,idempotency_key,run_at,lease_owner,lease_expires_at,COALESCE(last_error,''),result_json,created_at,updated_at,completed_at`

func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs(id,type,payload_json,priority,status,attempt,max_retries,idempotency_key,run_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Type, j.PayloadJSON, j.Priority, j.Status, j.Attempt, j.MaxRetries, j.IdempotencyKey, j.RunAt, j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id).Scan)
}

// JobByIdempotencyKeyTx looks up the job an identical enqueue collapsed into.
func (r Repo) JobByIdempotencyKeyTx(ctx context.Context, tx *sql.Tx, key string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=?`, key).Scan)
}

// NextReadyJobTx returns the next claimable job: pending and due, or running
// with an expired lease. Priority wins within the ready bucket.
func (r Repo) NextReadyJobTx(ctx context.Context, tx *sql.Tx, now string) (domain.Job, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE (status='pending' AND run_at<=?) OR (status='running' AND lease_expires_at<?)
ORDER BY priority DESC, run_at ASC, id ASC LIMIT 1`, now, now).Scan)
}

func scanJob(scan func(...any) error) (domain.Job, error) {
	var j domain.Job
	var leaseOwner, leaseExpires, result, completed sql.NullString
	err := scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Priority, &j.Status, &j.Attempt, &j.MaxRetries, &j.IdempotencyKey,
		&j.RunAt, &leaseOwner, &leaseExpires, &j.LastError, &result, &j.CreatedAt, &j.UpdatedAt, &completed)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if leaseOwner.Valid {
		j.LeaseOwner = &leaseOwner.String
	}
	if leaseExpires.Valid {
		j.LeaseExpiresAt = &leaseExpires.String
	}
	if result.Valid {
		j.ResultJSON = &result.String
	}
	if completed.Valid {
		j.CompletedAt = &completed.String
	}
	return j, nil
}

// ClaimJobTx transitions a job to running under a lease, guarded by the state
// observed by NextReadyJobTx.
func (r Repo) ClaimJobTx(ctx context.Context, tx *sql.Tx, jobID, workerID, leaseExpiresAt, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='running', attempt=attempt+1, lease_owner=?, lease_expires_at=?, updated_at=?
WHERE id=? AND ((status='pending' AND run_at<=?) OR (status='running' AND lease_expires_at<?))`,
		workerID, leaseExpiresAt, now, jobID, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RenewJobLease extends a lease still held by workerID.
func (r Repo) RenewJobLease(ctx context.Context, jobID, workerID, leaseExpiresAt, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET lease_expires_at=?, updated_at=? WHERE id=? AND status='running' AND lease_owner=?`,
		leaseExpiresAt, now, jobID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteJobTx marks a running job succeeded, guarded by lease ownership.
func (r Repo) CompleteJobTx(ctx context.Context, tx *sql.Tx, jobID, workerID, resultJSON, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='succeeded', result_json=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?, completed_at=?
WHERE id=? AND status='running' AND lease_owner=?`, resultJSON, now, now, jobID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RescheduleJobTx returns a failed job to pending with a future run_at.
func (r Repo) RescheduleJobTx(ctx context.Context, tx *sql.Tx, jobID, workerID, runAt, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='pending', run_at=?, last_error=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?
WHERE id=? AND status='running' AND lease_owner=?`, runAt, lastError, now, jobID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkJobDeadTx moves a job to its terminal dead state.
func (r Repo) MarkJobDeadTx(ctx context.Context, tx *sql.Tx, jobID, workerID, lastError, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status='dead', last_error=?, lease_owner=NULL, lease_expires_at=NULL, updated_at=?, completed_at=?
WHERE id=? AND status='running' AND lease_owner=?`, lastError, now, now, jobID, workerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueDeadJob returns a dead-lettered job to pending for a manual retry.
func (r Repo) RequeueDeadJob(ctx context.Context, jobID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status='pending', attempt=0, run_at=?, last_error='', updated_at=?, completed_at=NULL
WHERE id=? AND status='dead'`, now, now, jobID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) InsertJobAttemptTx(ctx context.Context, tx *sql.Tx, a domain.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO job_attempts(job_id,attempt,outcome,error,started_at,duration_ms) VALUES (?,?,?,?,?,?)`,
		a.JobID, a.Attempt, a.Outcome, nullable(a.Error), a.StartedAt, a.DurationMS)
	return err
}

func (r Repo) ListJobAttempts(ctx context.Context, jobID string) ([]domain.JobAttempt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,attempt,outcome,COALESCE(error,''),started_at,duration_ms FROM job_attempts WHERE job_id=? ORDER BY attempt ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobAttempt
	for rows.Next() {
		var a domain.JobAttempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.Outcome, &a.Error, &a.StartedAt, &a.DurationMS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertDeadLetterTx(ctx context.Context, tx *sql.Tx, d domain.DeadLetter) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dead_letters(job_id,job_type,payload_json,reason,attempts,created_at) VALUES (?,?,?,?,?,?)`,
		d.JobID, d.JobType, d.PayloadJSON, d.Reason, d.Attempts, d.CreatedAt)
	return err
}

func (r Repo) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,job_id,job_type,payload_json,reason,attempts,created_at FROM dead_letters ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.JobType, &d.PayloadJSON, &d.Reason, &d.Attempts, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

type JobFilters struct {
	Status string
	Type   string
	Limit  int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
