package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

const workflowColumns = `id,entity_key,status,COALESCE(step,''),COALESCE(state_json,''),started_at,updated_at,finished_at`

// InsertWorkflowTx inserts a new instance iff no running instance exists for
// the key. The guard and the insert share one statement so concurrent starts
// serialize on the database write lock.
func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowInstance) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO workflow_instances(id,entity_key,status,step,state_json,started_at,updated_at)
SELECT ?,?,?,?,?,?,? WHERE NOT EXISTS (SELECT 1 FROM workflow_instances WHERE entity_key=? AND status='running')`,
		w.ID, w.EntityKey, w.Status, nullable(w.Step), nullable(w.StateJSON), w.StartedAt, w.UpdatedAt, w.EntityKey)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_instances WHERE id=?`, id).Scan)
}

// LatestWorkflowByKey returns the most recent instance for an entity key.
func (r Repo) LatestWorkflowByKey(ctx context.Context, entityKey string) (domain.WorkflowInstance, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_instances WHERE entity_key=? ORDER BY started_at DESC, id DESC LIMIT 1`, entityKey).Scan)
}

// RunningWorkflowByKey returns the running instance for a key, if any.
func (r Repo) RunningWorkflowByKey(ctx context.Context, entityKey string) (domain.WorkflowInstance, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflow_instances WHERE entity_key=? AND status='running' LIMIT 1`, entityKey).Scan)
}

func scanWorkflow(scan func(...any) error) (domain.WorkflowInstance, error) {
	var w domain.WorkflowInstance
	var finished sql.NullString
	err := scan(&w.ID, &w.EntityKey, &w.Status, &w.Step, &w.StateJSON, &w.StartedAt, &w.UpdatedAt, &finished)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if finished.Valid {
		w.FinishedAt = &finished.String
	}
	return w, nil
}

// UpdateWorkflowPhase updates the status string and current step, guarded by
// the running state.
func (r Repo) UpdateWorkflowPhase(ctx context.Context, id, status, step, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET status=?, step=?, updated_at=? WHERE id=? AND status NOT IN ('done','failed')`,
		status, nullable(step), now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FinishWorkflow records the terminal status and releases the key.
func (r Repo) FinishWorkflow(ctx context.Context, id, status, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET status=?, step=NULL, updated_at=?, finished_at=? WHERE id=?`,
		status, now, now, id)
	return err
}

func (r Repo) UpdateWorkflowState(ctx context.Context, id, stateJSON, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE workflow_instances SET state_json=?, updated_at=? WHERE id=?`, stateJSON, now, id)
	return err
}

func (r Repo) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_checkpoints(instance_id,step,result_json,completed_at) VALUES (?,?,?,?)
ON CONFLICT(instance_id,step) DO NOTHING`, c.InstanceID, c.Step, nullable(c.ResultJSON), c.CompletedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, instanceID, step string) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var result sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT instance_id,step,result_json,completed_at FROM workflow_checkpoints WHERE instance_id=? AND step=?`,
		instanceID, step).Scan(&c.InstanceID, &c.Step, &result, &c.CompletedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if result.Valid {
		c.ResultJSON = result.String
	}
	return c, nil
}

func (r Repo) ListCheckpoints(ctx context.Context, instanceID string) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT instance_id,step,result_json,completed_at FROM workflow_checkpoints WHERE instance_id=? ORDER BY completed_at ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		var result sql.NullString
		if err := rows.Scan(&c.InstanceID, &c.Step, &result, &c.CompletedAt); err != nil {
			return nil, err
		}
		if result.Valid {
			c.ResultJSON = result.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
