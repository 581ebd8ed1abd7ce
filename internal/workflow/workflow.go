// Package workflow coordinates multi-step runs keyed by a business entity.
// At most one run per key executes at a time; completed steps checkpoint
// durably so a resumed run replays results instead of redoing work.
package workflow

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
	"stageline/internal/repo"
)

// ErrAlreadyRunning is returned by Start when a run for the key is active.
var ErrAlreadyRunning = errors.New("workflow already running for key")

// Step is one named unit of a workflow. Its result is checkpointed after it
// returns, so it must be safe to re-run if the process dies first.
type Step struct {
	Name string
	Run  func(ctx context.Context, run *Run) (any, error)
}

// Run is the execution context handed to steps.
type Run struct {
	Instance domain.WorkflowInstance
	results  map[string]json.RawMessage
}

// Result decodes a prior step's checkpointed result.
func (r *Run) Result(step string, out any) error {
	raw, ok := r.results[step]
	if !ok {
		return fmt.Errorf("no result for step %q", step)
	}
	return json.Unmarshal(raw, out)
}

// State decodes the run's initial state.
func (r *Run) State(out any) error {
	if r.Instance.StateJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(r.Instance.StateJSON), out)
}

type Coordinator struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
	steps  []Step
}

func New(conn *sql.DB, cfg *config.Config, steps []Step, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
		Now:    time.Now,
		Log:    log,
		steps:  steps,
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Start creates a run for the key. The insert is conditional on no running
// instance existing for the same key, so two racing starts cannot both win.
func (c *Coordinator) Start(ctx context.Context, entityKey string, state any) (domain.WorkflowInstance, error) {
	stateJSON := ""
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return domain.WorkflowInstance{}, fmt.Errorf("marshal state: %w", err)
		}
		stateJSON = string(b)
	}
	now := c.now().UTC().Format(time.RFC3339)
	inst := domain.WorkflowInstance{
		ID:        uuid.New().String(),
		EntityKey: entityKey,
		Status:    "running",
		StateJSON: stateJSON,
		StartedAt: now,
		UpdatedAt: now,
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()

	inserted, err := c.Repo.InsertWorkflowTx(ctx, tx, inst)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if !inserted {
		return domain.WorkflowInstance{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, entityKey)
	}
	if err := c.Events.Append(ctx, tx, "workflow.started", "workflow", inst.ID, "workflow", events.EventPayload{
		"entity_key": entityKey,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return inst, nil
}

// Execute runs the instance's steps in order. Steps with an existing
// checkpoint are replayed from their stored result; the rest run under the
// configured per-step timeout. The first failing step fails the run.
func (c *Coordinator) Execute(ctx context.Context, instanceID string) error {
	inst, err := c.Repo.GetWorkflow(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != "running" {
		return fmt.Errorf("workflow %s is %s, not running", instanceID, inst.Status)
	}

	run := &Run{Instance: inst, results: map[string]json.RawMessage{}}
	checkpoints, err := c.Repo.ListCheckpoints(ctx, instanceID)
	if err != nil {
		return err
	}
	done := map[string]bool{}
	for _, cp := range checkpoints {
		done[cp.Step] = true
		run.results[cp.Step] = json.RawMessage(cp.ResultJSON)
	}

	for _, step := range c.steps {
		if done[step.Name] {
			c.Log.Debug("replaying checkpointed step",
				zap.String("workflow", instanceID), zap.String("step", step.Name))
			continue
		}
		now := c.now().UTC().Format(time.RFC3339)
		if _, err := c.Repo.UpdateWorkflowPhase(ctx, instanceID, "running", step.Name, now); err != nil {
			return err
		}

		stepCtx, cancel := context.WithTimeout(ctx, c.Config.StepTimeout())
		result, err := step.Run(stepCtx, run)
		cancel()
		if err != nil {
			return c.fail(ctx, instanceID, step.Name, err)
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return c.fail(ctx, instanceID, step.Name, fmt.Errorf("marshal step result: %w", err))
		}
		if err := c.checkpoint(ctx, instanceID, step.Name, string(raw)); err != nil {
			return err
		}
		run.results[step.Name] = raw
	}

	return c.finish(ctx, instanceID, "done")
}

// StartAndExecute is the common path: start a run for the key and drive it
// to completion.
func (c *Coordinator) StartAndExecute(ctx context.Context, entityKey string, state any) (domain.WorkflowInstance, error) {
	inst, err := c.Start(ctx, entityKey, state)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := c.Execute(ctx, inst.ID); err != nil {
		return inst, err
	}
	return c.Repo.GetWorkflow(ctx, inst.ID)
}

// Resume picks up the running instance for the key, if any, and drives it
// forward past its checkpointed steps.
func (c *Coordinator) Resume(ctx context.Context, entityKey string) (domain.WorkflowInstance, error) {
	inst, err := c.Repo.RunningWorkflowByKey(ctx, entityKey)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := c.Execute(ctx, inst.ID); err != nil {
		return inst, err
	}
	return c.Repo.GetWorkflow(ctx, inst.ID)
}

func (c *Coordinator) checkpoint(ctx context.Context, instanceID, step, resultJSON string) error {
	now := c.now().UTC().Format(time.RFC3339)

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertCheckpointTx(ctx, tx, domain.Checkpoint{
		InstanceID:  instanceID,
		Step:        step,
		ResultJSON:  resultJSON,
		CompletedAt: now,
	}); err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, "workflow.step_completed", "workflow", instanceID, "workflow", events.EventPayload{
		"step": step,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) finish(ctx context.Context, instanceID, status string) error {
	now := c.now().UTC().Format(time.RFC3339)
	if err := c.Repo.FinishWorkflow(ctx, instanceID, status, now); err != nil {
		return err
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Events.Append(ctx, tx, "workflow.finished", "workflow", instanceID, "workflow", events.EventPayload{
		"status": status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *Coordinator) fail(ctx context.Context, instanceID, step string, cause error) error {
	c.Log.Warn("workflow step failed",
		zap.String("workflow", instanceID), zap.String("step", step), zap.Error(cause))
	if err := c.finish(ctx, instanceID, "failed"); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("step %s: %w", step, cause)
}
