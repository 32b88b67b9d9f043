package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/conveyordev/conveyor/internal/plan"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

// runState is the mutable state of one workflow execution.
type runState struct {
	sc      *session.Context
	stream  string
	plan    *plan.Plan
	outputs map[string]string
	results []StepResult
}

// sessionID identifies the run in logs and events. It is the session
// id when persistence is on and a throwaway id otherwise.
func (r *runState) sessionID() string { return r.stream }

// newRun prepares execution state: checkpointed plan and outputs are
// restored on resume, and a fresh session is created when persistence
// is enabled and no handle was supplied.
func (e *Engine) newRun(ctx context.Context, req RunRequest, cwd string) (*runState, error) {
	run := &runState{outputs: make(map[string]string)}

	if len(req.PlanJSON) > 0 {
		p, err := plan.FromJSON(req.PlanJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to restore plan from checkpoint: %w", err)
		}
		run.plan = p
	}
	if len(req.OutputsJSON) > 0 {
		if err := json.Unmarshal(req.OutputsJSON, &run.outputs); err != nil {
			return nil, fmt.Errorf("failed to restore outputs from checkpoint: %w", err)
		}
	}
	run.outputs["initial_prompt"] = req.InitialPrompt

	switch {
	case req.DryRun:
		// Dry runs never persist.
	case req.Session != nil:
		run.sc = req.Session
	case e.sessions != nil && e.cfg.Session.Enabled:
		snapshot, err := e.cfg.Snapshot()
		if err != nil {
			return nil, err
		}
		sc, err := e.sessions.Create(ctx, session.CreateParams{
			InitialPrompt:    req.InitialPrompt,
			WorkingDirectory: cwd,
			WorkflowName:     e.cfg.Workflow.Name,
			ConfigSnapshot:   store.JSONB(snapshot),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		run.sc = sc
	}

	if run.sc != nil {
		run.stream = run.sc.ID
	} else {
		run.stream = uuid.New().String()
	}
	return run, nil
}

// checkpoint persists the run state keyed by the step just executed.
// Resume restarts at the saved step, so a crash between checkpoint
// and the next step re-runs at most one step.
func (e *Engine) checkpoint(ctx context.Context, run *runState, current int) error {
	if run.sc == nil {
		return nil
	}

	stepResults, err := json.Marshal(run.results)
	if err != nil {
		return fmt.Errorf("failed to encode step results: %w", err)
	}
	outputs, err := json.Marshal(run.outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}

	record := &store.WorkflowStateRecord{
		CurrentStep: current,
		StepResults: stepResults,
		Outputs:     outputs,
	}
	if run.plan != nil {
		planJSON, err := run.plan.JSON()
		if err != nil {
			return fmt.Errorf("failed to encode plan: %w", err)
		}
		record.Plan = planJSON
	}

	return e.sessions.SaveWorkflowState(ctx, run.sc, record)
}
