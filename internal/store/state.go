package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SaveWorkflowState upserts the checkpoint row for a session and bumps
// the session's activity time in the same transaction. This is the
// crash-recovery primitive: callers must treat an error as fatal to
// the run.
func (s *Store) SaveWorkflowState(ctx context.Context, state *WorkflowStateRecord) error {
	state.UpdatedAt = time.Now().UTC()

	return s.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		upsert := s.rebind(`
			INSERT INTO workflow_states (session_id, current_step, step_results, plan, outputs, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				current_step = excluded.current_step,
				step_results = excluded.step_results,
				plan = excluded.plan,
				outputs = excluded.outputs,
				updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, upsert,
			state.SessionID, state.CurrentStep, state.StepResults,
			state.Plan, state.Outputs, state.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save workflow state: %w", err)
		}

		touch := s.rebind(`
			UPDATE sessions SET updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`)
		if _, err := tx.ExecContext(ctx, touch,
			state.UpdatedAt, state.SessionID, StatusCompleted, StatusFailed); err != nil {
			return fmt.Errorf("failed to touch session on checkpoint: %w", err)
		}
		return nil
	})
}

// LoadWorkflowState fetches the checkpoint row for a session. Returns
// (nil, nil) when the session has never checkpointed.
func (s *Store) LoadWorkflowState(ctx context.Context, sessionID string) (*WorkflowStateRecord, error) {
	var state WorkflowStateRecord
	query := s.rebind(`SELECT * FROM workflow_states WHERE session_id = ?`)
	if err := s.db.GetContext(ctx, &state, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load workflow state: %w", err)
	}
	return &state, nil
}
