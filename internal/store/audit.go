package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AppendMessage inserts a conversation record and bumps the owning
// session's activity time.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO messages (session_id, timestamp, role, content, step_index, task_id)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		m.SessionID, m.Timestamp, m.Role, m.Content, m.StepIndex, m.TaskID); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	s.bumpActivity(ctx, m.SessionID)
	return nil
}

// ListMessages returns a session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `SELECT * FROM messages WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	messages := []*Message{}
	if err := s.db.SelectContext(ctx, &messages, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// AppendToolInvocation inserts a dispatch audit record and bumps the
// owning session's activity time.
func (s *Store) AppendToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO tool_invocations (session_id, timestamp, tool_type, tool_name,
			arguments, result, success, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		inv.SessionID, inv.Timestamp, inv.ToolType, inv.ToolName,
		inv.Arguments, inv.Result, inv.Success, inv.DurationMs); err != nil {
		return fmt.Errorf("failed to append tool invocation: %w", err)
	}

	s.bumpActivity(ctx, inv.SessionID)
	return nil
}

// ListToolInvocations returns a session's dispatch audit records in
// append order.
func (s *Store) ListToolInvocations(ctx context.Context, sessionID string, limit int) ([]*ToolInvocation, error) {
	query := `SELECT * FROM tool_invocations WHERE session_id = ? ORDER BY timestamp ASC, id ASC`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	invocations := []*ToolInvocation{}
	if err := s.db.SelectContext(ctx, &invocations, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tool invocations: %w", err)
	}
	return invocations, nil
}

// bumpActivity refreshes updated_at so stale-session detection and
// list ordering track real activity. Best effort.
func (s *Store) bumpActivity(ctx context.Context, sessionID string) {
	query := s.rebind(`
		UPDATE sessions SET updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), sessionID, StatusCompleted, StatusFailed); err != nil {
		s.logger.Warn("Failed to bump session activity",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}
