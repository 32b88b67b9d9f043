package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateSession inserts a new session row. CreatedAt/UpdatedAt are
// stamped here when unset.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}

	query := s.rebind(`
		INSERT INTO sessions (id, created_at, updated_at, status, workflow_name,
			initial_prompt, working_directory, config_snapshot, display_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, sess.Status, sess.WorkflowName,
		sess.InitialPrompt, sess.WorkingDirectory, sess.ConfigSnapshot, sess.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &sess, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns sessions matching the filter, newest activity
// first.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT * FROM sessions`
	args := make([]interface{}, 0, len(filter.Statuses)+1)

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	sessions := []*Session{}
	if err := s.db.SelectContext(ctx, &sessions, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionStatus transitions a session's lifecycle state. The
// guard rejects transitions out of a terminal state so a completed or
// failed session can never be revived.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid session status %q", status)
	}

	query := s.rebind(`
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		status, time.Now().UTC(), id, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		current, getErr := s.GetSession(ctx, id)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("cannot transition session %s from %s to %s: %w",
			id, current.Status, status, ErrTerminalState)
	}
	return nil
}

// TouchSession bumps updated_at on a non-terminal session. Used as a
// liveness heartbeat during long runs.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	query := s.rebind(`
		UPDATE sessions SET updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`)
	res, err := s.db.ExecContext(ctx, query,
		time.Now().UTC(), id, StatusCompleted, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// Terminal sessions ignore heartbeats; only a missing row is an error.
		if _, getErr := s.GetSession(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// DeleteSession removes a session and, via cascade, all of its owned
// messages, tool invocations and workflow state.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM sessions WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}
