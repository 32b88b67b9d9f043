// Package session provides lifecycle management over the durable
// session records: creation, status transitions, audit appends and
// workflow-state checkpointing.
//
// Every operation takes an explicit *Context handle identifying the
// session it acts on. There is no process-wide "current session", so
// independent engine instances can run side by side against different
// sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/metrics"
	"github.com/conveyordev/conveyor/internal/store"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content limits applied to audit messages. Agent transcripts can be
// enormous; the audit trail keeps heads, not full bodies.
const (
	maxUserContentLen      = 1000
	maxAssistantContentLen = 5000
	truncationMarker       = "... (truncated)"
)

// ErrNoSession is returned when an operation requiring a session handle
// receives a nil Context.
var ErrNoSession = errors.New("no session context")

// Context is an explicit handle to one session. Callers thread it
// through manager calls instead of relying on hidden instance state.
type Context struct {
	ID           string
	WorkflowName string
}

// CreateParams carries the inputs for a new session.
type CreateParams struct {
	InitialPrompt    string
	WorkingDirectory string
	WorkflowName     string
	ConfigSnapshot   store.JSONB
	DisplayName      string
}

// Manager provides session lifecycle operations over the store.
type Manager struct {
	store  *store.Store
	logger *zap.Logger
}

// NewManager creates a session manager.
func NewManager(st *store.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, logger: logger}
}

// Create allocates a new active session and returns its handle.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Context, error) {
	id := uuid.New().String()

	displayName := params.DisplayName
	if displayName == "" {
		displayName = deriveDisplayName(params.InitialPrompt)
	}

	sess := &store.Session{
		ID:               id,
		Status:           store.StatusActive,
		InitialPrompt:    params.InitialPrompt,
		WorkingDirectory: params.WorkingDirectory,
		ConfigSnapshot:   params.ConfigSnapshot,
	}
	if params.WorkflowName != "" {
		sess.WorkflowName = &params.WorkflowName
	}
	if displayName != "" {
		sess.DisplayName = &displayName
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("display_name", displayName),
		zap.String("workflow", params.WorkflowName),
	)

	return &Context{ID: id, WorkflowName: params.WorkflowName}, nil
}

// Get loads a session record by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns sessions matching the filter, newest activity first.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*store.Session, error) {
	return m.store.ListSessions(ctx, filter)
}

// Delete removes a session and everything it owns.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.DeleteSession(ctx, id)
}

// Complete marks a session as successfully finished.
func (m *Manager) Complete(ctx context.Context, sc *Context) error {
	if sc == nil {
		return ErrNoSession
	}
	if err := m.store.UpdateSessionStatus(ctx, sc.ID, store.StatusCompleted); err != nil {
		return err
	}
	metrics.SessionsActive.Dec()
	m.logger.Info("Session completed", zap.String("session_id", sc.ID))
	return nil
}

// Fail marks a session as failed and records the reason as a system
// message.
func (m *Manager) Fail(ctx context.Context, sc *Context, reason string) error {
	if sc == nil {
		return ErrNoSession
	}
	// Stale-cleanup fails sessions that already left the active gauge
	// when they were interrupted.
	prior, err := m.store.GetSession(ctx, sc.ID)
	if err != nil {
		return err
	}
	if err := m.store.UpdateSessionStatus(ctx, sc.ID, store.StatusFailed); err != nil {
		return err
	}
	if prior.Status == store.StatusActive {
		metrics.SessionsActive.Dec()
	}

	msg := &store.Message{
		SessionID: sc.ID,
		Role:      RoleSystem,
		Content:   "Session failed: " + reason,
	}
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		m.logger.Warn("Failed to record failure reason",
			zap.String("session_id", sc.ID), zap.Error(err))
	}

	m.logger.Info("Session failed",
		zap.String("session_id", sc.ID),
		zap.String("reason", reason),
	)
	return nil
}

// Interrupt marks a session as safely resumable. Used ahead of an
// expected shutdown, or post hoc by an operator on a crashed run.
func (m *Manager) Interrupt(ctx context.Context, sc *Context) error {
	if sc == nil {
		return ErrNoSession
	}
	if err := m.store.UpdateSessionStatus(ctx, sc.ID, store.StatusInterrupted); err != nil {
		return err
	}
	metrics.SessionsActive.Dec()
	m.logger.Info("Session interrupted", zap.String("session_id", sc.ID))
	return nil
}

// Reactivate flips an interrupted (or still-active) session back to
// active for resumption and returns a fresh handle. Terminal sessions
// are rejected.
func (m *Manager) Reactivate(ctx context.Context, id string) (*Context, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("cannot resume session %s in status %s: %w",
			id, sess.Status, store.ErrTerminalState)
	}

	if sess.Status != store.StatusActive {
		if err := m.store.UpdateSessionStatus(ctx, id, store.StatusActive); err != nil {
			return nil, err
		}
		metrics.SessionsActive.Inc()
	}
	metrics.SessionsRecovered.Inc()

	workflowName := ""
	if sess.WorkflowName != nil {
		workflowName = *sess.WorkflowName
	}
	m.logger.Info("Session reactivated",
		zap.String("session_id", id),
		zap.String("previous_status", string(sess.Status)),
	)
	return &Context{ID: id, WorkflowName: workflowName}, nil
}

// Heartbeat bumps the session's activity time so stale detection can
// tell a live run from a dead one.
func (m *Manager) Heartbeat(ctx context.Context, sc *Context) error {
	if sc == nil {
		return ErrNoSession
	}
	return m.store.TouchSession(ctx, sc.ID)
}

// AppendMessage records a conversation message on the async audit
// path. A nil session context is a no-op so callers running without
// persistence need no guards.
func (m *Manager) AppendMessage(sc *Context, role, content string, stepIndex *int, taskID *string) {
	if sc == nil {
		return
	}

	switch role {
	case RoleUser:
		content = truncate(content, maxUserContentLen)
	case RoleAssistant:
		content = truncate(content, maxAssistantContentLen)
	}

	m.store.QueueWrite(store.WriteMessage, &store.Message{
		SessionID: sc.ID,
		Timestamp: time.Now().UTC(),
		Role:      role,
		Content:   content,
		StepIndex: stepIndex,
		TaskID:    taskID,
	}, nil)
}

// AppendToolInvocation records a dispatch audit row on the async audit
// path. A nil session context is a no-op.
func (m *Manager) AppendToolInvocation(sc *Context, inv *store.ToolInvocation) {
	if sc == nil || inv == nil {
		return
	}
	inv.SessionID = sc.ID
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}
	m.store.QueueWrite(store.WriteToolInvocation, inv, nil)
}

// SaveWorkflowState writes the checkpoint row synchronously. Errors
// must propagate: a run that cannot checkpoint cannot guarantee
// recovery and has to stop.
func (m *Manager) SaveWorkflowState(ctx context.Context, sc *Context, record *store.WorkflowStateRecord) error {
	if sc == nil {
		return ErrNoSession
	}
	record.SessionID = sc.ID

	start := time.Now()
	err := m.store.SaveWorkflowState(ctx, record)
	if err != nil {
		metrics.RecordCheckpoint("error", time.Since(start).Seconds())
		return fmt.Errorf("failed to checkpoint workflow state: %w", err)
	}
	metrics.RecordCheckpoint("ok", time.Since(start).Seconds())
	return nil
}

// LoadWorkflowState fetches the checkpoint row for a session, or
// (nil, nil) when none has been written.
func (m *Manager) LoadWorkflowState(ctx context.Context, id string) (*store.WorkflowStateRecord, error) {
	return m.store.LoadWorkflowState(ctx, id)
}

// truncate caps s at max runes, marking the cut.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncationMarker
}
