// Package recovery finds sessions that stopped without reaching a
// terminal state and stages their re-entry into the workflow engine.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

// DefaultStaleAfter is how long an interrupted session may sit idle
// before cleanup force-fails it.
const DefaultStaleAfter = 24 * time.Hour

// ResumeParams carries everything a fresh engine instance needs to
// continue a recovered session. StepResults, Plan and Outputs are the
// raw checkpoint payloads; the engine decodes them.
type ResumeParams struct {
	SessionID        string
	WorkflowName     string
	InitialPrompt    string
	WorkingDirectory string
	ConfigSnapshot   store.JSONB
	ResumeFromStep   int
	StepResults      []byte
	Plan             []byte
	Outputs          []byte
}

// Manager inspects persisted sessions and prepares resumption.
type Manager struct {
	sessions *session.Manager
	logger   *zap.Logger
}

// NewManager creates a recovery manager.
func NewManager(sessions *session.Manager, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{sessions: sessions, logger: logger}
}

// ListRecoverable returns sessions that can be resumed, newest activity
// first. Both interrupted and active sessions qualify: an active
// session whose process is gone never wrote a terminal status, and
// that absence is the crash signal.
func (m *Manager) ListRecoverable(ctx context.Context) ([]*store.Session, error) {
	return m.sessions.List(ctx, store.SessionFilter{
		Statuses: []store.Status{store.StatusActive, store.StatusInterrupted},
	})
}

// PrepareResume reactivates a session and reconstructs the engine
// inputs from its last checkpoint. A session that never checkpointed
// resumes from step zero with empty state.
func (m *Manager) PrepareResume(ctx context.Context, id string) (*ResumeParams, *session.Context, error) {
	sess, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	sc, err := m.sessions.Reactivate(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	params := &ResumeParams{
		SessionID:        id,
		WorkflowName:     sc.WorkflowName,
		InitialPrompt:    sess.InitialPrompt,
		WorkingDirectory: sess.WorkingDirectory,
		ConfigSnapshot:   sess.ConfigSnapshot,
	}

	state, err := m.sessions.LoadWorkflowState(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load checkpoint for session %s: %w", id, err)
	}
	if state != nil {
		params.ResumeFromStep = state.CurrentStep
		params.StepResults = state.StepResults
		params.Plan = state.Plan
		params.Outputs = state.Outputs
	}

	m.logger.Info("Prepared session resume",
		zap.String("session_id", id),
		zap.Int("resume_from_step", params.ResumeFromStep),
		zap.Bool("has_checkpoint", state != nil),
	)
	return params, sc, nil
}

// CleanupStale force-fails interrupted sessions whose last activity is
// older than the threshold. Returns the ids that were failed.
func (m *Manager) CleanupStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	interrupted, err := m.sessions.List(ctx, store.SessionFilter{
		Statuses: []store.Status{store.StatusInterrupted},
	})
	if err != nil {
		return nil, err
	}

	var failed []string
	for _, sess := range interrupted {
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		age := time.Since(sess.UpdatedAt).Round(time.Minute)
		reason := fmt.Sprintf("stale after %s of inactivity", age)
		sc := &session.Context{ID: sess.ID}
		if err := m.sessions.Fail(ctx, sc, reason); err != nil {
			m.logger.Warn("Failed to clean up stale session",
				zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		failed = append(failed, sess.ID)
	}

	if len(failed) > 0 {
		m.logger.Info("Cleaned up stale sessions",
			zap.Int("count", len(failed)),
			zap.Duration("older_than", olderThan),
		)
	}
	return failed, nil
}
