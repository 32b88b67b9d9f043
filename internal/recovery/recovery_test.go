package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

func newTestRecovery(t *testing.T) (*Manager, *session.Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(&store.Config{Driver: "sqlite3", Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	sessions := session.NewManager(st, zaptest.NewLogger(t))
	return NewManager(sessions, zaptest.NewLogger(t)), sessions, st
}

func TestListRecoverable(t *testing.T) {
	rec, sessions, _ := newTestRecovery(t)
	ctx := context.Background()

	active, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "still running"})
	require.NoError(t, err)

	interrupted, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "paused"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, interrupted))

	completed, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "done"})
	require.NoError(t, err)
	require.NoError(t, sessions.Complete(ctx, completed))

	failed, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "broken"})
	require.NoError(t, err)
	require.NoError(t, sessions.Fail(ctx, failed, "boom"))

	recoverable, err := rec.ListRecoverable(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(recoverable))
	for _, sess := range recoverable {
		ids = append(ids, sess.ID)
	}
	assert.ElementsMatch(t, []string{active.ID, interrupted.ID}, ids)
}

func TestPrepareResumeWithCheckpoint(t *testing.T) {
	rec, sessions, _ := newTestRecovery(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{
		InitialPrompt:    "build the thing",
		WorkingDirectory: "/tmp/project",
		WorkflowName:     "build",
		ConfigSnapshot:   store.JSONB{"workflow": "build"},
	})
	require.NoError(t, err)

	require.NoError(t, sessions.SaveWorkflowState(ctx, sc, &store.WorkflowStateRecord{
		CurrentStep: 2,
		StepResults: []byte(`[{"step_index":0}]`),
		Plan:        []byte(`{"tasks":[]}`),
		Outputs:     []byte(`{"plan.json":"raw"}`),
	}))
	require.NoError(t, sessions.Interrupt(ctx, sc))

	params, handle, err := rec.PrepareResume(ctx, sc.ID)
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, sc.ID, handle.ID)

	assert.Equal(t, sc.ID, params.SessionID)
	assert.Equal(t, "build", params.WorkflowName)
	assert.Equal(t, "build the thing", params.InitialPrompt)
	assert.Equal(t, "/tmp/project", params.WorkingDirectory)
	assert.Equal(t, 2, params.ResumeFromStep)
	assert.JSONEq(t, `{"plan.json":"raw"}`, string(params.Outputs))
	assert.NotEmpty(t, params.Plan)
	assert.NotEmpty(t, params.StepResults)

	sess, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, sess.Status)
}

func TestPrepareResumeWithoutCheckpoint(t *testing.T) {
	rec, sessions, _ := newTestRecovery(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, sc))

	params, _, err := rec.PrepareResume(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, params.ResumeFromStep)
	assert.Nil(t, params.Plan)
	assert.Nil(t, params.Outputs)
	assert.Nil(t, params.StepResults)
}

func TestPrepareResumeRejectsTerminalSession(t *testing.T) {
	rec, sessions, _ := newTestRecovery(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)
	require.NoError(t, sessions.Complete(ctx, sc))

	_, _, err = rec.PrepareResume(ctx, sc.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTerminalState)
}

func TestPrepareResumeUnknownSession(t *testing.T) {
	rec, _, _ := newTestRecovery(t)

	_, _, err := rec.PrepareResume(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestCleanupStaleFailsOldInterruptedSessions(t *testing.T) {
	rec, sessions, st := newTestRecovery(t)
	ctx := context.Background()

	stale, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "old"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, stale))

	time.Sleep(100 * time.Millisecond)

	fresh, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "recent"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, fresh))

	running, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "live"})
	require.NoError(t, err)

	failed, err := rec.CleanupStale(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, failed)

	sess, err := sessions.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, sess.Status)

	msgs, err := st.ListMessages(ctx, stale.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "Session failed: stale after")

	sess, err = sessions.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInterrupted, sess.Status)

	sess, err = sessions.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, sess.Status)
}

func TestCleanupStaleDefaultThreshold(t *testing.T) {
	rec, sessions, _ := newTestRecovery(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "paused"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, sc))

	failed, err := rec.CleanupStale(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, failed)

	sess, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInterrupted, sess.Status)
}
