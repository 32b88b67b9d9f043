package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/recovery"
	"github.com/conveyordev/conveyor/internal/session"
	"github.com/conveyordev/conveyor/internal/store"
)

func setup(t *testing.T) (*Janitor, *session.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.Open(&store.Config{Driver: "sqlite3", Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sessions := session.NewManager(st, logger)
	rec := recovery.NewManager(sessions, logger)
	j := New(sessions, rec, config.SessionConfig{StaleHours: 24, HeartbeatSeconds: 30}, logger)
	return j, sessions
}

func TestHeartbeatTouchesTrackedSession(t *testing.T) {
	j, sessions := setup(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)

	before, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	j.Track(sc)
	j.runHeartbeat()

	after, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt),
		"heartbeat should bump updated_at")
}

func TestHeartbeatWithoutTrackedSession(t *testing.T) {
	j, _ := setup(t)
	j.runHeartbeat()

	j.Track(nil)
	j.runHeartbeat()
}

func TestCleanupFailsStaleInterruptedSessions(t *testing.T) {
	j, sessions := setup(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, sc))

	// Shrink the threshold so the just-interrupted session counts as
	// stale after a short wait.
	j.staleAfter = time.Millisecond
	time.Sleep(10 * time.Millisecond)
	j.runCleanup()

	sess, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, sess.Status)
}

func TestCleanupLeavesFreshSessionsAlone(t *testing.T) {
	j, sessions := setup(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)
	require.NoError(t, sessions.Interrupt(ctx, sc))

	j.runCleanup()

	sess, err := sessions.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInterrupted, sess.Status)
}

func TestStartStop(t *testing.T) {
	j, sessions := setup(t)
	ctx := context.Background()

	sc, err := sessions.Create(ctx, session.CreateParams{InitialPrompt: "build"})
	require.NoError(t, err)
	j.Track(sc)

	require.NoError(t, j.Start())
	j.Stop()
}
