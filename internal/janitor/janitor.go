// Package janitor runs background housekeeping while workflows are in
// flight: heartbeats for the tracked session so stale detection can
// tell a live run from a dead one, and periodic sweeps that force-fail
// sessions abandoned past the staleness threshold.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/recovery"
	"github.com/conveyordev/conveyor/internal/session"
)

const defaultHeartbeatSeconds = 30

// cleanupSchedule is how often the stale sweep runs. Staleness is
// measured in hours, so an hourly sweep is tight enough.
const cleanupSchedule = "@every 1h"

// Janitor owns the cron entries for heartbeats and stale cleanup.
type Janitor struct {
	sessions   *session.Manager
	recovery   *recovery.Manager
	staleAfter time.Duration
	heartbeat  time.Duration
	logger     *zap.Logger

	cron *cron.Cron

	mu      sync.Mutex
	tracked *session.Context
}

// New creates a janitor from the session configuration. It does not
// start any timers until Start.
func New(sessions *session.Manager, rec *recovery.Manager, cfg config.SessionConfig, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	seconds := cfg.HeartbeatSeconds
	if seconds <= 0 {
		seconds = defaultHeartbeatSeconds
	}
	return &Janitor{
		sessions:   sessions,
		recovery:   rec,
		staleAfter: cfg.StaleAfter(),
		heartbeat:  time.Duration(seconds) * time.Second,
		logger:     logger,
		cron:       cron.New(),
	}
}

// Track points the heartbeat at a session. Passing nil stops
// heartbeating without stopping the cron.
func (j *Janitor) Track(sc *session.Context) {
	j.mu.Lock()
	j.tracked = sc
	j.mu.Unlock()
}

// Start registers the cron entries and starts the ticker.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(fmt.Sprintf("@every %ds", int(j.heartbeat.Seconds())), j.runHeartbeat); err != nil {
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}
	if _, err := j.cron.AddFunc(cleanupSchedule, j.runCleanup); err != nil {
		return fmt.Errorf("failed to schedule stale cleanup: %w", err)
	}
	j.cron.Start()
	j.logger.Info("Janitor started",
		zap.Duration("heartbeat", j.heartbeat),
		zap.Duration("stale_after", j.staleAfter),
	)
	return nil
}

// Stop halts the cron ticker and waits for running jobs to return.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Janitor stopped")
}

func (j *Janitor) runHeartbeat() {
	j.mu.Lock()
	sc := j.tracked
	j.mu.Unlock()
	if sc == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.sessions.Heartbeat(ctx, sc); err != nil {
		j.logger.Warn("Heartbeat failed",
			zap.String("session_id", sc.ID), zap.Error(err))
	}
}

func (j *Janitor) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed, err := j.recovery.CleanupStale(ctx, j.staleAfter)
	if err != nil {
		j.logger.Warn("Stale cleanup sweep failed", zap.Error(err))
		return
	}
	if len(failed) > 0 {
		j.logger.Info("Stale sessions cleaned up", zap.Strings("session_ids", failed))
	}
}
