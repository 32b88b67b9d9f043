package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ReloadHandler is called with the new configuration after a
// successful hot-reload.
type ReloadHandler func(*Config)

// Manager holds the live configuration and hot-reloads it when the
// backing file changes. A reload that fails to parse or validate
// keeps the previous configuration in place.
type Manager struct {
	path     string
	current  *Config
	handlers []ReloadHandler
	watcher  *fsnotify.Watcher
	started  bool
	stopCh   chan struct{}
	logger   *zap.Logger
	mu       sync.RWMutex
	eventMu  sync.Mutex

	// Polling fallback for filesystems where fsnotify is unreliable.
	pollInterval  time.Duration
	enablePolling bool
}

// NewManager loads the configuration from path and prepares a watcher
// on it.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Manager{
		path:         path,
		current:      cfg,
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		logger:       logger,
		pollInterval: 10 * time.Second,
	}, nil
}

// Current returns the live configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RegisterHandler registers a callback invoked after each successful
// reload.
func (m *Manager) RegisterHandler(handler ReloadHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// EnablePolling enables a modtime polling fallback alongside fsnotify.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enablePolling = true
	m.pollInterval = interval
}

// Start begins watching the config file for changes. The watch runs
// until Stop; ctx bounds only the startup work.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	polling := m.enablePolling
	m.mu.Unlock()

	// Watch the directory, not the file: editors replace files via
	// rename, which drops a direct file watch.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.logger.Info("Configuration manager started",
		zap.String("path", m.path),
		zap.Bool("polling_enabled", polling),
	)
	return nil
}

// Stop stops watching for configuration changes.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
	m.logger.Info("Configuration manager stopped")
	return nil
}

// Replace swaps in a configuration programmatically and notifies
// handlers. Useful for tests.
func (m *Manager) Replace(cfg *Config) {
	m.mu.Lock()
	m.current = cfg
	handlers := make([]ReloadHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, handler := range handlers {
		handler(cfg)
	}
}

// watchLoop handles file system events until Stop.
func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// pollLoop reloads on modtime changes as a fallback.
func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	if info, err := os.Stat(m.path); err == nil {
		lastMod = info.ModTime()
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(m.path)
			if err != nil {
				continue
			}
			if info.ModTime().After(lastMod) {
				lastMod = info.ModTime()
				m.reload("polling_detected")
			}
		}
	}
}

// handleWatchEvent reloads when the watched config file changes.
func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()

	if filepath.Base(event.Name) != filepath.Base(m.path) {
		return
	}

	switch {
	case event.Op&fsnotify.Chmod == fsnotify.Chmod:
		return
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		// Keep the last good configuration; the file may reappear.
		m.logger.Warn("Config file removed, keeping current configuration",
			zap.String("path", m.path))
		return
	}

	// Small delay to handle rapid successive writes.
	time.Sleep(50 * time.Millisecond)
	m.reload(event.Op.String())
}

// reload re-reads the config file and swaps it in when valid.
func (m *Manager) reload(action string) {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("Config reload failed, keeping current configuration",
			zap.String("path", m.path),
			zap.String("action", action),
			zap.Error(err),
		)
		return
	}

	m.mu.Lock()
	m.current = cfg
	handlers := make([]ReloadHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	// Notify without holding the lock; a handler may call Current.
	for _, handler := range handlers {
		handler(cfg)
	}

	m.logger.Info("Configuration reloaded",
		zap.String("path", m.path),
		zap.String("action", action),
	)
}
