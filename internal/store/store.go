package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/metrics"
)

var (
	// ErrSessionNotFound is returned when a session id resolves to no row.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTerminalState is returned when a lifecycle transition is attempted
	// on a completed or failed session.
	ErrTerminalState = errors.New("session is in a terminal state")
)

// Config holds storage configuration.
type Config struct {
	// Driver is "sqlite3" (default) or "postgres".
	Driver string
	// Path is the SQLite database file, or ":memory:" for tests.
	Path string
	// DSN is the Postgres connection string when Driver is "postgres".
	DSN string

	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration

	// Async audit writer sizing.
	QueueSize int
	Workers   int
}

// Store manages database connections and record access. Audit rows
// (messages, tool invocations) can be queued onto an async write path;
// session lifecycle and checkpoint writes are always synchronous.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
	config *Config

	// Write queue for async audit operations
	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
	closeOnce  sync.Once
}

type writeRequest struct {
	Kind     WriteKind
	Data     interface{}
	Callback func(error)
}

// WriteKind identifies an async write payload.
type WriteKind int

const (
	WriteMessage WriteKind = iota
	WriteToolInvocation
)

// String returns the string representation of WriteKind
func (k WriteKind) String() string {
	switch k {
	case WriteMessage:
		return "message"
	case WriteToolInvocation:
		return "tool_invocation"
	default:
		return "unknown"
	}
}

// Open creates a store, runs migrations and starts the async writers.
func Open(config *Config, logger *zap.Logger) (*Store, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Driver == "" {
		config.Driver = "sqlite3"
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 10
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 2
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.QueueSize == 0 {
		config.QueueSize = 256
	}
	if config.Workers == 0 {
		config.Workers = 2
	}

	dsn, err := buildDSN(config)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(config.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// In-memory SQLite keeps one connection so every query sees the
	// same database.
	if config.Driver == "sqlite3" && strings.Contains(config.Path, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxConnections)
		db.SetMaxIdleConns(config.IdleConnections)
		db.SetConnMaxLifetime(config.MaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:         db,
		driver:     config.Driver,
		logger:     logger,
		config:     config,
		writeQueue: make(chan writeRequest, config.QueueSize),
		stopCh:     make(chan struct{}),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.startWorkers()

	logger.Info("Store initialized",
		zap.String("driver", config.Driver),
		zap.Int("audit_workers", config.Workers),
		zap.Int("audit_queue", config.QueueSize),
	)

	return s, nil
}

func buildDSN(config *Config) (string, error) {
	switch config.Driver {
	case "sqlite3":
		path := config.Path
		if path == "" {
			path = "conveyor.db"
		}
		params := "_foreign_keys=on&_busy_timeout=5000"
		if !strings.Contains(path, ":memory:") {
			params += "&_journal_mode=WAL"
		}
		return path + "?" + params, nil
	case "postgres":
		if config.DSN == "" {
			return "", fmt.Errorf("postgres driver requires a DSN")
		}
		return config.DSN, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", config.Driver)
	}
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == "postgres" {
		schema = schemaPostgres
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the driver's bindvar form.
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// startWorkers initializes the worker pool for async audit writes
func (s *Store) startWorkers() {
	for i := 0; i < s.config.Workers; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
}

// writeWorker processes audit write requests from the queue
func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	s.logger.Debug("Audit write worker started", zap.Int("worker_id", id))

	for {
		select {
		case <-s.stopCh:
			s.drainQueue()
			s.logger.Debug("Audit write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
			metrics.SetAuditQueueDepth(len(s.writeQueue))
		}
	}
}

// processWrite handles a single audit write request
func (s *Store) processWrite(req writeRequest) {
	var err error

	switch req.Kind {
	case WriteMessage:
		if m, ok := req.Data.(*Message); ok {
			err = s.AppendMessage(context.Background(), m)
		}
	case WriteToolInvocation:
		if inv, ok := req.Data.(*ToolInvocation); ok {
			err = s.AppendToolInvocation(context.Background(), inv)
		}
	}

	if req.Callback != nil {
		req.Callback(err)
	}

	if err != nil {
		metrics.RecordAuditWrite(req.Kind.String(), "error")
		s.logger.Error("Failed to process audit write",
			zap.String("kind", req.Kind.String()),
			zap.Error(err),
		)
		return
	}
	metrics.RecordAuditWrite(req.Kind.String(), "ok")
}

// drainQueue processes remaining requests during shutdown
func (s *Store) drainQueue() {
	timeout := time.After(10 * time.Second)

	for {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		case <-timeout:
			s.logger.Warn("Timeout draining audit write queue",
				zap.Int("remaining", len(s.writeQueue)))
			return
		default:
			return
		}
	}
}

// QueueWrite adds an audit write to the async queue. When the queue is
// full the write falls through to the synchronous path rather than
// being dropped.
func (s *Store) QueueWrite(kind WriteKind, data interface{}, callback func(error)) {
	select {
	case s.writeQueue <- writeRequest{Kind: kind, Data: data, Callback: callback}:
		metrics.SetAuditQueueDepth(len(s.writeQueue))
	default:
		s.logger.Warn("Audit write queue is full, falling back to synchronous write",
			zap.String("kind", kind.String()))
		s.processWrite(writeRequest{Kind: kind, Data: data, Callback: callback})
	}
}

// Close drains the audit queue and shuts the database down.
func (s *Store) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.workerWg.Wait()
		closeErr = s.db.Close()
	})
	if closeErr != nil {
		return fmt.Errorf("failed to close database: %w", closeErr)
	}
	return nil
}

// DB returns the underlying connection for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTransaction runs fn inside a transaction, rolling back on error
// or panic.
func (s *Store) WithTransaction(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}
