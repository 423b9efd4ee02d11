// Package db owns the embedded DuckDB database: crash-safe open, a single
// guarded connection, durability checkpoints and schema migrations.
//
// All access goes through WithConn or WithTx. The Querier handed to the
// callback is only valid for the duration of that callback.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/flock"
	_ "github.com/marcboeker/go-duckdb" // registers the "duckdb" driver
)

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config holds DuckDB settings applied right after open.
type Config struct {
	Threads             int    // 0 keeps the engine default
	MemoryLimit         string // e.g. "1GB"
	CheckpointThreshold string // WAL size that triggers an automatic checkpoint, e.g. "16MB"
	CheckpointEvery     int    // write transactions between background checkpoints (0 disables)
}

// Option configures Open.
type Option func(*Config)

// WithThreads sets the number of DuckDB worker threads.
func WithThreads(n int) Option {
	return func(c *Config) { c.Threads = n }
}

// WithMemoryLimit sets the DuckDB memory limit.
func WithMemoryLimit(limit string) Option {
	return func(c *Config) { c.MemoryLimit = limit }
}

// WithCheckpointThreshold sets the WAL size after which DuckDB checkpoints on its own.
func WithCheckpointThreshold(size string) Option {
	return func(c *Config) { c.CheckpointThreshold = size }
}

// WithCheckpointEvery makes RunCheckpointer checkpoint after n write transactions.
func WithCheckpointEvery(n int) Option {
	return func(c *Config) { c.CheckpointEvery = n }
}

// Store is the single owner of the database handle.
type Store struct {
	db   *sql.DB
	path string
	cfg  Config
	lock *flock.Flock

	// sem guards db; a channel so waiters can give up on context cancellation.
	sem chan struct{}

	writes       atomic.Int64
	checkpointCh chan struct{}
	log          *slog.Logger
}

// Open prepares the files next to path, opens the database exactly once and
// applies settings. An empty path or ":memory:" opens an in-memory database.
// On failure no Store is returned and the lock is released.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	cfg := Config{Threads: 4, MemoryLimit: "1GB", CheckpointThreshold: "16MB", CheckpointEvery: 500}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := slog.Default().With(slog.String("component", "db"))

	s := &Store{
		path:         path,
		cfg:          cfg,
		sem:          make(chan struct{}, 1),
		checkpointCh: make(chan struct{}, 1),
		log:          log,
	}

	if !isMemory(path) {
		if openFailed(path) {
			return nil, fmt.Errorf("open %s: %w", path, ErrRestartRequired)
		}
		lock, err := acquireLock(path)
		if err != nil {
			return nil, err
		}
		s.lock = lock
		if err := prepareFiles(path, log); err != nil {
			s.unlock()
			return nil, err
		}
	}

	database, err := openDuckDB(ctx, path)
	if err != nil {
		s.unlock()
		if !isMemory(path) {
			markOpenFailed(path)
		}
		return nil, classifyOpenError(path, err)
	}
	// One connection; sem serializes callers on top of it.
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)
	s.db = database

	if err := s.configure(ctx); err != nil {
		_ = database.Close()
		s.unlock()
		return nil, err
	}
	log.Info("database opened", slog.String("path", displayPath(path)), slog.Int("threads", cfg.Threads), slog.String("memory_limit", cfg.MemoryLimit))
	return s, nil
}

func openDuckDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if isMemory(path) {
		dsn = ""
	}
	database, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return database, nil
}

func (s *Store) configure(ctx context.Context) error {
	var stmts []string
	if s.cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", s.cfg.Threads))
	}
	if s.cfg.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", s.cfg.MemoryLimit))
	}
	if s.cfg.CheckpointThreshold != "" && !isMemory(s.path) {
		stmts = append(stmts, fmt.Sprintf("SET checkpoint_threshold = '%s'", s.cfg.CheckpointThreshold))
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure duckdb (%s): %w", stmt, err)
		}
	}
	return nil
}

func (s *Store) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release() { <-s.sem }

// WithConn runs fn with exclusive access to the connection.
func (s *Store) WithConn(ctx context.Context, fn func(q Querier) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return fn(s.db)
}

// WithTx runs fn inside a transaction with exclusive access to the connection.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", slog.Any("err", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.noteWrite()
	return nil
}

// Ping checks that the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.WithConn(ctx, func(q Querier) error {
		var one int
		return q.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	})
}

// Path returns the database file path ("" for in-memory databases).
func (s *Store) Path() string { return s.path }

// Close checkpoints, closes the database and releases the process lock.
// A failed checkpoint is logged and does not prevent the close.
func (s *Store) Close(ctx context.Context) error {
	if err := s.Checkpoint(ctx); err != nil {
		s.log.Warn("checkpoint on close failed", slog.Any("err", err))
	}
	if err := s.acquire(ctx); err != nil {
		// Shutdown must still release the file.
		s.log.Warn("closing without connection lock", slog.Any("err", err))
	} else {
		defer s.release()
	}
	err := s.db.Close()
	s.unlock()
	if err != nil {
		return fmt.Errorf("close duckdb: %w", err)
	}
	s.log.Info("database closed", slog.String("path", displayPath(s.path)))
	return nil
}

func isMemory(path string) bool { return path == "" || path == ":memory:" }

func displayPath(path string) string {
	if isMemory(path) {
		return ":memory:"
	}
	return path
}
