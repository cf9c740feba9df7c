// Package store provides the durable on-device store for in-flight visit
// data: assignments, assignment tasks, observations, and the cached elder
// profiles needed to perform a visit offline.
//
// The store is an embedded SQLite database (WAL mode) and is the single
// source of truth rendered on screen. Every caregiver-originated write is
// committed in one transaction together with its outbox record, so a local
// change can never exist without a queued mutation and vice versa. Writes to
// the same entity are serialized; writes to different entities proceed
// independently. Reads never block on network state.
//
// After each commit the store publishes a snapshot of the written entity on
// a per-entity-type topic; the UI layer subscribes through Observe to render
// state and pending/failed sync indicators.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/qashsolutions/healthguide-sub003/internal/clock"
	"github.com/qashsolutions/healthguide-sub003/internal/model"
)

// StorageError marks a local persistence failure. The triggering user action
// is aborted as a whole: the entity write and its outbox record roll back
// together, and the UI must not show the action as saved.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Store wraps the SQLite connection with entity-level operations.
type Store struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
	clock  clock.Clock

	bus *bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	enqueued chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the clock used for revision timestamps and mutation
// creation times.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open creates or opens the store at the given path.
//
// The database is opened in WAL mode so reads stay concurrent with the sync
// engine's writes. The caller must call Close when done.
func Open(path string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		path:     path,
		logger:   logger,
		clock:    clock.Real{},
		bus:      newBus(),
		locks:    make(map[string]*sync.Mutex),
		enqueued: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying connection. The outbox shares it so mutation
// records and entity writes commit in the same transaction.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	s.bus.Close()
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("wal checkpoint failed", zap.Error(err))
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// Enqueued signals that a new mutation record was committed. The sync engine
// selects on it to start a drain without waiting for the next interval.
func (s *Store) Enqueued() <-chan struct{} {
	return s.enqueued
}

func (s *Store) notifyEnqueued() {
	select {
	case s.enqueued <- struct{}{}:
	default:
	}
}

// lock serializes writes per entity. Returns the unlock func.
func (s *Store) lock(et model.EntityType, id string) func() {
	key := string(et) + "/" + id
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// NewLocalID returns a fresh ULID. ULIDs sort by creation time, which keeps
// outbox scans aligned with mutation order, and each one doubles as the
// idempotency key for its mutation.
func (s *Store) NewLocalID() string {
	return ulid.MustNew(ulid.Timestamp(s.clock.Now()), ulid.DefaultEntropy()).String()
}

// inTx runs fn inside a transaction, rolling back on any error. All entity
// writes go through here so a failed outbox insert aborts the entity write
// and the reverse.
func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// Helpers shared by the scan/bind code, following the column conventions of
// RFC3339Nano text timestamps and nullable strings.

func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToString(*t), Valid: true}
}

// parseTime decodes an RFC3339Nano column, recording the first failure in
// errp. Timestamps back visit verification, so a column that no longer
// parses is surfaced as corruption rather than read as the zero time.
func parseTime(s string, errp *error) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && *errp == nil {
		*errp = &StorageError{Op: "parse timestamp", Err: err}
	}
	return t
}

func nullStringToString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
