package roomstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite-backed document store for a single room.
//
// A Store is safe to share across goroutines: Transact serializes
// mutating access at the Go level in addition to relying on SQLite's own
// single-writer semantics under WAL, matching the "host serializes"
// assumption this package's spec makes about its caller.
type Store struct {
	db *sql.DB

	mu        sync.Mutex // serializes Transact calls
	listeners *listenerBus
	pruner    *pruner
}

// Option configures a Store at construction time.
type Option func(*storeConfig)

type storeConfig struct {
	snapshot *Snapshot
}

// WithSnapshot seeds (or replaces) the store's contents from snapshot at
// construction time. See Snapshot for the ingestion semantics.
func WithSnapshot(snapshot *Snapshot) Option {
	return func(c *storeConfig) { c.snapshot = snapshot }
}

// Open opens or creates the room database at dsn, running bootstrap DDL
// idempotently. If a snapshot is supplied via WithSnapshot, all four
// tables are wiped and repopulated from it atomically; otherwise
// pre-existing data is retained.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("roomstore: dsn required")
	}
	var cfg storeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("roomstore: open: %w", err)
	}
	store := &Store{db: db}
	store.listeners = newListenerBus()
	store.pruner = newPruner(store)

	if err := store.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.bootstrap(ctx, cfg.snapshot); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database handle and stops any pending
// pruner work.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.pruner.stop()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("roomstore: pragma %q: %w", p, err)
		}
	}
	return nil
}

// bootstrap creates the schema idempotently and, if snapshot is
// non-nil, wipes and repopulates all four tables from it. It runs in its
// own transaction, atomically, per spec.md §3 "Lifecycle".
func (s *Store) bootstrap(ctx context.Context, snapshot *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("roomstore: bootstrap begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schemaDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("roomstore: bootstrap ddl: %w", err)
		}
	}

	if snapshot != nil {
		if err := ingestSnapshot(ctx, tx, snapshot); err != nil {
			return fmt.Errorf("roomstore: bootstrap snapshot: %w", err)
		}
	} else {
		if err := ensureClockRow(ctx, tx); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ensureClockRow inserts the single clock row (0, 0) if the table is
// currently empty, leaving pre-existing state untouched otherwise. This
// is what makes repeated construction with no snapshot idempotent
// (spec.md §8 property 8).
func ensureClockRow(ctx context.Context, tx *sql.Tx) error {
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM clock").Scan(&n); err != nil {
		return fmt.Errorf("roomstore: count clock rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO clock(document_clock, tombstone_history_starts_at_clock) VALUES(0, 0)")
	return err
}

// HasBeenInitialized reports whether db already carries the core
// tables, probing the clock table the way spec.md §4.A describes. Any
// error, including "no such table", is treated as "not initialized" and
// swallowed — this is the one place in this package an error is
// deliberately discarded outside of defer cleanup.
func HasBeenInitialized(ctx context.Context, db *sql.DB) bool {
	if db == nil {
		return false
	}
	var probe int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM clock LIMIT 1").Scan(&probe)
	return err == nil
}
