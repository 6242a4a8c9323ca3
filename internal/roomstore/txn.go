package roomstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zeebo/blake3"
)

// Document is a live document row: its state blob and the clock value at
// which it was last written.
type Document struct {
	ID               string
	State            []byte
	LastChangedClock int64
}

// Checksum returns a BLAKE3 digest of the document's state bytes, for
// callers (tests, the ops CLI) that want to detect corruption or verify
// equality without comparing raw state directly.
func (d Document) Checksum() [32]byte {
	return blake3.Sum256(d.State)
}

// Result is the outcome of a completed Transact call.
type Result struct {
	NewClock  int64
	DidChange bool
}

// Txn is the handle a transaction body operates through. Every method
// hits SQL immediately within the enclosing atomic scope — there is no
// write buffering, matching spec.md §4.C.
type Txn struct {
	ctx context.Context
	tx  *sql.Tx

	clock              int64 // cached documentClock, updated on advance
	didIncrementClock  bool
	needsPruneSchedule bool
}

// Transact executes body atomically over the store's SQL handle. It
// bumps the clock at most once, and — if the clock advanced — notifies
// every registered listener with (source, newClock) before returning.
//
// If body returns an error, the transaction rolls back, no listener
// fires, and no clock change is observable, per spec.md §4.C/§7.
func (s *Store) Transact(ctx context.Context, source string, body func(*Txn) error) (Result, error) {
	res, _, err := Transact2(ctx, s, source, func(t *Txn) (struct{}, error) {
		return struct{}{}, body(t)
	})
	return res, err
}

// Transact2 is Transact for bodies that also want to return a value.
// Go methods cannot carry their own type parameters, so this is a free
// function rather than a second method on *Store — the same shape as
// the generic Table[T] helper pattern used elsewhere in this codebase's
// reference corpus.
func Transact2[T any](ctx context.Context, s *Store, source string, body func(*Txn) (T, error)) (Result, T, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	clockBefore, err := s.GetClock(ctx)
	if err != nil {
		return Result{}, zero, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, zero, fmt.Errorf("roomstore: begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	txn := &Txn{ctx: ctx, tx: tx, clock: clockBefore}

	value, err := body(txn)
	if err != nil {
		return Result{}, zero, err
	}

	clockAfter, err := getClock(ctx, tx)
	if err != nil {
		return Result{}, zero, err
	}
	didChange := clockAfter > clockBefore

	if err := tx.Commit(); err != nil {
		return Result{}, zero, fmt.Errorf("roomstore: commit: %w", err)
	}
	committed = true

	if didChange {
		s.listeners.notify(source, clockAfter)
	}
	if txn.needsPruneSchedule {
		s.pruner.schedule()
	}

	return Result{NewClock: clockAfter, DidChange: didChange}, value, nil
}

// GetClock returns the clock as observed so far within this
// transaction (read-your-writes, spec.md §5 ordering guarantee 1).
func (t *Txn) GetClock() (int64, error) {
	return getClock(t.ctx, t.tx)
}

// ensureClockAdvanced bumps documentClock exactly once per transaction,
// on the first call from either SetDocument or DeleteDocument
// (spec.md §3 invariant 6).
func (t *Txn) ensureClockAdvanced() (int64, error) {
	if t.didIncrementClock {
		return t.clock, nil
	}
	newClock, err := advanceClock(t.ctx, t.tx)
	if err != nil {
		return 0, err
	}
	t.clock = newClock
	t.didIncrementClock = true
	return newClock, nil
}

// GetDocument looks up a single document by id. The bool return is
// false if no such document exists (spec.md's Option<T>).
func (t *Txn) GetDocument(id string) (Document, bool, error) {
	if id == "" {
		return Document{}, false, ErrEmptyID
	}
	var doc Document
	doc.ID = id
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT state, last_changed_clock FROM documents WHERE id = ?", id).
		Scan(&doc.State, &doc.LastChangedClock)
	if err == sql.ErrNoRows {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return doc, true, nil
}

// SetDocument upserts a document's state. On the first mutating call in
// this transaction the clock advances and the advanced value becomes
// this write's lastChangedClock. Because documents and tombstones share
// a disjoint id-space (spec.md §3 invariant 2), any existing tombstone
// for id is removed as part of the same write.
func (t *Txn) SetDocument(id string, state []byte) error {
	if id == "" {
		return ErrEmptyID
	}
	newClock, err := t.ensureClockAdvanced()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM tombstones WHERE id = ?", id); err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `
INSERT INTO documents(id, state, last_changed_clock) VALUES(?, ?, ?)
ON CONFLICT(id) DO UPDATE SET state = excluded.state, last_changed_clock = excluded.last_changed_clock`,
		id, state, newClock)
	return err
}

// DeleteDocument removes a document (if present) and records a
// tombstone at the transaction's clock, advancing the clock on the
// first mutating call in this transaction just like SetDocument.
// Deleting an unknown id still writes a tombstone at the new clock, per
// spec.md §4.C.
func (t *Txn) DeleteDocument(id string) error {
	if id == "" {
		return ErrEmptyID
	}
	newClock, err := t.ensureClockAdvanced()
	if err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `
INSERT INTO tombstones(id, clock) VALUES(?, ?)
ON CONFLICT(id) DO UPDATE SET clock = excluded.clock`,
		id, newClock); err != nil {
		return err
	}
	t.needsPruneSchedule = true
	return nil
}

// GetMetadata reads an application (or reserved "schema") metadata
// value. It has no effect on the clock.
func (t *Txn) GetMetadata(key string) (string, bool, error) {
	if key == "" {
		return "", false, ErrEmptyMetadataKey
	}
	var value string
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMetadata upserts a metadata value. It has no effect on the clock.
func (t *Txn) SetMetadata(key, value string) error {
	if key == "" {
		return ErrEmptyMetadataKey
	}
	_, err := t.tx.ExecContext(t.ctx, `
INSERT INTO metadata(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// DocumentIterator is a restartable-only-by-reinvoking cursor over a
// full documents scan, mirroring the database/sql Rows idiom this
// codebase's reference corpus uses throughout rather than a Go 1.23
// range-over-func iterator.
type DocumentIterator struct {
	rows *sql.Rows
	cur  Document
	err  error
}

// Next advances the cursor. It returns false at end of scan or on
// error; call Err afterward to distinguish the two.
func (it *DocumentIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.err = it.rows.Scan(&it.cur.ID, &it.cur.State, &it.cur.LastChangedClock)
	return it.err == nil
}

// Document returns the row most recently advanced to by Next.
func (it *DocumentIterator) Document() Document { return it.cur }

// Err returns the first error encountered, if any.
func (it *DocumentIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying SQL rows. Safe to call multiple times.
func (it *DocumentIterator) Close() error { return it.rows.Close() }

// Documents returns a full scan over live documents. Insertion/iteration
// order is unspecified.
func (t *Txn) Documents() (*DocumentIterator, error) {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT id, state, last_changed_clock FROM documents")
	if err != nil {
		return nil, err
	}
	return &DocumentIterator{rows: rows}, nil
}

// IDIterator is a cursor over ids only (used by DocumentIDs).
type IDIterator struct {
	rows *sql.Rows
	cur  string
	err  error
}

// Next advances the cursor.
func (it *IDIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.err = it.rows.Scan(&it.cur)
	return it.err == nil
}

// ID returns the id most recently advanced to by Next.
func (it *IDIterator) ID() string { return it.cur }

// Err returns the first error encountered, if any.
func (it *IDIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying SQL rows.
func (it *IDIterator) Close() error { return it.rows.Close() }

// DocumentIDs returns a full scan projecting only document ids.
func (t *Txn) DocumentIDs() (*IDIterator, error) {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT id FROM documents")
	if err != nil {
		return nil, err
	}
	return &IDIterator{rows: rows}, nil
}

// Tombstone is one deletion record.
type Tombstone struct {
	ID    string
	Clock int64
}

// TombstoneIterator is a cursor over a full tombstones scan.
type TombstoneIterator struct {
	rows *sql.Rows
	cur  Tombstone
	err  error
}

// Next advances the cursor.
func (it *TombstoneIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.err = it.rows.Scan(&it.cur.ID, &it.cur.Clock)
	return it.err == nil
}

// Tombstone returns the row most recently advanced to by Next.
func (it *TombstoneIterator) Tombstone() Tombstone { return it.cur }

// Err returns the first error encountered, if any.
func (it *TombstoneIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying SQL rows.
func (it *TombstoneIterator) Close() error { return it.rows.Close() }

// Tombstones returns a full scan over tombstones.
func (t *Txn) Tombstones() (*TombstoneIterator, error) {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT id, clock FROM tombstones")
	if err != nil {
		return nil, err
	}
	return &TombstoneIterator{rows: rows}, nil
}
