package roomstore

import (
	"context"
	"database/sql"
)

// queryRower is satisfied by both *sql.DB and *sql.Tx, letting the clock
// helpers below run either inside an open transaction or against the
// store directly for read-only callers.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// readClockRow returns the current documentClock and
// tombstoneHistoryStartsAtClock. spec.md §3 invariant 1 guarantees
// exactly one row exists once bootstrap has run.
func readClockRow(ctx context.Context, q queryRower) (documentClock, watermark int64, err error) {
	err = q.QueryRowContext(ctx, "SELECT document_clock, tombstone_history_starts_at_clock FROM clock").
		Scan(&documentClock, &watermark)
	if err == sql.ErrNoRows {
		err = ErrClockRowMissing
	}
	return documentClock, watermark, err
}

// getClock returns just documentClock.
func getClock(ctx context.Context, q queryRower) (int64, error) {
	documentClock, _, err := readClockRow(ctx, q)
	return documentClock, err
}

// getTombstoneHistoryStart returns just the watermark.
func getTombstoneHistoryStart(ctx context.Context, q queryRower) (int64, error) {
	_, watermark, err := readClockRow(ctx, q)
	return watermark, err
}

// advanceClock increments documentClock by one and returns the new
// value. Callers are responsible for calling this at most once per
// transaction (spec.md §3 invariant 6); the Txn handle enforces that via
// its didIncrementClock flag.
func advanceClock(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE clock SET document_clock = document_clock + 1"); err != nil {
		return 0, err
	}
	return getClock(ctx, tx)
}

// setTombstoneHistoryStart overwrites the watermark. Used by the
// pruner after trimming old tombstones.
func setTombstoneHistoryStart(ctx context.Context, tx *sql.Tx, watermark int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE clock SET tombstone_history_starts_at_clock = ?", watermark)
	return err
}

// GetClock returns the room's current documentClock without opening a
// transaction, for callers that only need a snapshot read.
func (s *Store) GetClock(ctx context.Context) (int64, error) {
	return getClock(ctx, s.db)
}

// GetTombstoneHistoryStart returns the current pruning watermark without
// opening a transaction.
func (s *Store) GetTombstoneHistoryStart(ctx context.Context) (int64, error) {
	return getTombstoneHistoryStart(ctx, s.db)
}
