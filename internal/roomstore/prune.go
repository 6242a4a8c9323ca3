package roomstore

import (
	"context"
	"log"
	"sync"
	"time"
)

// defaultMaxTombstones is the tombstone count above which a prune run
// trims history. defaultPruneBuffer is the minimum number of most
// recent tombstones a prune run keeps. See spec.md §4.D.
const (
	defaultMaxTombstones = 5000
	defaultPruneBuffer   = 1000
	pruneDebounce        = time.Second
)

// pruner coalesces bursts of DeleteDocument calls into a single prune
// pass, run a short delay after the last delete in a burst rather than
// once per delete. Every prune pass runs as its own Transact call.
type pruner struct {
	store *Store

	maxTombstones int
	pruneBuffer   int
	debounce      time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func newPruner(s *Store) *pruner {
	return &pruner{
		store:         s,
		maxTombstones: defaultMaxTombstones,
		pruneBuffer:   defaultPruneBuffer,
		debounce:      pruneDebounce,
	}
}

// schedule arms (or re-arms) the trailing-edge debounce timer. Repeated
// calls before the timer fires coalesce into a single prune pass.
func (p *pruner) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.run)
}

// stop cancels any pending prune pass. It does not wait for a pass
// already in flight.
func (p *pruner) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *pruner) run() {
	if _, err := p.store.Transact(context.Background(), "prune", func(t *Txn) error {
		return pruneTombstones(t, p.maxTombstones, p.pruneBuffer)
	}); err != nil {
		log.Printf("roomstore: prune pass failed: %v", err)
	}
}

// pruneTombstones trims the oldest tombstone cohorts once the total
// count exceeds maxTombstones, keeping at least pruneBuffer of the most
// recent ones. Cohorts (groups of tombstones sharing the same clock
// value) are never split: the cutoff always lands on a clock boundary,
// so getChangesSince's watermark comparison stays exact rather than
// approximate. See spec.md §4.D.
func pruneTombstones(t *Txn, maxTombstones, pruneBuffer int) error {
	var total int
	if err := t.tx.QueryRowContext(t.ctx, "SELECT COUNT(*) FROM tombstones").Scan(&total); err != nil {
		return err
	}
	if total <= maxTombstones {
		return nil
	}

	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT clock, COUNT(*) FROM tombstones GROUP BY clock ORDER BY clock DESC")
	if err != nil {
		return err
	}
	defer rows.Close()

	var kept int
	cutoff := int64(-1)
	for rows.Next() {
		var clockAt int64
		var count int
		if err := rows.Scan(&clockAt, &count); err != nil {
			return err
		}
		if kept >= pruneBuffer {
			break
		}
		kept += count
		cutoff = clockAt
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if cutoff < 0 {
		return nil
	}

	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM tombstones WHERE clock < ?", cutoff); err != nil {
		return err
	}
	return setTombstoneHistoryStart(t.ctx, t.tx, cutoff)
}

// PruneNow runs one prune pass immediately, using the default
// MAX_TOMBSTONES/PRUNE_BUFFER thresholds, instead of waiting for the
// debounce window. Intended for operator tooling that wants a
// synchronous, on-demand prune rather than the usual deferred one.
func PruneNow(t *Txn) error {
	return pruneTombstones(t, defaultMaxTombstones, defaultPruneBuffer)
}
