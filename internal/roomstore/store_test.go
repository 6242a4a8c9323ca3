package roomstore

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "room.db")
	store, err := Open(context.Background(), path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenBootstrapsEmptyClockRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	clock, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	if clock != 0 {
		t.Fatalf("expected clock 0, got %d", clock)
	}
	watermark, err := store.GetTombstoneHistoryStart(ctx)
	if err != nil {
		t.Fatalf("GetTombstoneHistoryStart: %v", err)
	}
	if watermark != 0 {
		t.Fatalf("expected watermark 0, got %d", watermark)
	}
}

func TestReopenWithoutSnapshotPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "room.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := store.Transact(ctx, "seed", func(t *Txn) error {
		return t.SetDocument("r:1", []byte(`{"id":"r:1"}`))
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store2.Close()

	clock, err := store2.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	if clock != 1 {
		t.Fatalf("expected preserved clock 1, got %d", clock)
	}
}

// TestS1BasicUpsertRead is scenario S1: empty store, one setDocument,
// then a read-back in a separate transaction.
func TestS1BasicUpsertRead(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	res, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.SetDocument("r:1", []byte(`{"id":"r:1","n":"a"}`))
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if res.NewClock != 1 || !res.DidChange {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, doc, err := Transact2(ctx, store, "s", func(t *Txn) (Document, error) {
		d, _, err := t.GetDocument("r:1")
		return d, err
	})
	if err != nil {
		t.Fatalf("Transact2: %v", err)
	}
	if string(doc.State) != `{"id":"r:1","n":"a"}` || doc.LastChangedClock != 1 {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

// TestS2DeleteCreatesTombstone is scenario S2.
func TestS2DeleteCreatesTombstone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)

	res, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("r:1")
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if res.NewClock != 2 || !res.DidChange {
		t.Fatalf("unexpected result: %+v", res)
	}

	_, found, err := transactGetDocument(t, store, "r:1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if found {
		t.Fatalf("expected document to be gone")
	}

	_, tombClock, err := transactGetTombstone(t, store, "r:1")
	if err != nil {
		t.Fatalf("tombstone lookup: %v", err)
	}
	if tombClock != 2 {
		t.Fatalf("expected tombstone clock 2, got %d", tombClock)
	}
}

// TestS3ChangeFeed is scenario S3.
func TestS3ChangeFeed(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)
	mustSetDocument(t, store, "r:2", `{"id":"r:2"}`)
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("r:1")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	clock, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	if clock != 3 {
		t.Fatalf("expected clock 3, got %d", clock)
	}

	for _, sinceClock := range []int64{0, 1} {
		changes := mustGetChangesSince(t, store, sinceClock)
		assertHasPut(t, changes, `{"id":"r:2"}`)
		assertHasDelete(t, changes, "r:1")
	}

	empty := mustGetChangesSince(t, store, 3)
	if len(empty) != 0 {
		t.Fatalf("expected no changes at current clock, got %d", len(empty))
	}
}

// TestS4WipeAllOnStaleCursor is scenario S4.
func TestS4WipeAllOnStaleCursor(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Drive the store to clock 12 with two live documents ("filler" at
	// clock 10, "doc" at clock 11) and, at the end, exactly one
	// tombstone at clock 12, then force the watermark to 10 the
	// way a completed prune pass would have left it.
	for i := 0; i < 10; i++ {
		mustSetDocument(t, store, "filler", `{"id":"filler"}`)
	}
	mustSetDocument(t, store, "doc", `{"id":"doc"}`)
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("gone")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	clock, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	if clock != 12 {
		t.Fatalf("expected clock 12, got %d", clock)
	}

	if _, err := store.Transact(ctx, "force-watermark", func(t *Txn) error {
		return setTombstoneHistoryStart(t.ctx, t.tx, 10)
	}); err != nil {
		t.Fatalf("force watermark: %v", err)
	}

	changes := mustGetChangesSince(t, store, 5)
	if len(changes) == 0 || changes[0].Kind() != ChangeWipeAll {
		t.Fatalf("expected WIPE_ALL first, got %+v", changes)
	}
	assertHasPut(t, changes, `{"id":"doc"}`)
	assertHasDelete(t, changes, "gone")
}

// TestS5PrunerRespectsClockCohorts is scenario S5.
func TestS5PrunerRespectsClockCohorts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Transact(ctx, "seed", func(t *Txn) error {
		// Clocks 1, 2 and 3 are each shared by two tombstones, so a
		// prune buffer of 3 lands inside the clock-2 cohort, giving the
		// cohort boundary something to respect right at the cutoff.
		for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
			clockAt := int64(i/2 + 1)
			if _, err := t.tx.ExecContext(t.ctx,
				"INSERT INTO tombstones(id, clock) VALUES(?, ?)", id, clockAt); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seed tombstones: %v", err)
	}

	if _, err := store.Transact(ctx, "prune", func(t *Txn) error {
		return pruneTombstones(t, 2, 3)
	}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	it := mustTombstones(t, store)
	seen := map[string]int64{}
	for it.Next() {
		ts := it.Tombstone()
		seen[ts.ID] = ts.Clock
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterate tombstones: %v", err)
	}

	if len(seen) < 3 {
		t.Fatalf("expected at least prune buffer retained, got %d", len(seen))
	}
	for _, clockAt := range seen {
		if clockAt < 2 {
			t.Fatalf("cohort at clock 1 should have been dropped in full, found clock=%d", clockAt)
		}
	}

	watermark, err := store.GetTombstoneHistoryStart(ctx)
	if err != nil {
		t.Fatalf("GetTombstoneHistoryStart: %v", err)
	}
	if watermark != 2 {
		t.Fatalf("expected watermark 2, got %d", watermark)
	}
}

// TestS6Rollback is scenario S6.
func TestS6Rollback(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	before, err := store.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	fired := false
	unsubscribe := store.OnChange(func(source string, newClock int64) { fired = true })
	defer unsubscribe()

	sentinelErr := errRollbackSentinel{}
	_, err = store.Transact(ctx, "s", func(t *Txn) error {
		if err := t.SetDocument("r:1", []byte(`{"id":"r:1"}`)); err != nil {
			return err
		}
		if err := t.SetDocument("r:2", []byte(`{"id":"r:2"}`)); err != nil {
			return err
		}
		return sentinelErr
	})
	if err != sentinelErr {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if fired {
		t.Fatalf("listener should not fire on rollback")
	}

	after, err := store.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if after.Checksum() != before.Checksum() {
		t.Fatalf("store mutated despite rollback")
	}
	if after.DocumentClock != before.DocumentClock {
		t.Fatalf("clock advanced despite rollback: %d -> %d", before.DocumentClock, after.DocumentClock)
	}
}

type errRollbackSentinel struct{}

func (errRollbackSentinel) Error() string { return "rollback sentinel" }

func TestNoOpTransactionLeavesClockAndFiresNoListener(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	fired := false
	unsubscribe := store.OnChange(func(source string, newClock int64) { fired = true })
	defer unsubscribe()

	before, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}

	res, err := store.Transact(ctx, "s", func(t *Txn) error {
		_, _, err := t.GetDocument("nonexistent")
		return err
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if res.DidChange {
		t.Fatalf("expected no-op transaction to report didChange=false")
	}
	if fired {
		t.Fatalf("listener should not fire on a no-op transaction")
	}

	after, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	if after != before {
		t.Fatalf("clock changed on no-op transaction: %d -> %d", before, after)
	}
}

func TestListenerFiresOnlyWhenClockAdvances(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var notifications []int64
	unsubscribe := store.OnChange(func(source string, newClock int64) {
		notifications = append(notifications, newClock)
	})
	defer unsubscribe()

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		_, _, err := t.GetDocument("r:1")
		return err
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}
	mustSetDocument(t, store, "r:2", `{"id":"r:2"}`)

	if len(notifications) != 2 {
		t.Fatalf("expected exactly two notifications, got %v", notifications)
	}
	if notifications[0] != 1 || notifications[1] != 2 {
		t.Fatalf("unexpected notification values: %v", notifications)
	}
}

func TestUnsubscribeIsIdempotentAndTakesEffect(t *testing.T) {
	store := openTestStore(t)

	calls := 0
	unsubscribe := store.OnChange(func(source string, newClock int64) { calls++ })

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)
	unsubscribe()
	unsubscribe() // must not panic

	mustSetDocument(t, store, "r:2", `{"id":"r:2"}`)

	if calls != 1 {
		t.Fatalf("expected exactly one call before unsubscribe, got %d", calls)
	}
}

func TestListenersFireInRegistrationOrder(t *testing.T) {
	store := openTestStore(t)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		store.OnChange(func(source string, newClock int64) {
			order = append(order, i)
		})
	}

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)

	want := []int{0, 1, 2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("expected %d notifications, got %v", len(want), order)
	}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected registration order %v, got %v", want, order)
		}
	}
}

func TestSetDocumentRemovesExistingTombstone(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("r:1")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mustSetDocument(t, store, "r:1", `{"id":"r:1","again":true}`)

	found, _, err := transactGetTombstone(t, store, "r:1")
	if err != nil {
		t.Fatalf("tombstone lookup: %v", err)
	}
	if found {
		t.Fatalf("expected no tombstone after re-creating r:1")
	}
	doc, found, err := transactGetDocument(t, store, "r:1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if !found || string(doc.State) != `{"id":"r:1","again":true}` {
		t.Fatalf("unexpected document: %+v found=%v", doc, found)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)

	mustSetDocument(t, src, "r:1", `{"id":"r:1"}`)
	mustSetDocument(t, src, "r:2", `{"id":"r:2"}`)
	if _, err := src.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("r:3")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := src.Transact(ctx, "s", func(t *Txn) error {
		return t.SetMetadata("schema", `{"fields":["id"]}`)
	}); err != nil {
		t.Fatalf("set metadata: %v", err)
	}

	snap, err := src.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}

	dst := openTestStore(t, WithSnapshot(snap))
	roundTripped, err := dst.ExportSnapshot(ctx)
	if err != nil {
		t.Fatalf("ExportSnapshot (dst): %v", err)
	}

	if roundTripped.Checksum() != snap.Checksum() {
		t.Fatalf("checksum mismatch after round trip")
	}
	if roundTripped.DocumentClock != snap.DocumentClock {
		t.Fatalf("clock mismatch: %d != %d", roundTripped.DocumentClock, snap.DocumentClock)
	}
	if roundTripped.Schema != snap.Schema {
		t.Fatalf("schema mismatch: %q != %q", roundTripped.Schema, snap.Schema)
	}
	if len(roundTripped.Tombstones) != len(snap.Tombstones) {
		t.Fatalf("tombstone count mismatch: %d != %d", len(roundTripped.Tombstones), len(snap.Tombstones))
	}
}

func TestGetChangesSinceCurrentClockIsEmpty(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)

	clock, err := store.GetClock(ctx)
	if err != nil {
		t.Fatalf("GetClock: %v", err)
	}
	changes := mustGetChangesSince(t, store, clock)
	if len(changes) != 0 {
		t.Fatalf("expected empty change set at current clock, got %d", len(changes))
	}
}

func TestDocumentsAndTombstonesKeyspacesStayDisjoint(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mustSetDocument(t, store, "r:1", `{"id":"r:1"}`)
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.DeleteDocument("r:1")
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	docIDs := map[string]bool{}
	if _, err := store.Transact(ctx, "s", func(t *Txn) error {
		it, err := t.DocumentIDs()
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			docIDs[it.ID()] = true
		}
		return it.Err()
	}); err != nil {
		t.Fatalf("DocumentIDs: %v", err)
	}

	tit := mustTombstones(t, store)
	for tit.Next() {
		if docIDs[tit.Tombstone().ID] {
			t.Fatalf("id %q present in both documents and tombstones", tit.Tombstone().ID)
		}
	}
	if err := tit.Err(); err != nil {
		t.Fatalf("iterate tombstones: %v", err)
	}
}

func TestEmptyIDRejected(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Transact(ctx, "s", func(t *Txn) error {
		return t.SetDocument("", []byte(`{}`))
	})
	if err != ErrEmptyID {
		t.Fatalf("expected ErrEmptyID, got %v", err)
	}
}

// --- helpers ---

func mustSetDocument(t *testing.T, store *Store, id, state string) {
	t.Helper()
	if _, err := store.Transact(context.Background(), "s", func(t *Txn) error {
		return t.SetDocument(id, []byte(state))
	}); err != nil {
		t.Fatalf("SetDocument(%q): %v", id, err)
	}
}

type docLookup struct {
	doc   Document
	found bool
}

func transactGetDocument(t *testing.T, store *Store, id string) (Document, bool, error) {
	t.Helper()
	_, out, err := Transact2(context.Background(), store, "s", func(t *Txn) (docLookup, error) {
		d, found, err := t.GetDocument(id)
		return docLookup{d, found}, err
	})
	return out.doc, out.found, err
}

func transactGetTombstone(t *testing.T, store *Store, id string) (bool, int64, error) {
	t.Helper()
	var found bool
	var clockAt int64
	_, err := store.Transact(context.Background(), "s", func(t *Txn) error {
		it, err := t.Tombstones()
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			ts := it.Tombstone()
			if ts.ID == id {
				found = true
				clockAt = ts.Clock
			}
		}
		return it.Err()
	})
	return found, clockAt, err
}

func mustTombstones(t *testing.T, store *Store) *sliceTombstoneIterator {
	t.Helper()
	var out []Tombstone
	_, txErr := store.Transact(context.Background(), "s", func(t *Txn) error {
		it, err := t.Tombstones()
		if err != nil {
			return err
		}
		defer it.Close()
		for it.Next() {
			out = append(out, it.Tombstone())
		}
		return it.Err()
	})
	if txErr != nil {
		t.Fatalf("Tombstones: %v", txErr)
	}
	return &sliceTombstoneIterator{items: out}
}

type sliceTombstoneIterator struct {
	items []Tombstone
	pos   int
}

func (s *sliceTombstoneIterator) Next() bool {
	if s.pos >= len(s.items) {
		return false
	}
	s.pos++
	return true
}

func (s *sliceTombstoneIterator) Tombstone() Tombstone { return s.items[s.pos-1] }
func (s *sliceTombstoneIterator) Err() error           { return nil }

func mustGetChangesSince(t *testing.T, store *Store, sinceClock int64) []Change {
	t.Helper()
	_, changes, err := Transact2(context.Background(), store, "s", func(t *Txn) ([]Change, error) {
		return t.GetChangesSince(sinceClock)
	})
	if err != nil {
		t.Fatalf("GetChangesSince(%d): %v", sinceClock, err)
	}
	return changes
}

func assertHasPut(t *testing.T, changes []Change, wantState string) {
	t.Helper()
	for _, c := range changes {
		if c.Kind() == ChangePut && string(c.State()) == wantState {
			return
		}
	}
	t.Fatalf("expected a PUT with state %q in %+v", wantState, changes)
}

func assertHasDelete(t *testing.T, changes []Change, wantID string) {
	t.Helper()
	for _, c := range changes {
		if c.Kind() == ChangeDelete && c.ID() == wantID {
			return
		}
	}
	t.Fatalf("expected a DELETE for %q in %+v", wantID, changes)
}
