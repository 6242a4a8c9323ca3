package roomstore

import "sync"

// changeListener is invoked after a mutating Transact call commits.
// source is the caller-supplied label passed to Transact; newClock is
// the room's documentClock after the commit.
type changeListener func(source string, newClock int64)

type subscription struct {
	id int
	cb changeListener
}

// listenerBus fans a single commit notification out to every currently
// registered listener, in registration order, synchronously on the
// calling (Transact) goroutine. See spec.md §4.E.
//
// subs is kept as an append-only-then-compacted slice rather than a map
// because Go map iteration order is randomized and spec.md requires
// delivery in registration order.
type listenerBus struct {
	mu   sync.Mutex
	next int
	subs []subscription
}

func newListenerBus() *listenerBus {
	return &listenerBus{}
}

// subscribe registers cb and returns an idempotent unsubscribe func.
// Calling unsubscribe during notify does not affect the notification
// already in progress, since notify snapshots the subscriber list
// before invoking any callback.
func (b *listenerBus) subscribe(cb changeListener) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs = append(b.subs, subscription{id: id, cb: cb})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
		})
	}
}

// notify delivers (source, newClock) to every listener registered at
// the moment notify was called, in registration order.
func (b *listenerBus) notify(source string, newClock int64) {
	b.mu.Lock()
	cbs := make([]changeListener, len(b.subs))
	for i, s := range b.subs {
		cbs[i] = s.cb
	}
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(source, newClock)
	}
}

// OnChange registers cb to be called synchronously after every
// mutating Transact commit, with the source label that Transact call
// was given and the room's new documentClock. The returned func
// unregisters cb; it is safe to call more than once.
func (s *Store) OnChange(cb func(source string, newClock int64)) (unsubscribe func()) {
	return s.listeners.subscribe(cb)
}
