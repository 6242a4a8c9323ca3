// Package roomstore implements a clock-ordered, tombstoned document store:
// the authoritative backend for a single real-time collaborative sync
// room.
//
// The store holds the live copy of every record in a room (documents),
// remembers deletions long enough for lagging clients to reconcile
// (tombstones), exposes an incremental change log keyed by a monotonic
// logical clock, and offers transactional mutation with change
// notifications. Everything else — the network sync layer, request
// routing, and cold-storage snapshot loading — lives outside this
// package and talks to it only through Store, Txn, and SnapshotLoader.
package roomstore
