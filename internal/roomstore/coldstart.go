package roomstore

import (
	"context"
	"database/sql"
	"fmt"
)

// SnapshotLoader fetches a room's last known state from wherever a
// caller keeps cold storage (object storage, a legacy database, a
// peer). It is implemented and provided entirely outside this package;
// roomstore only depends on the interface. The bool return follows the
// idiomatic Go "ok" convention rather than a tri-state result: false
// means no snapshot exists yet for slug, not that loading failed.
type SnapshotLoader interface {
	Load(ctx context.Context, slug string) (*Snapshot, bool, error)
}

// coldStartConfig holds OpenColdOrCreate-only settings, kept separate
// from storeConfig so RequireExistingSnapshot can't accidentally be
// passed to plain Open.
type coldStartConfig struct {
	requireSnapshot bool
}

// ColdStartOption configures OpenColdOrCreate.
type ColdStartOption func(*coldStartConfig)

// RequireExistingSnapshot makes OpenColdOrCreate fail with
// ErrSnapshotRequired instead of silently creating an empty room when
// loader reports the room was not found. Use this when a missing
// snapshot means the slug was typo'd or the room was never created,
// rather than "this really is a brand new room".
func RequireExistingSnapshot() ColdStartOption {
	return func(c *coldStartConfig) { c.requireSnapshot = true }
}

// OpenColdOrCreate opens the room database at dsn. If it has not yet
// been initialized, it consults loader for a snapshot to seed from
// before falling back to an empty room. This is the entry point a host
// uses the first time a room is touched in a process, when the local
// file may not exist or may be an empty file the host just created.
func OpenColdOrCreate(ctx context.Context, dsn string, slug string, loader SnapshotLoader, opts []Option, coldOpts ...ColdStartOption) (*Store, error) {
	var cfg coldStartConfig
	for _, opt := range coldOpts {
		opt(&cfg)
	}

	// Probe on a bare handle, before Store.Open's own bootstrap has a
	// chance to create the clock row itself — otherwise every room
	// would look "already initialized" by the time we could ask.
	probeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("roomstore: cold-open probe: %w", err)
	}
	alreadyInitialized := HasBeenInitialized(ctx, probeDB)
	if err := probeDB.Close(); err != nil {
		return nil, fmt.Errorf("roomstore: cold-open probe close: %w", err)
	}
	if alreadyInitialized {
		return Open(ctx, dsn, opts...)
	}

	snapshot, found, err := loader.Load(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("roomstore: load snapshot for %q: %w", slug, err)
	}
	if !found {
		if cfg.requireSnapshot {
			return nil, ErrSnapshotRequired
		}
		return Open(ctx, dsn, opts...)
	}
	return Open(ctx, dsn, append(opts, WithSnapshot(snapshot))...)
}
