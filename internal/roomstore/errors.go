package roomstore

import "errors"

var (
	// ErrEmptyID is returned when a document or tombstone operation is
	// called with an empty id.
	ErrEmptyID = errors.New("roomstore: id required")

	// ErrEmptyMetadataKey is returned when a metadata operation is
	// called with an empty key.
	ErrEmptyMetadataKey = errors.New("roomstore: metadata key required")

	// ErrClockRowMissing indicates the single-row clock table has no
	// row. Bootstrap always inserts one; seeing this means the store
	// was opened against a database that skipped bootstrap.
	ErrClockRowMissing = errors.New("roomstore: clock row missing, store not bootstrapped")

	// ErrSnapshotRequired is returned by OpenColdOrCreate when the
	// loader reports the room was not found and no fallback is
	// configured.
	ErrSnapshotRequired = errors.New("roomstore: no existing store and no snapshot available")

	// ErrDocumentNotFound is for callers reporting an absent document.
	// Txn.GetDocument does not return it: it reports absence through its
	// bool result.
	ErrDocumentNotFound = errors.New("roomstore: document not found")

	// ErrChecksumMismatch is returned by callers comparing a document's
	// Checksum against an expected digest that doesn't match.
	ErrChecksumMismatch = errors.New("roomstore: checksum mismatch")
)
