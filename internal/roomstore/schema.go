package roomstore

// schemaDDL creates the four core tables and the lastChangedClock index.
// Every statement is idempotent so bootstrap can run against a fresh
// database or an existing one without data loss.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		last_changed_clock INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS documents_last_changed_clock_idx ON documents(last_changed_clock)`,
	`CREATE TABLE IF NOT EXISTS tombstones (
		id TEXT PRIMARY KEY,
		clock INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS clock (
		document_clock INTEGER NOT NULL,
		tombstone_history_starts_at_clock INTEGER NOT NULL
	)`,
}

// metadataSchemaKey is the well-known metadata key carrying the
// serialized record schema descriptor.
const metadataSchemaKey = "schema"
