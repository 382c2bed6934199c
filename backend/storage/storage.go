package storage

import "Inkwell/backend/types"

// Storage persists, per document, the latest snapshot and the log entries
// above it, keyed by (author, seq).
type Storage interface {
	// PutEntry stores an entry. Storing the same entry twice is a no-op.
	PutEntry(doc string, e types.LogEntry) error

	// Compact atomically stores snap and deletes the entries it covers.
	Compact(doc string, snap types.Snapshot) error

	// Load returns the latest snapshot of the document, nil if none, and the
	// stored entries sorted by (author, seq).
	Load(doc string) (*types.Snapshot, []types.LogEntry, error)

	// Documents returns the ids of the stored documents.
	Documents() ([]string, error)

	// Close releases the storage.
	Close() error
}
