package types

import "errors"

var (
	// ErrMalformedEntry is returned for entries or payloads that can never be
	// applied. They are logged and dropped.
	ErrMalformedEntry = errors.New("malformed entry")
	// ErrStalledSync signals remote entries whose dependencies do not arrive.
	ErrStalledSync = errors.New("stalled sync")
	// ErrSnapshotDeferred is returned when the document did not quiesce in
	// time. The snapshot is retried on the next trigger.
	ErrSnapshotDeferred = errors.New("snapshot deferred")
	// ErrPeerUnreachable is returned when a message could not be sent.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrStorage wraps persistent storage failures. It is fatal.
	ErrStorage = errors.New("storage failure")
	// ErrUnknownDocument is returned for a document that is not open.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrInvalidEdit is returned for editor positions outside the text.
	ErrInvalidEdit = errors.New("invalid edit")
)
