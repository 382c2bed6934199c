package peer

import "Inkwell/backend/types"

// Editing defines the functions used by the editor.
type Editing interface {
	// CreateDocument creates an empty document and returns its id.
	CreateDocument() (string, error)

	// JoinDocument opens a document known by other peers, or a document
	// stored locally. Joining an open document is a no-op.
	JoinDocument(id string) error

	// CloseDocument stops replicating a document.
	CloseDocument(id string) error

	// ApplyLocalEdit applies an edit on the local replica, logs it and
	// broadcasts it. It returns the deltas of the visible text and never
	// blocks on the network.
	ApplyLocalEdit(doc string, edit types.Edit) ([]types.Delta, error)

	// ReplaceText turns the text of the document into text with the minimal
	// sequence of inserts and deletes.
	ReplaceText(doc string, text string) ([]types.Delta, error)

	// SubscribeDeltas returns the deltas caused by remote changes, in the
	// order they were applied. The returned function unsubscribes.
	SubscribeDeltas(doc string) (<-chan types.Delta, func(), error)

	// SubscribeStatus returns the sync status changes of every document.
	SubscribeStatus() (<-chan types.SyncStatus, func())

	// RequestSave takes a snapshot of the document now. It returns
	// types.ErrSnapshotDeferred if the document is busy.
	RequestSave(doc string) (types.Snapshot, error)

	// Text returns the visible text of the document.
	Text(doc string) (string, error)

	// DocumentInfo returns the replication state of the document.
	DocumentInfo(doc string) (types.DocumentInfo, error)

	// PeerStates returns what the document knows about each peer.
	PeerStates(doc string) ([]types.PeerSyncState, error)

	// Documents returns the ids of the open documents.
	Documents() []string
}
