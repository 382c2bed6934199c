package peer

import "Inkwell/backend/types"

// SyncHandler is the inbound side of the sync protocol, called by the
// transport when something arrives from a peer.
type SyncHandler interface {
	OnEntryReceived(peer string, entry types.LogEntry)
	OnEntriesReceived(peer string, doc string, entries []types.LogEntry)
	OnCursorReceived(peer string, doc string, cursor types.Cursor, handshake bool)
	OnRangeRequested(peer string, doc string, r types.Range)
	OnSnapshotReceived(peer string, snap types.Snapshot)

	OnPeerConnected(peer string)
	OnPeerDisconnected(peer string)
}
