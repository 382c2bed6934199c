package impl

import (
	"Inkwell/backend/transport"
	"Inkwell/backend/types"

	"golang.org/x/xerrors"
)

// EntriesMessageCallback hands the entries to the coordinator of their
// document.
func (n *node) EntriesMessageCallback(msg types.Message, pkt transport.Packet) error {
	entriesMsg, ok := msg.(*types.EntriesMessage)
	if !ok {
		return xerrors.Errorf("message is not an EntriesMessage")
	}

	n.OnEntriesReceived(pkt.Header.Source, entriesMsg.Document, entriesMsg.Entries)
	return nil
}

// CursorMessageCallback handles the cursor of a peer.
func (n *node) CursorMessageCallback(msg types.Message, pkt transport.Packet) error {
	cursorMsg, ok := msg.(*types.CursorMessage)
	if !ok {
		return xerrors.Errorf("message is not a CursorMessage")
	}
	if cursorMsg.Cursor == nil {
		cursorMsg.Cursor = make(types.Cursor)
	}

	n.OnCursorReceived(pkt.Header.Source, cursorMsg.Document, cursorMsg.Cursor, cursorMsg.Handshake)
	return nil
}

// RangeRequestMessageCallback answers a range request.
func (n *node) RangeRequestMessageCallback(msg types.Message, pkt transport.Packet) error {
	rangeMsg, ok := msg.(*types.RangeRequestMessage)
	if !ok {
		return xerrors.Errorf("message is not a RangeRequestMessage")
	}

	n.OnRangeRequested(pkt.Header.Source, rangeMsg.Document, rangeMsg.Range)
	return nil
}

// SnapshotMessageCallback merges a snapshot sent by a peer.
func (n *node) SnapshotMessageCallback(msg types.Message, pkt transport.Packet) error {
	snapMsg, ok := msg.(*types.SnapshotMessage)
	if !ok {
		return xerrors.Errorf("message is not a SnapshotMessage")
	}

	n.OnSnapshotReceived(pkt.Header.Source, snapMsg.Snapshot)
	return nil
}

// HeartbeatMessageCallback does nothing: every packet refreshes the liveness
// of its source.
func (n *node) HeartbeatMessageCallback(msg types.Message, pkt transport.Packet) error {
	_, ok := msg.(*types.HeartbeatMessage)
	if !ok {
		return xerrors.Errorf("message is not a HeartbeatMessage")
	}
	return nil
}

// OnEntryReceived implements peer.SyncHandler
func (n *node) OnEntryReceived(peer string, entry types.LogEntry) {
	n.OnEntriesReceived(peer, entry.Document, []types.LogEntry{entry})
}

// OnEntriesReceived implements peer.SyncHandler
func (n *node) OnEntriesReceived(peer string, doc string, entries []types.LogEntry) {
	r, ok := n.documents.Get(doc)
	if !ok {
		n.logSync.Debug().Msgf("ignoring %d entries of unknown document %s from %s", len(entries), doc, peer)
		return
	}
	r.coord.onEntries(peer, entries)
}

// OnCursorReceived implements peer.SyncHandler
func (n *node) OnCursorReceived(peer string, doc string, cursor types.Cursor, handshake bool) {
	r, ok := n.documents.Get(doc)
	if !ok {
		n.logSync.Debug().Msgf("ignoring cursor of unknown document %s from %s", doc, peer)
		return
	}
	r.coord.onCursor(peer, cursor, handshake)
}

// OnRangeRequested implements peer.SyncHandler
func (n *node) OnRangeRequested(peer string, doc string, rg types.Range) {
	r, ok := n.documents.Get(doc)
	if !ok {
		return
	}
	r.coord.onRange(peer, rg)
}

// OnSnapshotReceived implements peer.SyncHandler
func (n *node) OnSnapshotReceived(peer string, snap types.Snapshot) {
	r, ok := n.documents.Get(snap.Document)
	if !ok {
		return
	}
	r.coord.onSnapshot(peer, snap)
}

// OnPeerConnected implements peer.SyncHandler
func (n *node) OnPeerConnected(peer string) {
	n.log.Info().Msgf("peer %s is online", peer)
	for _, r := range n.documents.All() {
		r.coord.connect(peer)
	}
}

// OnPeerDisconnected implements peer.SyncHandler
func (n *node) OnPeerDisconnected(peer string) {
	n.log.Info().Msgf("peer %s is offline", peer)
	for _, r := range n.documents.All() {
		r.coord.disconnect(peer)
	}
}
