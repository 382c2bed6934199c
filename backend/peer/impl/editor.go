package impl

import (
	"Inkwell/backend/types"
	"context"
	"errors"

	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// CreateDocument implements peer.Editing
func (n *node) CreateDocument() (string, error) {
	id := xid.New().String()

	err := n.openDocument(id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// JoinDocument implements peer.Editing
func (n *node) JoinDocument(id string) error {
	if id == "" {
		return xerrors.Errorf("empty document id: %w", types.ErrUnknownDocument)
	}
	_, ok := n.documents.Get(id)
	if ok {
		return nil
	}
	return n.openDocument(id)
}

func (n *node) openDocument(id string) error {
	doc := newDocument(id, n.GetAddr(), n.conf, n.logCRDT)
	err := doc.load()
	if err != nil {
		return xerrors.Errorf("failed to open %s: %v", id, err)
	}

	coord := newCoordinator(n.ctx, doc, n, n.conf, n.logSync)
	coord.status = n.status.Publish
	coord.unreachable = n.peerDown

	ctx, stop := context.WithCancel(n.ctx)
	r := &replica{doc: doc, coord: coord, stop: stop}
	if !n.documents.Put(id, r) {
		stop()
		coord.stop()
		return nil
	}

	go doc.snapshots.Run(ctx)

	for _, p := range n.peers.Online() {
		coord.connect(p)
	}

	n.log.Info().Msgf("opened document %s", id)
	return nil
}

// CloseDocument implements peer.Editing. A last snapshot is attempted.
func (n *node) CloseDocument(id string) error {
	r, ok := n.documents.Remove(id)
	if !ok {
		return xerrors.Errorf("close %s: %w", id, types.ErrUnknownDocument)
	}

	r.stop()
	r.coord.stop()
	r.doc.feed.Close()

	if r.doc.SinceSnapshot() > 0 {
		_, err := r.doc.snapshots.Save()
		if err != nil && !errors.Is(err, types.ErrSnapshotDeferred) {
			return xerrors.Errorf("failed to save %s: %v", id, err)
		}
	}
	return nil
}

func (n *node) lookup(id string) (*replica, error) {
	r, ok := n.documents.Get(id)
	if !ok {
		return nil, xerrors.Errorf("document %s: %w", id, types.ErrUnknownDocument)
	}
	return r, nil
}

// ApplyLocalEdit implements peer.Editing
func (n *node) ApplyLocalEdit(doc string, edit types.Edit) ([]types.Delta, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return nil, err
	}

	deltas, err := r.doc.edit(edit)
	if err != nil {
		return nil, err
	}

	r.doc.snapshots.Notify()
	r.coord.broadcast()
	return deltas, nil
}

// ReplaceText implements peer.Editing
func (n *node) ReplaceText(doc string, text string) ([]types.Delta, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return nil, err
	}

	var deltas []types.Delta
	for _, edit := range diffEdits(r.doc.String(), text) {
		res, err := n.ApplyLocalEdit(doc, edit)
		if err != nil {
			return deltas, err
		}
		deltas = append(deltas, res...)
	}
	return deltas, nil
}

// SubscribeDeltas implements peer.Editing
func (n *node) SubscribeDeltas(doc string) (<-chan types.Delta, func(), error) {
	r, err := n.lookup(doc)
	if err != nil {
		return nil, nil, err
	}

	ch, cancel := r.doc.feed.Subscribe()
	return ch, cancel, nil
}

// SubscribeStatus implements peer.Editing
func (n *node) SubscribeStatus() (<-chan types.SyncStatus, func()) {
	return n.status.Subscribe()
}

// RequestSave implements peer.Editing
func (n *node) RequestSave(doc string) (types.Snapshot, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return types.Snapshot{}, err
	}
	return r.doc.snapshots.Save()
}

// Text implements peer.Editing
func (n *node) Text(doc string) (string, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return "", err
	}
	return r.doc.String(), nil
}

// DocumentInfo implements peer.Editing
func (n *node) DocumentInfo(doc string) (types.DocumentInfo, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return types.DocumentInfo{}, err
	}
	return r.doc.Info(), nil
}

// PeerStates implements peer.Editing
func (n *node) PeerStates(doc string) ([]types.PeerSyncState, error) {
	r, err := n.lookup(doc)
	if err != nil {
		return nil, err
	}
	return r.coord.states(), nil
}

// Documents implements peer.Editing
func (n *node) Documents() []string {
	all := n.documents.All()
	res := make([]string, len(all))
	for i, r := range all {
		res[i] = r.doc.id
	}
	return res
}
