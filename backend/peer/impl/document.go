package impl

import (
	"Inkwell/backend/codec"
	"Inkwell/backend/crdt"
	"Inkwell/backend/logstore"
	"Inkwell/backend/peer"
	"Inkwell/backend/snapshot"
	"Inkwell/backend/storage"
	"Inkwell/backend/types"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// document is an open document: its text, its causal log and its snapshots.
// mu is the single writer lock: every state transition from one entry holds
// it.
//
// - implements logstore.Applier
// - implements snapshot.Target
type document struct {
	id      string
	local   string
	storage storage.Storage
	log     zerolog.Logger

	mu sync.Mutex
	// inflight counts remote batches being applied; snapshots wait for zero.
	inflight  atomic.Int32
	text      *crdt.Text
	store     *logstore.Store
	replaying bool

	snapshots *snapshot.Manager
	feed      *DeltaFeed

	latestMu sync.Mutex
	latest   types.Snapshot

	statsMu sync.Mutex
	stats   types.SyncStats
}

func newDocument(id, local string, conf peer.Configuration, log zerolog.Logger) *document {
	d := &document{
		id:      id,
		local:   local,
		storage: conf.Storage,
		log:     log.With().Str("document", id).Logger(),
		text:    crdt.New(),
		feed:    newDeltaFeed(),
	}

	d.store = logstore.New(logstore.Config{
		Document:   id,
		Local:      local,
		MaxPending: conf.MaxPendingEntries,
		MaxAge:     conf.MaxPendingAge,
		Logger:     d.log,
	}, d)

	d.snapshots = snapshot.NewManager(d, snapshot.Config{
		Interval:       conf.SnapshotInterval,
		Threshold:      conf.SnapshotThreshold,
		QuiesceTimeout: conf.QuiesceTimeout,
		Logger:         d.log,
	})

	return d
}

// load restores the document from the storage: the latest snapshot, then the
// entries above it.
func (d *document) load() error {
	snap, entries, err := d.storage.Load(d.id)
	if err != nil {
		return xerrors.Errorf("failed to load %s: %v: %w", d.id, err, types.ErrStorage)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if snap != nil {
		text, err := crdt.Decode(snap.State)
		if err != nil {
			return xerrors.Errorf("failed to decode snapshot of %s: %v", d.id, err)
		}
		d.text = text
		d.store.Restore(snap.Frontier)
		d.setLatest(*snap)
	}

	d.replaying = true
	skipped, err := d.store.Replay(entries)
	d.replaying = false
	if err != nil {
		return xerrors.Errorf("failed to replay %s: %v", d.id, err)
	}

	d.log.Info().Msgf("loaded %d entries, %d skipped", len(entries)-skipped, skipped)
	return nil
}

// Check implements logstore.Applier
func (d *document) Check(e types.LogEntry) error {
	_, err := codec.Decode(e.Payload)
	return err
}

// Apply implements logstore.Applier. The entry is persisted before it is
// merged, so that a storage failure leaves the state untouched.
func (d *document) Apply(e types.LogEntry) ([]types.Delta, error) {
	op, err := codec.Decode(e.Payload)
	if err != nil {
		return nil, err
	}

	err = d.text.Validate(e.Author, op)
	if err != nil {
		return nil, err
	}

	if !d.replaying {
		err = d.storage.PutEntry(d.id, e)
		if err != nil {
			return nil, xerrors.Errorf("failed to store %s: %v: %w", e.ID(), err, types.ErrStorage)
		}
	}

	return d.text.Apply(e.Author, op)
}

// edit applies a local edit and returns its deltas and entry.
func (d *document) edit(edit types.Edit) ([]types.Delta, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var op types.Operation
	var err error

	switch e := edit.(type) {
	case types.InsertText:
		op, err = d.text.LocalInsert(e.Index, e.Text)
	case types.DeleteRange:
		op, err = d.text.LocalDelete(e.Index, e.Length)
	case types.MoveCursor:
		if e.Index < 0 || e.Anchor < 0 || e.Index > d.text.Len() || e.Anchor > d.text.Len() {
			return nil, xerrors.Errorf("cursor %d/%d out of text of %d: %w", e.Index, e.Anchor, d.text.Len(), types.ErrInvalidEdit)
		}
		op = types.MetadataOp{Index: e.Index, Anchor: e.Anchor}
	default:
		return nil, xerrors.Errorf("unknown edit %T: %w", edit, types.ErrInvalidEdit)
	}
	if err != nil {
		return nil, err
	}

	payload, err := codec.Encode(op)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode %s: %v", op.Name(), err)
	}

	res, err := d.store.AppendLocal(payload)
	if err != nil {
		return nil, err
	}

	return res.Deltas, nil
}

// batch is the outcome of ingesting entries from a peer.
type batch struct {
	// applied lists the entries applied, buffered ones released included.
	applied []types.LogEntry
	stalls  []types.Stall
	// seen is the highest well-formed seq per author in the batch: the
	// sender holds at least these entries.
	seen types.Cursor
}

// ingest applies a batch of entries received from a peer, one entry per
// writer lock. Only storage failures are returned as errors; malformed
// entries are logged and dropped.
func (d *document) ingest(peer string, entries []types.LogEntry) (batch, error) {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	res := batch{seen: make(types.Cursor)}

	for _, e := range entries {
		d.mu.Lock()
		r, err := d.store.InsertRemote(e, peer)
		if err == nil {
			d.feed.Push(r.Deltas)
		}
		d.mu.Unlock()

		d.count(func(s *types.SyncStats) {
			s.EntriesReceived++
			s.EntriesApplied += uint64(len(r.Applied))
		})

		switch {
		case errors.Is(err, types.ErrStorage):
			return res, err
		case errors.Is(err, types.ErrStalledSync):
			d.log.Warn().Err(err).Msgf("reorder buffer full, rejected %s from %s", e.ID(), peer)
			d.count(func(s *types.SyncStats) { s.Stalls++ })
			if r.Stall != nil {
				res.stalls = append(res.stalls, *r.Stall)
			}
			continue
		case err != nil:
			d.log.Warn().Err(err).Msgf("dropping entry %s from %s", e.ID(), peer)
			d.count(func(s *types.SyncStats) { s.Malformed++ })
			continue
		}

		switch r.Outcome {
		case logstore.Duplicate:
			d.count(func(s *types.SyncStats) { s.Duplicates++ })
		case logstore.Buffered:
			d.count(func(s *types.SyncStats) { s.Buffered++ })
		}
		if res.seen[e.Author] < e.Seq {
			res.seen[e.Author] = e.Seq
		}
		res.applied = append(res.applied, r.Applied...)
	}

	d.snapshots.Notify()
	return res, nil
}

// mergeSnapshot merges the state of a snapshot received from a peer whose
// log was pruned below our frontier. The merged state is checkpointed right
// away, since the entries it holds will never be in our log.
func (d *document) mergeSnapshot(peer string, snap types.Snapshot) ([]types.LogEntry, error) {
	if snap.Document != d.id {
		return nil, xerrors.Errorf("snapshot of %q: %w", snap.Document, types.ErrMalformedEntry)
	}
	if d.store.Frontier().Dominates(snap.Frontier) {
		return nil, nil
	}

	other, err := crdt.Decode(snap.State)
	if err != nil {
		return nil, xerrors.Errorf("snapshot from %s: %v: %w", peer, err, types.ErrMalformedEntry)
	}

	d.inflight.Add(1)
	d.mu.Lock()
	deltas := d.text.Merge(other)
	res, err := d.store.AdoptFrontier(snap.Frontier)
	d.feed.Push(deltas)
	d.feed.Push(res.Deltas)
	var merged types.Snapshot
	if err == nil {
		merged, err = d.Capture()
	}
	d.mu.Unlock()
	d.inflight.Add(-1)

	if err != nil {
		return nil, err
	}

	d.log.Info().Msgf("merged snapshot of height %d from %s", snap.Height, peer)

	// The adopted entries are below the floor: peers behind it are served
	// the merged state until it is saved.
	d.setLatest(merged)

	_, err = d.snapshots.Save()
	if err != nil && !errors.Is(err, types.ErrSnapshotDeferred) {
		return res.Applied, err
	}
	return res.Applied, nil
}

// Quiesce implements snapshot.Target
func (d *document) Quiesce(wait time.Duration) (func(), bool) {
	deadline := time.Now().Add(wait)
	for {
		if d.inflight.Load() == 0 && d.mu.TryLock() {
			if d.inflight.Load() == 0 {
				return d.mu.Unlock, true
			}
			d.mu.Unlock()
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Capture implements snapshot.Target
func (d *document) Capture() (types.Snapshot, error) {
	state, err := d.text.Encode()
	if err != nil {
		return types.Snapshot{}, xerrors.Errorf("failed to encode state: %v", err)
	}

	frontier := d.store.Frontier()
	return types.Snapshot{
		Document: d.id,
		State:    state,
		Height:   frontier.Height(),
		Frontier: frontier,
		Taken:    time.Now(),
	}, nil
}

// Compact implements snapshot.Target
func (d *document) Compact(snap types.Snapshot) error {
	err := d.storage.Compact(d.id, snap)
	if err != nil {
		return xerrors.Errorf("failed to compact: %v: %w", err, types.ErrStorage)
	}

	pruned := d.store.Prune(snap.Frontier)
	d.setLatest(snap)
	d.log.Debug().Msgf("pruned %d entries below height %d", pruned, snap.Height)
	return nil
}

// SinceSnapshot implements snapshot.Target
func (d *document) SinceSnapshot() int {
	return d.store.SinceSnapshot()
}

func (d *document) setLatest(snap types.Snapshot) {
	d.latestMu.Lock()
	defer d.latestMu.Unlock()
	d.latest = snap
}

// Latest returns the last snapshot written, zero if none.
func (d *document) Latest() types.Snapshot {
	d.latestMu.Lock()
	defer d.latestMu.Unlock()
	return d.latest
}

// String returns the visible text.
func (d *document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

func (d *document) count(f func(*types.SyncStats)) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	f(&d.stats)
}

// Info returns the replication summary of the document.
func (d *document) Info() types.DocumentInfo {
	d.mu.Lock()
	length := d.text.Len()
	d.mu.Unlock()

	d.statsMu.Lock()
	stats := d.stats
	d.statsMu.Unlock()

	taken, deferred := d.snapshots.Counts()
	stats.SnapshotsTaken = taken
	stats.SnapshotsDeferred = deferred

	return types.DocumentInfo{
		ID:       d.id,
		Length:   length,
		Frontier: d.store.Frontier(),
		Floor:    d.store.Floor(),
		Height:   d.store.Height(),
		Pending:  d.store.Pending(),
		Snapshot: d.Latest().Height,
		Stats:    stats,
	}
}
