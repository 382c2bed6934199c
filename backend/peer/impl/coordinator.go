package impl

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

const inboxSize = 1024

// coordinator replicates one document with the connected peers. Each peer
// has a worker goroutine draining its inbox, so that messages of a peer are
// handled in order and a slow peer does not hold the others.
type coordinator struct {
	doc    *document
	sender transport.Sender
	conf   peer.Configuration
	log    zerolog.Logger

	// status is called on every phase or status change.
	status func(types.SyncStatus)
	// unreachable is called when sending to a peer failed.
	unreachable func(peer string)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	peers map[string]*peerState
}

// peerState is what the document knows about a peer. It outlives the
// connection so that a reconnection resumes from the last known cursor.
type peerState struct {
	state types.PeerSyncState
	// sent is the cursor of what was sent since the last handshake.
	sent types.Cursor

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan func()

	backoff *backoff.ExponentialBackOff
	stall   *types.Stall
	recheck bool
}

func newCoordinator(ctx context.Context, doc *document, sender transport.Sender, conf peer.Configuration, log zerolog.Logger) *coordinator {
	ctx, cancel := context.WithCancel(ctx)
	return &coordinator{
		doc:         doc,
		sender:      sender,
		conf:        conf,
		log:         log.With().Str("document", doc.id).Logger(),
		status:      func(types.SyncStatus) {},
		unreachable: func(string) {},
		ctx:         ctx,
		cancel:      cancel,
		peers:       make(map[string]*peerState),
	}
}

func (c *coordinator) stop() {
	c.cancel()
}

func (c *coordinator) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.conf.Backoff.Initial
	b.Multiplier = float64(c.conf.Backoff.Factor)
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// connect starts replicating with a peer: Disconnected -> Handshaking.
func (c *coordinator) connect(peer string) {
	c.mu.Lock()
	ps, ok := c.peers[peer]
	if !ok {
		ps = &peerState{
			state: types.PeerSyncState{Peer: peer, Cursor: make(types.Cursor)},
		}
		c.peers[peer] = ps
	}
	if ps.cancel != nil {
		c.mu.Unlock()
		return
	}

	ps.ctx, ps.cancel = context.WithCancel(c.ctx)
	ps.inbox = make(chan func(), inboxSize)
	ps.sent = make(types.Cursor)
	ps.backoff = c.newBackoff()
	ps.stall = nil
	ps.recheck = false
	ps.state.Phase = types.Handshaking
	ps.state.Status = types.Online
	ps.state.Retries = 0
	status := c.statusOf(ps)
	ctx, inbox := ps.ctx, ps.inbox
	c.mu.Unlock()

	c.log.Info().Msgf("connected to %s", peer)
	c.status(status)

	go c.work(ctx, inbox)
	c.enqueue(peer, func() { c.handshake(ps) })
}

// disconnect stops the worker of a peer. Its state is kept.
func (c *coordinator) disconnect(peer string) {
	c.mu.Lock()
	ps, ok := c.peers[peer]
	if !ok || ps.cancel == nil {
		c.mu.Unlock()
		return
	}

	ps.cancel()
	ps.cancel = nil
	ps.state.Phase = types.Disconnected
	ps.state.Status = types.Offline
	status := c.statusOf(ps)
	c.mu.Unlock()

	c.log.Info().Msgf("disconnected from %s", peer)
	c.status(status)
}

func (c *coordinator) work(ctx context.Context, inbox chan func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-inbox:
			task()
		}
	}
}

// enqueue runs task on the worker of peer. It returns false if the peer is
// not connected.
func (c *coordinator) enqueue(peer string, task func()) bool {
	c.mu.Lock()
	ps, ok := c.peers[peer]
	if !ok || ps.cancel == nil {
		c.mu.Unlock()
		return false
	}
	ctx, inbox := ps.ctx, ps.inbox
	c.mu.Unlock()

	select {
	case inbox <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// peerState returns the state of a connected peer.
func (c *coordinator) peerState(peer string) (*peerState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.peers[peer]
	if !ok || ps.cancel == nil {
		return nil, false
	}
	return ps, true
}

// -----------------------------------------------------------------------------
// Inbound

func (c *coordinator) onCursor(peer string, cursor types.Cursor, handshake bool) {
	ps, ok := c.peerState(peer)
	if !ok {
		return
	}
	c.enqueue(peer, func() { c.handleCursor(ps, cursor, handshake) })
}

func (c *coordinator) onEntries(peer string, entries []types.LogEntry) {
	ps, ok := c.peerState(peer)
	if !ok {
		return
	}
	c.enqueue(peer, func() { c.handleEntries(ps, entries) })
}

func (c *coordinator) onRange(peer string, r types.Range) {
	ps, ok := c.peerState(peer)
	if !ok {
		return
	}
	c.enqueue(peer, func() { c.handleRange(ps, r) })
}

func (c *coordinator) onSnapshot(peer string, snap types.Snapshot) {
	ps, ok := c.peerState(peer)
	if !ok {
		return
	}
	c.enqueue(peer, func() { c.handleSnapshot(ps, snap) })
}

// onStall starts the recovery of entries stuck in the reorder buffer.
func (c *coordinator) onStall(stall types.Stall) {
	ps, ok := c.peerState(stall.Peer)
	if !ok {
		return
	}
	c.enqueue(stall.Peer, func() { c.recover(ps, stall) })
}

// -----------------------------------------------------------------------------
// Outbound

// broadcast sends the new entries to every synced peer except the excluded
// ones.
func (c *coordinator) broadcast(excluding ...string) {
	for _, peer := range c.synced(excluding...) {
		ps, ok := c.peerState(peer)
		if !ok {
			continue
		}
		c.enqueue(peer, func() { c.flush(ps) })
	}
}

// antiEntropy asks every synced peer for its cursor, forgetting what was
// sent, so that lost messages are sent again.
func (c *coordinator) antiEntropy() {
	for _, peer := range c.synced() {
		ps, ok := c.peerState(peer)
		if !ok {
			continue
		}
		c.enqueue(peer, func() {
			c.mu.Lock()
			ps.sent = make(types.Cursor)
			c.mu.Unlock()
			c.sendCursor(ps, true)
		})
	}
}

func (c *coordinator) synced(excluding ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res []string
	for peer, ps := range c.peers {
		if ps.cancel == nil {
			continue
		}
		if ps.state.Phase != types.Syncing && ps.state.Phase != types.Steady {
			continue
		}
		excluded := false
		for _, e := range excluding {
			excluded = excluded || e == peer
		}
		if !excluded {
			res = append(res, peer)
		}
	}
	sort.Strings(res)
	return res
}

// -----------------------------------------------------------------------------
// Worker tasks

func (c *coordinator) handshake(ps *peerState) {
	c.sendCursor(ps, true)
}

// handleCursor merges the cursor of the peer and sends what it lacks. A
// handshake cursor is answered with ours and resets what was sent.
func (c *coordinator) handleCursor(ps *peerState, cursor types.Cursor, handshake bool) {
	c.mu.Lock()
	ps.state.Cursor.Merge(cursor)
	ps.state.LastSeen = time.Now()
	if handshake {
		ps.sent = make(types.Cursor)
	}
	changed := ps.state.Phase == types.Handshaking || ps.state.Status != types.Online
	if ps.state.Phase == types.Handshaking {
		ps.state.Phase = types.Syncing
	}
	ps.state.Status = types.Online
	status := c.statusOf(ps)
	c.mu.Unlock()

	if changed {
		c.status(status)
	}

	if handshake && !c.sendCursor(ps, false) {
		return
	}
	if !c.flush(ps) {
		return
	}
	c.checkCaughtUp(ps)
}

// handleEntries ingests entries of the peer and acks them with our cursor.
// Only well-formed entries tell what the peer holds.
func (c *coordinator) handleEntries(ps *peerState, entries []types.LogEntry) {
	res, err := c.doc.ingest(ps.state.Peer, entries)

	c.mu.Lock()
	ps.state.Cursor.Merge(res.seen)
	ps.state.LastSeen = time.Now()
	c.mu.Unlock()

	if err != nil {
		c.log.Error().Err(err).Msgf("failed to apply entries from %s", ps.state.Peer)
		return
	}

	if len(res.applied) > 0 {
		c.broadcast(ps.state.Peer)
	}
	if len(res.seen) > 0 && !c.sendCursor(ps, false) {
		return
	}

	for _, stall := range res.stalls {
		c.recover(ps, stall)
	}

	c.checkCaughtUp(ps)
}

func (c *coordinator) handleRange(ps *peerState, r types.Range) {
	entries, belowFloor := c.doc.store.Range(r)

	if belowFloor {
		snap := c.doc.Latest()
		if !snap.IsZero() {
			err := c.sender.SendSnapshot(ps.state.Peer, snap)
			if err != nil {
				c.fail(ps, err)
				return
			}
		}
	}

	if len(entries) == 0 {
		return
	}
	err := c.sender.SendEntries(ps.state.Peer, c.doc.id, entries)
	if err != nil {
		c.fail(ps, err)
	}
}

func (c *coordinator) handleSnapshot(ps *peerState, snap types.Snapshot) {
	c.mu.Lock()
	ps.state.Cursor.Merge(snap.Frontier)
	c.mu.Unlock()

	applied, err := c.doc.mergeSnapshot(ps.state.Peer, snap)
	if err != nil {
		c.log.Warn().Err(err).Msgf("dropping snapshot from %s", ps.state.Peer)
		return
	}
	if len(applied) > 0 {
		c.broadcast(ps.state.Peer)
	}

	if !c.sendCursor(ps, false) {
		return
	}
	c.checkCaughtUp(ps)
}

// flush sends the peer the entries it lacks as far as we know, preceded by
// our latest snapshot when its cursor is behind our prune floor.
func (c *coordinator) flush(ps *peerState) bool {
	c.mu.Lock()
	phase := ps.state.Phase
	known := ps.state.Cursor.Copy()
	known.Merge(ps.sent)
	c.mu.Unlock()

	if phase != types.Syncing && phase != types.Steady {
		return true
	}

	entries, needSnapshot := c.doc.store.Missing(known)

	var snap types.Snapshot
	if needSnapshot {
		snap = c.doc.Latest()
		if !snap.IsZero() {
			err := c.sender.SendSnapshot(ps.state.Peer, snap)
			if err != nil {
				c.fail(ps, err)
				return false
			}
		}
	}

	if len(entries) > 0 {
		err := c.sender.SendEntries(ps.state.Peer, c.doc.id, entries)
		if err != nil {
			c.fail(ps, err)
			return false
		}
	}

	c.mu.Lock()
	ps.sent.Merge(snap.Frontier)
	for _, e := range entries {
		if ps.sent[e.Author] < e.Seq {
			ps.sent[e.Author] = e.Seq
		}
	}
	c.mu.Unlock()

	return true
}

// checkCaughtUp moves a syncing peer to Steady once both cursors are equal:
// we hold everything it has and it reported holding everything we have.
func (c *coordinator) checkCaughtUp(ps *peerState) {
	frontier := c.doc.store.Frontier()

	c.mu.Lock()
	caughtUp := frontier.Dominates(ps.state.Cursor) && ps.state.Cursor.Dominates(frontier)
	if ps.state.Phase != types.Syncing || !caughtUp {
		c.mu.Unlock()
		return
	}
	ps.state.Phase = types.Steady
	status := c.statusOf(ps)
	c.mu.Unlock()

	c.log.Info().Msgf("steady with %s", ps.state.Peer)
	c.status(status)
	c.sendCursor(ps, false)
}

// recover requests the missing ranges of a stall and schedules a recheck
// after the backoff delay.
func (c *coordinator) recover(ps *peerState, stall types.Stall) {
	for _, r := range stall.Missing {
		err := c.sender.RequestRange(ps.state.Peer, c.doc.id, r)
		if err != nil {
			c.fail(ps, err)
			return
		}
	}

	c.mu.Lock()
	ps.stall = &stall
	if ps.recheck {
		c.mu.Unlock()
		return
	}
	ps.recheck = true
	delay := ps.backoff.NextBackOff()
	c.mu.Unlock()

	c.log.Debug().Msgf("requested %d ranges from %s, recheck in %s", len(stall.Missing), ps.state.Peer, delay)

	time.AfterFunc(delay, func() {
		c.enqueue(ps.state.Peer, func() { c.recheck(ps) })
	})
}

// recheck retries a stalled recovery, and handshakes the peer again after
// Backoff.Retry attempts.
func (c *coordinator) recheck(ps *peerState) {
	pending := c.doc.store.PendingFrom(ps.state.Peer)

	c.mu.Lock()
	ps.recheck = false
	if ps.stall == nil {
		// reset by a reconnection
		c.mu.Unlock()
		return
	}
	if pending == 0 {
		ps.state.Retries = 0
		ps.stall = nil
		ps.backoff.Reset()
		c.mu.Unlock()
		return
	}

	ps.state.Retries++
	if ps.state.Retries <= c.conf.Backoff.Retry {
		stall := *ps.stall
		c.mu.Unlock()
		c.recover(ps, stall)
		return
	}

	ps.state.Retries = 0
	ps.stall = nil
	ps.backoff.Reset()
	ps.state.Phase = types.Handshaking
	ps.state.Status = types.Reconnecting
	ps.sent = make(types.Cursor)
	status := c.statusOf(ps)
	c.mu.Unlock()

	c.log.Warn().Msgf("%d entries from %s still pending, handshaking again", pending, ps.state.Peer)
	c.doc.count(func(s *types.SyncStats) { s.Escalations++ })
	c.status(status)
	c.handshake(ps)
}

// -----------------------------------------------------------------------------
// Helpers

func (c *coordinator) sendCursor(ps *peerState, handshake bool) bool {
	err := c.sender.SendCursor(ps.state.Peer, c.doc.id, c.doc.store.Frontier(), handshake)
	if err != nil {
		c.fail(ps, err)
		return false
	}
	return true
}

func (c *coordinator) fail(ps *peerState, err error) {
	c.log.Warn().Err(err).Msgf("failed to send to %s", ps.state.Peer)
	if errors.Is(err, types.ErrPeerUnreachable) {
		c.unreachable(ps.state.Peer)
	}
}

func (c *coordinator) statusOf(ps *peerState) types.SyncStatus {
	return types.SyncStatus{
		Document: c.doc.id,
		Peer:     ps.state.Peer,
		Phase:    ps.state.Phase,
		Status:   ps.state.Status,
	}
}

// states returns a copy of the peer states, sorted by peer.
func (c *coordinator) states() []types.PeerSyncState {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := make([]types.PeerSyncState, 0, len(c.peers))
	for _, ps := range c.peers {
		s := ps.state
		s.Cursor = ps.state.Cursor.Copy()
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Peer < res[j].Peer
	})
	return res
}
