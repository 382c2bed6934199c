package impl

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

var logIO = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// NewPeer creates a new peer. You can change the content and location of this
// function, but you MUST NOT change its signature and package location.
func NewPeer(conf peer.Configuration) peer.Peer {
	conf = conf.WithDefaults()

	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	addr := conf.Socket.GetAddress()
	logger := newLogger(logIO, level).With().Str("node", addr).Logger()
	loggerSync := newLogger(logIO, level).With().Str("node", addr).Str("layer", "sync").Logger()
	loggerCRDT := newLogger(logIO, level).With().Str("node", addr).Str("layer", "crdt").Logger()

	ctx, cancel := context.WithCancel(context.Background())

	return &node{
		conf:      conf,
		ctx:       ctx,
		cancel:    cancel,
		log:       logger,
		logSync:   loggerSync,
		logCRDT:   loggerCRDT,
		peers:     newPeerTable(),
		documents: newDocumentTable(),
		status:    newStatusFeed(),
	}
}

// Helper functions

func newLogger(io io.Writer, level zerolog.Level) zerolog.Logger {
	logger := zerolog.New(io).With().Timestamp().Logger()
	return logger.Level(level)
}

// replica is an open document and the coordinator replicating it.
type replica struct {
	doc   *document
	coord *coordinator
	// stop ends the snapshot loop.
	stop context.CancelFunc
}

// DocumentTable holds the open documents.
type DocumentTable struct {
	mu   sync.Mutex
	docs map[string]*replica
}

func newDocumentTable() *DocumentTable {
	return &DocumentTable{
		docs: make(map[string]*replica),
	}
}

// Get returns an open document.
func (t *DocumentTable) Get(id string) (*replica, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.docs[id]
	return r, ok
}

// Put adds an open document. It returns false if the document is open.
func (t *DocumentTable) Put(id string, r *replica) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.docs[id]
	if ok {
		return false
	}
	t.docs[id] = r
	return true
}

// Remove removes an open document.
func (t *DocumentTable) Remove(id string) (*replica, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.docs[id]
	delete(t.docs, id)
	return r, ok
}

// All returns the open documents sorted by id.
func (t *DocumentTable) All() []*replica {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]*replica, 0, len(t.docs))
	for _, r := range t.docs {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].doc.id < res[j].doc.id
	})
	return res
}

// node implements a peer of the sync network
//
// - implements peer.Peer
// - implements transport.Sender
type node struct {
	peer.Peer
	conf      peer.Configuration
	ctx       context.Context    // for managing the start/stop
	cancel    context.CancelFunc // to cancel the goroutines
	wg        sync.WaitGroup
	log       zerolog.Logger
	logSync   zerolog.Logger
	logCRDT   zerolog.Logger
	peers     *PeerTable
	documents *DocumentTable
	status    *StatusFeed
}

// Start implements peer.Service
func (n *node) Start() error {
	// register the callback functions
	n.conf.MessageRegistry.RegisterMessageCallback(&types.EntriesMessage{}, n.EntriesMessageCallback)
	n.conf.MessageRegistry.RegisterMessageCallback(&types.CursorMessage{}, n.CursorMessageCallback)
	n.conf.MessageRegistry.RegisterMessageCallback(&types.RangeRequestMessage{}, n.RangeRequestMessageCallback)
	n.conf.MessageRegistry.RegisterMessageCallback(&types.SnapshotMessage{}, n.SnapshotMessageCallback)
	n.conf.MessageRegistry.RegisterMessageCallback(&types.HeartbeatMessage{}, n.HeartbeatMessageCallback)

	// use non-blocking GoRoutine to listen on incoming messages
	n.wg.Add(1)
	go n.Listen()

	if n.conf.HeartbeatInterval > 0 {
		n.wg.Add(1)
		go n.HeartbeatTicker()
	}

	if n.conf.AntiEntropyInterval > 0 {
		n.wg.Add(1)
		go n.AntiEntropyTicker()
	}

	n.wg.Add(1)
	go n.StallTicker()

	return nil
}

// Stop implements peer.Service
func (n *node) Stop() error {
	n.cancel()

	for _, r := range n.documents.All() {
		err := n.CloseDocument(r.doc.id)
		if err != nil {
			n.log.Warn().Err(err).Msgf("failed to close %s", r.doc.id)
		}
	}

	n.wg.Wait()
	return nil
}

// GetAddr implements peer.Peer
func (n *node) GetAddr() string {
	return n.conf.Socket.GetAddress()
}

// AddPeer implements peer.Peer
func (n *node) AddPeer(addr ...string) {
	for _, a := range addr {
		if a == n.GetAddr() {
			n.log.Info().Msg("Ignoring adding self as peer")
			continue
		}
		n.peers.Add(a)
		n.peerUp(a)
	}
}

func (n *node) Listen() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			n.log.Debug().Msg("Stopping listening to incoming messages")
			return
		default:
		}

		pkt, err := n.conf.Socket.Recv(time.Second / 10)
		if errors.Is(err, transport.TimeoutError(0)) {
			continue
		}
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
			}
			n.log.Error().Err(err).Msg("Failed to receive message")
			time.Sleep(time.Second / 10)
			continue
		}

		if pkt.Header == nil || pkt.Header.Source == n.GetAddr() {
			continue
		}

		n.peerUp(pkt.Header.Source)

		err = n.ProcessMsg(pkt)
		if err != nil {
			n.log.Warn().Err(err).Msgf("Failed to process message from %s", pkt.Header.Source)
		}
	}
}

// ProcessMsg handles a message received by this node.
func (n *node) ProcessMsg(pkt transport.Packet) error {
	err := n.conf.MessageRegistry.ProcessPacket(pkt)
	if err != nil {
		return xerrors.Errorf("failed to process message: %v", err)
	}
	return nil
}

func (n *node) HeartbeatTicker() {
	defer n.wg.Done()

	heartbeatTicker := time.NewTicker(n.conf.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.log.Debug().Msg("Stopping heartbeat")
			return
		case <-heartbeatTicker.C:
			n.SendHeartbeat()

			if n.conf.PeerTimeout > 0 {
				for _, p := range n.peers.Silent(time.Now().Add(-n.conf.PeerTimeout)) {
					n.log.Info().Msgf("no heartbeat from %s", p)
					n.peerDown(p)
				}
			}
		}
	}
}

func (n *node) AntiEntropyTicker() {
	defer n.wg.Done()

	antiEntropyTicker := time.NewTicker(n.conf.AntiEntropyInterval)
	defer antiEntropyTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.log.Debug().Msg("Stopping anti-entropy")
			return
		case <-antiEntropyTicker.C:
			for _, r := range n.documents.All() {
				r.coord.antiEntropy()
			}
		}
	}
}

// StallTicker reports the entries waiting too long for their dependencies.
func (n *node) StallTicker() {
	defer n.wg.Done()

	stallTicker := time.NewTicker(n.conf.StallCheckInterval)
	defer stallTicker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-stallTicker.C:
			for _, r := range n.documents.All() {
				for _, stall := range r.doc.store.Expired() {
					n.logSync.Warn().Msgf("%s: entries from %s stalled: %s", stall.Document, stall.Peer, stall.Reason)
					r.doc.count(func(s *types.SyncStats) { s.Stalls++ })
					r.coord.onStall(stall)
				}
			}
		}
	}
}

// SendHeartbeat sends a heartbeat to every known peer, offline ones included
// so that they learn we are back.
func (n *node) SendHeartbeat() {
	for _, p := range n.peers.All() {
		err := n.SendMsg(p, types.HeartbeatMessage{})
		if err != nil {
			n.log.Debug().Err(err).Msgf("heartbeat to %s failed", p)
			n.peerDown(p)
		}
	}
}

// peerUp marks a peer online and starts replicating with it.
func (n *node) peerUp(addr string) {
	if !n.peers.Seen(addr, time.Now()) {
		return
	}
	n.OnPeerConnected(addr)
}

// peerDown marks a peer offline and stops replicating with it.
func (n *node) peerDown(addr string) {
	if !n.peers.Down(addr) {
		return
	}
	n.OnPeerDisconnected(addr)
}

// SendMsg sends a message to a peer. Failures wrap types.ErrPeerUnreachable.
func (n *node) SendMsg(dest string, msg types.Message) error {
	transpMsg, err := n.conf.MessageRegistry.MarshalMessage(msg)
	if err != nil {
		return xerrors.Errorf("failed to marshal %s: %v", msg.Name(), err)
	}

	header := transport.NewHeader(n.GetAddr(), n.GetAddr(), dest)
	pkt := transport.Packet{
		Header: &header,
		Msg:    &transpMsg,
	}

	err = n.conf.Socket.Send(dest, pkt, n.conf.SendTimeout)
	if err != nil {
		return xerrors.Errorf("failed to send %s to %s: %v: %w", msg.Name(), dest, err, types.ErrPeerUnreachable)
	}
	return nil
}

// SendEntries implements transport.Sender. Entries are split in batches of
// BatchSize.
func (n *node) SendEntries(peer string, doc string, entries []types.LogEntry) error {
	for start := 0; start < len(entries); start += n.conf.BatchSize {
		end := start + n.conf.BatchSize
		if end > len(entries) {
			end = len(entries)
		}

		err := n.SendMsg(peer, types.EntriesMessage{Document: doc, Entries: entries[start:end]})
		if err != nil {
			return err
		}
	}
	return nil
}

// SendCursor implements transport.Sender
func (n *node) SendCursor(peer string, doc string, cursor types.Cursor, handshake bool) error {
	return n.SendMsg(peer, types.CursorMessage{Document: doc, Cursor: cursor, Handshake: handshake})
}

// RequestRange implements transport.Sender
func (n *node) RequestRange(peer string, doc string, r types.Range) error {
	return n.SendMsg(peer, types.RangeRequestMessage{Document: doc, Range: r})
}

// SendSnapshot implements transport.Sender
func (n *node) SendSnapshot(peer string, snap types.Snapshot) error {
	return n.SendMsg(peer, types.SnapshotMessage{Snapshot: snap})
}
