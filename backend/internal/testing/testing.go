// Package testing provides helpers to run nodes in tests.
package testing

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/registry"
	"Inkwell/backend/registry/standard"
	"Inkwell/backend/storage"
	"Inkwell/backend/storage/memory"
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
	"time"

	"github.com/stretchr/testify/require"
)

type configTemplate struct {
	autoStart bool

	registry registry.Registry
	storage  storage.Storage
	logLevel string

	heartbeat      time.Duration
	peerTimeout    time.Duration
	antiEntropy    time.Duration
	snapInterval   time.Duration
	snapThreshold  int
	quiesceTimeout time.Duration
	maxPending     int
	maxPendingAge  time.Duration
	stallCheck     time.Duration
	batchSize      int
	backoff        peer.Backoff
}

func newConfigTemplate() configTemplate {
	return configTemplate{
		autoStart: true,
		registry:  standard.NewRegistry(),
		storage:   memory.NewStorage(),
		logLevel:  "warn",
		// snapshots are requested explicitly unless a test sets a trigger
		snapThreshold: -1,
	}
}

// Option is the type of option when creating a test node.
type Option func(*configTemplate)

// WithAutostart sets the autostart option.
func WithAutostart(autostart bool) Option {
	return func(ct *configTemplate) {
		ct.autoStart = autostart
	}
}

// WithStorage sets a specific storage.
func WithStorage(s storage.Storage) Option {
	return func(ct *configTemplate) {
		ct.storage = s
	}
}

// WithLogLevel sets the log level of the node.
func WithLogLevel(level string) Option {
	return func(ct *configTemplate) {
		ct.logLevel = level
	}
}

// WithHeartbeat sets the heartbeat interval and the peer timeout.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(ct *configTemplate) {
		ct.heartbeat = interval
		ct.peerTimeout = timeout
	}
}

// WithAntiEntropy sets the anti-entropy interval.
func WithAntiEntropy(d time.Duration) Option {
	return func(ct *configTemplate) {
		ct.antiEntropy = d
	}
}

// WithSnapshotThreshold sets the number of entries triggering a snapshot.
func WithSnapshotThreshold(n int) Option {
	return func(ct *configTemplate) {
		ct.snapThreshold = n
	}
}

// WithSnapshotInterval sets the snapshot interval.
func WithSnapshotInterval(d time.Duration) Option {
	return func(ct *configTemplate) {
		ct.snapInterval = d
	}
}

// WithQuiesceTimeout sets the time a snapshot waits for in-flight edits.
func WithQuiesceTimeout(d time.Duration) Option {
	return func(ct *configTemplate) {
		ct.quiesceTimeout = d
	}
}

// WithMaxPending bounds the reorder buffer.
func WithMaxPending(n int, age time.Duration, check time.Duration) Option {
	return func(ct *configTemplate) {
		ct.maxPending = n
		ct.maxPendingAge = age
		ct.stallCheck = check
	}
}

// WithBatchSize sets the number of entries per message.
func WithBatchSize(n int) Option {
	return func(ct *configTemplate) {
		ct.batchSize = n
	}
}

// WithBackoff sets the backoff of stall recovery.
func WithBackoff(b peer.Backoff) Option {
	return func(ct *configTemplate) {
		ct.backoff = b
	}
}

// TestNode is a peer started on its own socket.
type TestNode struct {
	peer.Peer
	t      require.TestingT
	socket transport.ClosableSocket
	config peer.Configuration
}

// NewTestNode returns a new test node.
func NewTestNode(t require.TestingT, f peer.Factory, trans transport.Transport,
	addr string, opts ...Option) TestNode {

	template := newConfigTemplate()
	for _, opt := range opts {
		opt(&template)
	}

	socket, err := trans.CreateSocket(addr)
	require.NoError(t, err)

	config := peer.Configuration{
		Socket:              socket,
		MessageRegistry:     template.registry,
		Storage:             template.storage,
		LogLevel:            template.logLevel,
		HeartbeatInterval:   template.heartbeat,
		PeerTimeout:         template.peerTimeout,
		AntiEntropyInterval: template.antiEntropy,
		SnapshotInterval:    template.snapInterval,
		SnapshotThreshold:   template.snapThreshold,
		QuiesceTimeout:      template.quiesceTimeout,
		MaxPendingEntries:   template.maxPending,
		MaxPendingAge:       template.maxPendingAge,
		StallCheckInterval:  template.stallCheck,
		BatchSize:           template.batchSize,
		Backoff:             template.backoff,
	}

	node := f(config)

	if template.autoStart {
		require.NoError(t, node.Start())
	}

	return TestNode{
		Peer:   node,
		t:      t,
		socket: socket,
		config: config,
	}
}

// Stop stops the node and closes its socket.
func (t TestNode) Stop() error {
	err := t.Peer.Stop()
	require.NoError(t.t, err)

	return t.socket.Close()
}

// GetRegistry returns the registry of the node.
func (t TestNode) GetRegistry() registry.Registry {
	return t.config.MessageRegistry
}

// GetStorage returns the storage of the node.
func (t TestNode) GetStorage() storage.Storage {
	return t.config.Storage
}

// GetIns returns the packets received by the node.
func (t TestNode) GetIns() []transport.Packet {
	return t.socket.GetIns()
}

// GetOuts returns the packets sent by the node.
func (t TestNode) GetOuts() []transport.Packet {
	return t.socket.GetOuts()
}

// NewSenderSocket returns a socket that can be used to send raw packets.
func NewSenderSocket(tr transport.Transport, addr string) (transport.ClosableSocket, error) {
	return tr.CreateSocket(addr)
}

// Type types an edit, character by character, at the end of the document.
func Type(t require.TestingT, n peer.Peer, doc string, text string) {
	for _, r := range text {
		current, err := n.Text(doc)
		require.NoError(t, err)

		_, err = n.ApplyLocalEdit(doc, types.InsertText{Index: len([]rune(current)), Text: string(r)})
		require.NoError(t, err)
	}
}

// GetEntries returns the entries carried by a packet, nil if it carries
// none.
func GetEntries(t require.TestingT, r registry.Registry, msg *transport.Message) []types.LogEntry {
	if msg.Type != (types.EntriesMessage{}).Name() {
		return nil
	}

	var entriesMsg types.EntriesMessage
	err := r.UnmarshalMessage(msg, &entriesMsg)
	require.NoError(t, err)
	return entriesMsg.Entries
}

// Eventually waits for the texts of every node to equal expected.
func Eventually(t require.TestingT, doc string, expected string, nodes ...peer.Peer) {
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			text, err := n.Text(doc)
			if err != nil || text != expected {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}
