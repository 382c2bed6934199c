package peer

import (
	"Inkwell/backend/registry"
	"Inkwell/backend/storage"
	"Inkwell/backend/storage/memory"
	"Inkwell/backend/transport"
	"time"
)

// Configuration if the struct that will contain the configuration argument
// when creating a peer. This struct will evolve.
type Configuration struct {
	Socket          transport.Socket
	MessageRegistry registry.Registry
	Storage         storage.Storage

	// LogLevel is parsed with zerolog.ParseLevel. Default: "info".
	LogLevel string

	// HeartbeatInterval is the interval at which each node sends a heartbeat
	// to its known peers. A value of 0 disables heartbeats. A peer whose
	// heartbeats stopped for PeerTimeout is considered disconnected; 0
	// disables the check.
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration

	// AntiEntropyInterval is the interval at which each document exchanges
	// its cursor with its synced peers, to repair lost messages. A value of 0
	// disables anti-entropy.
	AntiEntropyInterval time.Duration

	// SnapshotInterval and SnapshotThreshold trigger snapshots periodically
	// and once SnapshotThreshold entries were applied since the last one. A
	// zero interval or a negative threshold disables the trigger. Default
	// threshold: 500.
	SnapshotInterval  time.Duration
	SnapshotThreshold int
	// QuiesceTimeout bounds the wait for in-flight edits before a snapshot is
	// deferred. Default: 200ms.
	QuiesceTimeout time.Duration

	// MaxPendingEntries bounds the reorder buffer of each document, and
	// MaxPendingAge the time an entry may wait for its dependencies before
	// its source is asked again. Default: 1024 and 30s.
	MaxPendingEntries  int
	MaxPendingAge      time.Duration
	StallCheckInterval time.Duration

	// BatchSize is the maximum number of entries per message. Default: 64.
	BatchSize int
	// SendTimeout bounds every send. Default: 1s.
	SendTimeout time.Duration

	// Backoff paces the recovery of stalled entries: range requests are
	// retried after Initial, then Initial*Factor, ... and after Retry
	// attempts the peer is handshaked again.
	Backoff Backoff
}

// Backoff describes parameters for a backoff algorithm. The initial time must
// be multiplied by "factor" a maximum of "retry" time.
//
//	for i := 0; i < retry; i++ {
//	  waitTime += initial * factor^i
//	}
type Backoff struct {
	Initial time.Duration
	Factor  uint
	Retry   uint
}

// WithDefaults returns a copy of the configuration with the zero fields set
// to their default.
func (c Configuration) WithDefaults() Configuration {
	if c.Storage == nil {
		c.Storage = memory.NewStorage()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 500
	}
	if c.QuiesceTimeout == 0 {
		c.QuiesceTimeout = 200 * time.Millisecond
	}
	if c.MaxPendingEntries == 0 {
		c.MaxPendingEntries = 1024
	}
	if c.MaxPendingAge == 0 {
		c.MaxPendingAge = 30 * time.Second
	}
	if c.StallCheckInterval == 0 {
		c.StallCheckInterval = time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 64
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = time.Second
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = 200 * time.Millisecond
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = 2
	}
	if c.Backoff.Retry == 0 {
		c.Backoff.Retry = 5
	}
	return c
}
