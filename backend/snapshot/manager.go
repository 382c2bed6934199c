// Package snapshot decides when a document is checkpointed and drives the
// checkpoint procedure: quiesce, capture, compact, release.
package snapshot

import (
	"Inkwell/backend/types"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Target is the document being checkpointed.
type Target interface {
	// Quiesce waits at most wait for the document to have no edit or remote
	// application in flight and blocks new ones until release is called.
	Quiesce(wait time.Duration) (release func(), ok bool)
	// Capture returns the snapshot of the quiesced document.
	Capture() (types.Snapshot, error)
	// Compact atomically stores the snapshot and drops the entries it covers.
	Compact(types.Snapshot) error
	// SinceSnapshot returns the number of entries applied after the last
	// snapshot.
	SinceSnapshot() int
}

// Config configures a Manager. Zero values disable the interval and the
// threshold triggers.
type Config struct {
	Interval       time.Duration
	Threshold      int
	QuiesceTimeout time.Duration
	Logger         zerolog.Logger
}

// Manager checkpoints a Target on interval, on log growth and on demand.
type Manager struct {
	conf    Config
	target  Target
	trigger chan struct{}
	log     zerolog.Logger

	// mu serializes snapshot attempts and guards last.
	mu       sync.Mutex
	last     types.Snapshot
	pending  atomic.Bool
	taken    atomic.Uint64
	deferred atomic.Uint64
}

// NewManager returns a manager for target.
func NewManager(target Target, conf Config) *Manager {
	return &Manager{
		conf:    conf,
		target:  target,
		trigger: make(chan struct{}, 1),
		log:     conf.Logger,
	}
}

// Save takes a snapshot now. It returns types.ErrSnapshotDeferred when the
// target did not quiesce in time; the attempt is then retried on the next
// trigger.
func (m *Manager) Save() (types.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	release, ok := m.target.Quiesce(m.conf.QuiesceTimeout)
	if !ok {
		m.pending.Store(true)
		m.deferred.Add(1)
		return types.Snapshot{}, xerrors.Errorf("document busy for %s: %w", m.conf.QuiesceTimeout, types.ErrSnapshotDeferred)
	}
	defer release()

	snap, err := m.target.Capture()
	if err != nil {
		m.pending.Store(true)
		return types.Snapshot{}, xerrors.Errorf("failed to capture snapshot: %w", err)
	}

	err = m.target.Compact(snap)
	if err != nil {
		m.pending.Store(true)
		return types.Snapshot{}, xerrors.Errorf("failed to compact log: %w", err)
	}

	m.pending.Store(false)
	m.last = snap
	m.taken.Add(1)

	return snap, nil
}

// Notify tells the manager that entries were applied. It never blocks.
func (m *Manager) Notify() {
	if !m.pending.Load() && (m.conf.Threshold <= 0 || m.target.SinceSnapshot() < m.conf.Threshold) {
		return
	}

	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run serves the interval and threshold triggers until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.conf.Interval > 0 {
		ticker := time.NewTicker(m.conf.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if m.target.SinceSnapshot() == 0 && !m.Pending() {
				continue
			}
			m.save("interval")
		case <-m.trigger:
			m.save("threshold")
		}
	}
}

func (m *Manager) save(trigger string) {
	snap, err := m.Save()
	if errors.Is(err, types.ErrSnapshotDeferred) {
		m.log.Info().Msgf("%s snapshot deferred", trigger)
		return
	}
	if err != nil {
		m.log.Error().Err(err).Msgf("%s snapshot failed", trigger)
		return
	}
	m.log.Info().Msgf("%s snapshot at height %d", trigger, snap.Height)
}

// Pending tells if a deferred snapshot waits for the next trigger.
func (m *Manager) Pending() bool {
	return m.pending.Load()
}

// Last returns the last snapshot taken by the manager.
func (m *Manager) Last() types.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Counts returns the number of snapshots taken and deferred.
func (m *Manager) Counts() (taken, deferred uint64) {
	return m.taken.Load(), m.deferred.Load()
}
