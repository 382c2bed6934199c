package snapshot

import (
	"Inkwell/backend/codec"
	"Inkwell/backend/crdt"
	"Inkwell/backend/logstore"
	"Inkwell/backend/types"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// docTarget is a minimal document: a text, its log and a writer lock.
type docTarget struct {
	mu       sync.Mutex
	inflight atomic.Int32
	text     *crdt.Text
	store    *logstore.Store
	compacts int
}

func newDocTarget() *docTarget {
	d := &docTarget{text: crdt.New()}
	d.store = logstore.New(logstore.Config{Document: "doc", Local: "a", Logger: zerolog.Nop()}, d)
	return d
}

func (d *docTarget) Check(e types.LogEntry) error {
	_, err := codec.Decode(e.Payload)
	return err
}

func (d *docTarget) Apply(e types.LogEntry) ([]types.Delta, error) {
	op, err := codec.Decode(e.Payload)
	if err != nil {
		return nil, err
	}
	return d.text.Apply(e.Author, op)
}

func (d *docTarget) insert(t *testing.T, pos int, s string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	op, err := d.text.LocalInsert(pos, s)
	require.NoError(t, err)
	payload, err := codec.Encode(op)
	require.NoError(t, err)
	_, err = d.store.AppendLocal(payload)
	require.NoError(t, err)
}

func (d *docTarget) Quiesce(wait time.Duration) (func(), bool) {
	deadline := time.Now().Add(wait)
	for {
		if d.mu.TryLock() {
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

func (d *docTarget) Capture() (types.Snapshot, error) {
	state, err := d.text.Encode()
	if err != nil {
		return types.Snapshot{}, err
	}
	frontier := d.store.Frontier()
	return types.Snapshot{Document: "doc", State: state, Height: frontier.Height(), Frontier: frontier, Taken: time.Now()}, nil
}

func (d *docTarget) Compact(snap types.Snapshot) error {
	d.compacts++
	d.store.Prune(snap.Frontier)
	return nil
}

func (d *docTarget) SinceSnapshot() int {
	return d.store.SinceSnapshot()
}

func Test_Manager_Save_Equivalence(t *testing.T) {
	d := newDocTarget()
	m := NewManager(d, Config{QuiesceTimeout: 50 * time.Millisecond, Logger: zerolog.Nop()})

	d.insert(t, 0, "hello")
	d.insert(t, 5, " world")

	snap, err := m.Save()
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Height)
	require.Equal(t, types.Cursor{"a": 2}, snap.Frontier)
	require.Equal(t, 0, d.SinceSnapshot())
	require.Equal(t, snap, m.Last())

	d.insert(t, 0, ">")
	d.insert(t, 12, "!")

	// snapshot state + entries above the snapshot == live state
	replayed, err := crdt.Decode(snap.State)
	require.NoError(t, err)
	for _, e := range d.store.Entries() {
		require.False(t, snap.Frontier.Covers(e.ID()))
		op, err := codec.Decode(e.Payload)
		require.NoError(t, err)
		_, err = replayed.Apply(e.Author, op)
		require.NoError(t, err)
	}

	live, err := d.text.Encode()
	require.NoError(t, err)
	got, err := replayed.Encode()
	require.NoError(t, err)
	require.Equal(t, live, got)
	require.Equal(t, ">hello world!", replayed.String())
}

func Test_Manager_Defers_While_Busy(t *testing.T) {
	d := newDocTarget()
	m := NewManager(d, Config{QuiesceTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	d.insert(t, 0, "abc")

	d.inflight.Add(1)
	_, err := m.Save()
	require.ErrorIs(t, err, types.ErrSnapshotDeferred)
	require.True(t, m.Pending())
	require.Equal(t, 0, d.compacts, "nothing is written on deferral")
	require.Equal(t, 1, d.SinceSnapshot())

	d.inflight.Add(-1)
	snap, err := m.Save()
	require.NoError(t, err)
	require.False(t, m.Pending())
	require.Equal(t, uint64(1), snap.Height)

	taken, deferred := m.Counts()
	require.Equal(t, uint64(1), taken)
	require.Equal(t, uint64(1), deferred)
}

func Test_Manager_Defers_While_Locked(t *testing.T) {
	d := newDocTarget()
	m := NewManager(d, Config{QuiesceTimeout: 100 * time.Millisecond, Logger: zerolog.Nop()})

	d.mu.Lock()
	_, err := m.Save()
	require.ErrorIs(t, err, types.ErrSnapshotDeferred)

	// released before the deadline: the save waits and succeeds
	go func() {
		time.Sleep(20 * time.Millisecond)
		d.mu.Unlock()
	}()
	_, err = m.Save()
	require.NoError(t, err)
}

func Test_Manager_Run_Threshold(t *testing.T) {
	d := newDocTarget()
	m := NewManager(d, Config{Threshold: 3, QuiesceTimeout: 50 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	d.insert(t, 0, "a")
	m.Notify()
	d.insert(t, 1, "b")
	m.Notify()
	time.Sleep(50 * time.Millisecond)
	taken, _ := m.Counts()
	require.Equal(t, uint64(0), taken)

	d.insert(t, 2, "c")
	m.Notify()
	require.Eventually(t, func() bool {
		taken, _ := m.Counts()
		return taken == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(3), m.Last().Height)
}

func Test_Manager_Run_Interval_Retries_Deferred(t *testing.T) {
	d := newDocTarget()
	m := NewManager(d, Config{Interval: 20 * time.Millisecond, QuiesceTimeout: 5 * time.Millisecond, Logger: zerolog.Nop()})
	d.insert(t, 0, "a")

	d.inflight.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		_, deferred := m.Counts()
		return deferred > 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, m.Pending())

	d.inflight.Add(-1)
	require.Eventually(t, func() bool {
		taken, _ := m.Counts()
		return taken == 1 && !m.Pending()
	}, time.Second, 5*time.Millisecond)
}
