package impl

import (
	"Inkwell/backend/peer/tests"
	"Inkwell/backend/storage"
	"Inkwell/backend/types"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// failingStorage refuses every new entry.
type failingStorage struct {
	storage.Storage
}

func (f failingStorage) PutEntry(doc string, e types.LogEntry) error {
	return errors.New("disk full")
}

func Test_Document_Ingest_Stats(t *testing.T) {
	doc := newTestDocument(t, "local", testConfig())

	w := tests.NewWriter("remote", "doc")
	e1 := w.Insert(t, 0, "a")
	e2 := w.Insert(t, 1, "b")
	e3 := w.Insert(t, 2, "c")
	malformed := types.LogEntry{Document: "doc", Author: "mallory", Seq: 1, Payload: []byte{1}}

	res, err := doc.ingest("remote", []types.LogEntry{e3, e1, e1, malformed, e2})
	require.NoError(t, err)
	require.Empty(t, res.stalls)
	require.Len(t, res.applied, 3)
	require.Equal(t, types.Cursor{"remote": 3}, res.seen)
	require.Equal(t, "abc", doc.String())

	stats := doc.Info().Stats
	require.Equal(t, uint64(5), stats.EntriesReceived)
	require.Equal(t, uint64(3), stats.EntriesApplied)
	require.Equal(t, uint64(1), stats.Duplicates)
	require.Equal(t, uint64(1), stats.Buffered)
	require.Equal(t, uint64(1), stats.Malformed)
}

func Test_Document_Deltas_Only_Remote(t *testing.T) {
	doc := newTestDocument(t, "local", testConfig())

	deltas, cancel := doc.feed.Subscribe()
	defer cancel()

	typeText(t, doc, "xy")

	w := tests.NewWriter("remote", "doc")
	_, err := doc.ingest("remote", []types.LogEntry{w.Insert(t, 0, "ab")})
	require.NoError(t, err)

	select {
	case d := <-deltas:
		require.Equal(t, "ab", d.Replacement)
	case <-time.After(time.Second):
		t.Fatal("no delta received")
	}

	select {
	case d := <-deltas:
		t.Fatalf("unexpected delta %s", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_Document_Save_Deferred_While_Applying(t *testing.T) {
	conf := testConfig()
	conf.QuiesceTimeout = 20 * time.Millisecond
	doc := newTestDocument(t, "local", conf)

	typeText(t, doc, "abc")

	// a remote batch is being applied
	doc.inflight.Add(1)

	_, err := doc.snapshots.Save()
	require.ErrorIs(t, err, types.ErrSnapshotDeferred)
	require.True(t, doc.snapshots.Pending())
	require.True(t, doc.Latest().IsZero())

	doc.inflight.Add(-1)

	snap, err := doc.snapshots.Save()
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Height)
	require.False(t, doc.snapshots.Pending())

	info := doc.Info()
	require.Equal(t, uint64(1), info.Stats.SnapshotsTaken)
	require.Equal(t, uint64(1), info.Stats.SnapshotsDeferred)
	require.Equal(t, uint64(3), info.Snapshot)
	require.Equal(t, 0, doc.SinceSnapshot())
}

func Test_Document_Merge_Snapshot(t *testing.T) {
	a := newTestDocument(t, "a", testConfig())
	typeText(t, a, "hello")

	snap, err := a.snapshots.Save()
	require.NoError(t, err)

	typeText(t, a, "!")
	entries := a.store.Entries()
	require.Len(t, entries, 1)

	b := newTestDocument(t, "b", testConfig())

	// the entry after the snapshot waits for the snapshot
	_, err = b.ingest("a", entries)
	require.NoError(t, err)
	require.Equal(t, 1, b.Info().Pending)

	applied, err := b.mergeSnapshot("a", snap)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, "hello!", b.String())
	require.Equal(t, a.store.Frontier(), b.store.Frontier())

	// the merged state is checkpointed
	require.Equal(t, uint64(6), b.Latest().Height)
	stored, _, err := b.storage.Load("doc")
	require.NoError(t, err)
	require.NotNil(t, stored)

	// merging a known snapshot does nothing
	applied, err = b.mergeSnapshot("a", snap)
	require.NoError(t, err)
	require.Empty(t, applied)
	require.Equal(t, "hello!", b.String())

	snap.Document = "other"
	_, err = b.mergeSnapshot("a", snap)
	require.ErrorIs(t, err, types.ErrMalformedEntry)
}

func Test_Document_Merge_Snapshot_Deferred_Save(t *testing.T) {
	a := newTestDocument(t, "a", testConfig())
	typeText(t, a, "hello")

	snap, err := a.snapshots.Save()
	require.NoError(t, err)

	conf := testConfig()
	conf.QuiesceTimeout = 20 * time.Millisecond
	b := newTestDocument(t, "b", conf)
	typeText(t, b, "xy")

	// a remote batch is being applied, so the checkpoint is deferred
	b.inflight.Add(1)
	_, err = b.mergeSnapshot("a", snap)
	require.NoError(t, err)
	require.True(t, b.snapshots.Pending())
	b.inflight.Add(-1)

	require.Equal(t, types.Cursor{"a": 5}, b.store.Floor())

	// a third peer gets the merged state along with the tail
	entries, needSnapshot := b.store.Missing(types.Cursor{})
	require.True(t, needSnapshot)
	require.Len(t, entries, 2)

	latest := b.Latest()
	require.Equal(t, uint64(7), latest.Height)
	require.Equal(t, types.Cursor{"a": 5, "b": 2}, latest.Frontier)

	c := newTestDocument(t, "c", testConfig())
	_, err = c.mergeSnapshot("b", latest)
	require.NoError(t, err)
	_, err = c.ingest("b", entries)
	require.NoError(t, err)
	require.Equal(t, b.String(), c.String())
	require.Zero(t, c.Info().Pending)
}

func Test_Document_Storage_Failure(t *testing.T) {
	conf := testConfig()
	conf.Storage = failingStorage{Storage: conf.Storage}
	doc := newTestDocument(t, "local", conf)

	w := tests.NewWriter("remote", "doc")
	_, err := doc.ingest("remote", []types.LogEntry{w.Insert(t, 0, "a")})
	require.ErrorIs(t, err, types.ErrStorage)
	require.Equal(t, "", doc.String())
	require.Empty(t, doc.store.Frontier())

	_, err = doc.edit(types.InsertText{Index: 0, Text: "x"})
	require.ErrorIs(t, err, types.ErrStorage)
	require.Equal(t, "", doc.String())
}

func Test_Document_Load(t *testing.T) {
	conf := testConfig()

	doc := newTestDocument(t, "local", conf)
	typeText(t, doc, "abc")
	_, err := doc.snapshots.Save()
	require.NoError(t, err)
	typeText(t, doc, "de")
	_, err = doc.edit(types.DeleteRange{Index: 0, Length: 1})
	require.NoError(t, err)

	w := tests.NewWriter("remote", "doc")
	_, err = doc.ingest("remote", []types.LogEntry{w.Insert(t, 0, "Z")})
	require.NoError(t, err)

	reopened := newTestDocument(t, "local", conf)
	require.Equal(t, doc.String(), reopened.String())
	require.Equal(t, doc.store.Frontier(), reopened.store.Frontier())
	require.Equal(t, doc.store.Floor(), reopened.store.Floor())
	require.Equal(t, uint64(3), reopened.Latest().Height)
}
