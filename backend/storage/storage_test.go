package storage_test

import (
	"Inkwell/backend/storage"
	"Inkwell/backend/storage/bolt"
	"Inkwell/backend/storage/memory"
	"Inkwell/backend/types"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func entry(author string, seq uint64, deps ...types.EntryID) types.LogEntry {
	return types.LogEntry{
		Document: "doc",
		Author:   author,
		Seq:      seq,
		Deps:     deps,
		Payload:  []byte{1, byte(seq)},
	}
}

func ids(entries []types.LogEntry) []types.EntryID {
	res := make([]types.EntryID, len(entries))
	for i, e := range entries {
		res[i] = e.ID()
	}
	return res
}

func testStorage(t *testing.T, s storage.Storage) {
	snap, entries, err := s.Load("doc")
	require.NoError(t, err)
	require.Nil(t, snap)
	require.Empty(t, entries)

	// authors sharing a prefix must not mix: "a" and "ab"
	stored := []types.LogEntry{
		entry("ab", 1),
		entry("a", 2, types.EntryID{Author: "a", Seq: 1}),
		entry("a", 1),
		entry("a", 10, types.EntryID{Author: "a", Seq: 9}),
		entry("b", 1, types.EntryID{Author: "a", Seq: 1}),
	}
	for _, e := range stored {
		require.NoError(t, s.PutEntry("doc", e))
	}
	require.NoError(t, s.PutEntry("doc", stored[0]))
	require.NoError(t, s.PutEntry("other", entry("z", 1)))

	_, entries, err = s.Load("doc")
	require.NoError(t, err)
	require.Equal(t, []types.EntryID{
		{Author: "a", Seq: 1},
		{Author: "a", Seq: 2},
		{Author: "a", Seq: 10},
		{Author: "ab", Seq: 1},
		{Author: "b", Seq: 1},
	}, ids(entries))
	require.Empty(t, cmp.Diff(stored[1], entries[1]))

	frontier := types.Cursor{"a": 2, "b": 1}
	require.NoError(t, s.Compact("doc", types.Snapshot{
		Document: "doc",
		State:    []byte("state"),
		Height:   3,
		Frontier: frontier,
	}))

	snap, entries, err = s.Load("doc")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, []byte("state"), snap.State)
	require.Equal(t, uint64(3), snap.Height)
	require.Equal(t, frontier, snap.Frontier)
	require.Equal(t, []types.EntryID{
		{Author: "a", Seq: 10},
		{Author: "ab", Seq: 1},
	}, ids(entries))

	docs, err := s.Documents()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc", "other"}, docs)

	_, entries, err = s.Load("other")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func Test_Storage_Memory(t *testing.T) {
	s := memory.NewStorage()
	defer s.Close()
	testStorage(t, s)
}

func Test_Storage_Bolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inkwell.db")
	s, err := bolt.NewStorage(path)
	require.NoError(t, err)
	testStorage(t, s)
	require.NoError(t, s.Close())

	// reopening keeps the data
	s, err = bolt.NewStorage(path)
	require.NoError(t, err)
	defer s.Close()

	snap, entries, err := s.Load("doc")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, entries, 2)
}
