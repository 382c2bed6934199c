package logstore

import (
	"Inkwell/backend/types"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pendingEntry(author string, seq uint64, deps ...types.EntryID) types.LogEntry {
	return types.LogEntry{Document: docID, Author: author, Seq: seq, Deps: deps}
}

func eid(author string, seq uint64) types.EntryID {
	return types.EntryID{Author: author, Seq: seq}
}

func Test_Buffer_Resolve_Only_Waiters(t *testing.T) {
	b := NewBuffer(docID, 0, 0)
	now := time.Now()

	_, err := b.Add(pendingEntry("b", 1, eid("a", 1)), []types.EntryID{eid("a", 1)}, "p", now, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("c", 1, eid("a", 1), eid("b", 1)), []types.EntryID{eid("a", 1), eid("b", 1)}, "p", now, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("d", 1, eid("z", 1)), []types.EntryID{eid("z", 1)}, "q", now, types.Cursor{})
	require.NoError(t, err)
	require.Equal(t, 3, b.Len())
	require.Equal(t, map[string]int{"p": 2, "q": 1}, b.Sources())

	require.Empty(t, b.Resolve(eid("x", 1)))

	ready := b.Resolve(eid("a", 1))
	require.Len(t, ready, 1)
	require.Equal(t, eid("b", 1), ready[0].ID())
	require.False(t, b.Has(eid("b", 1)))
	require.True(t, b.Has(eid("c", 1)))

	ready = b.Resolve(eid("b", 1))
	require.Len(t, ready, 1)
	require.Equal(t, eid("c", 1), ready[0].ID())
	require.Equal(t, 1, b.Len())
}

func Test_Buffer_Ready_Sorted(t *testing.T) {
	b := NewBuffer(docID, 0, 0)
	now := time.Now()
	dep := []types.EntryID{eid("a", 1)}

	for _, e := range []types.LogEntry{
		pendingEntry("z", 1, dep...),
		pendingEntry("b", 2, append(dep, eid("b", 1))...),
		pendingEntry("m", 1, dep...),
		pendingEntry("b", 1, dep...),
	} {
		missing := []types.EntryID{eid("a", 1)}
		_, err := b.Add(e, missing, "p", now, types.Cursor{})
		require.NoError(t, err)
	}

	ready := b.Resolve(eid("a", 1))
	ids := make([]types.EntryID, len(ready))
	for i, e := range ready {
		ids[i] = e.ID()
	}
	require.Equal(t, []types.EntryID{eid("b", 1), eid("b", 2), eid("m", 1), eid("z", 1)}, ids)
}

func Test_Buffer_ResolveFrontier_Drop(t *testing.T) {
	b := NewBuffer(docID, 0, 0)
	now := time.Now()

	_, err := b.Add(pendingEntry("b", 1, eid("a", 3)), []types.EntryID{eid("a", 3)}, "p", now, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("a", 2, eid("a", 1)), []types.EntryID{eid("a", 1)}, "p", now, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("c", 1, eid("a", 9)), []types.EntryID{eid("a", 9)}, "p", now, types.Cursor{})
	require.NoError(t, err)

	frontier := types.Cursor{"a": 5}
	require.Equal(t, 1, b.Drop(frontier), "a2 is covered by the frontier")

	ready := b.ResolveFrontier(frontier)
	require.Len(t, ready, 1)
	require.Equal(t, eid("b", 1), ready[0].ID())
	require.Equal(t, 1, b.Len())
	require.True(t, b.Has(eid("c", 1)))
}

func Test_Buffer_Full(t *testing.T) {
	b := NewBuffer(docID, 1, 0)
	now := time.Now()

	_, err := b.Add(pendingEntry("b", 1, eid("a", 2)), []types.EntryID{eid("a", 2)}, "p", now, types.Cursor{"a": 1})
	require.NoError(t, err)

	stall, err := b.Add(pendingEntry("c", 4, eid("c", 3), eid("a", 5)), []types.EntryID{eid("c", 3), eid("a", 5)}, "q", now, types.Cursor{"a": 1, "c": 1})
	require.ErrorIs(t, err, types.ErrStalledSync)
	require.Equal(t, "q", stall.Peer)
	require.Equal(t, []types.Range{
		{Author: "a", From: 2, To: 5},
		{Author: "c", From: 2, To: 4},
	}, stall.Missing)
	require.Equal(t, 1, b.Len())
}

func Test_Buffer_Expired_Per_Source(t *testing.T) {
	b := NewBuffer(docID, 0, time.Second)
	start := time.Unix(0, 0)

	_, err := b.Add(pendingEntry("b", 1, eid("a", 2)), []types.EntryID{eid("a", 2)}, "q", start, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("c", 1, eid("a", 4)), []types.EntryID{eid("a", 4)}, "p", start, types.Cursor{})
	require.NoError(t, err)
	_, err = b.Add(pendingEntry("d", 1, eid("a", 7)), []types.EntryID{eid("a", 7)}, "p", start.Add(time.Minute), types.Cursor{})
	require.NoError(t, err)

	stalls := b.Expired(start.Add(2*time.Second), types.Cursor{"a": 1})
	require.Len(t, stalls, 2)
	require.Equal(t, "p", stalls[0].Peer)
	require.Equal(t, []types.Range{{Author: "a", From: 2, To: 4}}, stalls[0].Missing)
	require.Equal(t, "q", stalls[1].Peer)
	require.Equal(t, []types.Range{{Author: "a", From: 2, To: 2}}, stalls[1].Missing)

	require.Nil(t, NewBuffer(docID, 0, 0).Expired(start, types.Cursor{}))
}
