package logstore

import (
	"Inkwell/backend/types"
	"fmt"
	"time"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

// PendingEntry is a remote entry waiting for some of its dependencies.
type PendingEntry struct {
	Entry   types.LogEntry
	Missing map[types.EntryID]struct{}
	// Source is the peer the entry was received from.
	Source string
	Since  time.Time
}

// Buffer holds the entries whose dependencies are not applied yet. Entries
// are indexed by the dependency they wait on, so that applying an entry only
// looks at its own waiters.
//
// Buffer is not safe for concurrent use; the Store serializes access.
type Buffer struct {
	document   string
	pending    map[types.EntryID]*PendingEntry
	waiters    map[types.EntryID]map[types.EntryID]struct{}
	maxPending int
	maxAge     time.Duration
}

// NewBuffer returns a buffer holding at most maxPending entries. Entries
// waiting longer than maxAge are reported by Expired. Zero disables the
// corresponding bound.
func NewBuffer(document string, maxPending int, maxAge time.Duration) *Buffer {
	return &Buffer{
		document:   document,
		pending:    make(map[types.EntryID]*PendingEntry),
		waiters:    make(map[types.EntryID]map[types.EntryID]struct{}),
		maxPending: maxPending,
		maxAge:     maxAge,
	}
}

// Len returns the number of pending entries.
func (b *Buffer) Len() int {
	return len(b.pending)
}

// Has tells if the entry is pending.
func (b *Buffer) Has(id types.EntryID) bool {
	_, ok := b.pending[id]
	return ok
}

// Add buffers e until the missing dependencies are applied. When the buffer
// is full the entry is rejected with types.ErrStalledSync and the returned
// stall describes what must be fetched again.
func (b *Buffer) Add(e types.LogEntry, missing []types.EntryID, source string, now time.Time, frontier types.Cursor) (*types.Stall, error) {
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		ranges := missingRanges(frontier, append(missing, e.ID()))
		stall := &types.Stall{
			Document: b.document,
			Peer:     source,
			Missing:  ranges,
			Reason:   fmt.Sprintf("reorder buffer full (%d entries)", len(b.pending)),
		}
		return stall, xerrors.Errorf("entry %s rejected: %w", e.ID(), types.ErrStalledSync)
	}

	p := &PendingEntry{
		Entry:   e,
		Missing: make(map[types.EntryID]struct{}, len(missing)),
		Source:  source,
		Since:   now,
	}
	for _, dep := range missing {
		p.Missing[dep] = struct{}{}
		w, ok := b.waiters[dep]
		if !ok {
			w = make(map[types.EntryID]struct{})
			b.waiters[dep] = w
		}
		w[e.ID()] = struct{}{}
	}
	b.pending[e.ID()] = p

	return nil, nil
}

// Resolve marks id as applied and returns the entries that no longer miss
// anything, in ascending (author, seq) order. They leave the buffer.
func (b *Buffer) Resolve(id types.EntryID) []types.LogEntry {
	w, ok := b.waiters[id]
	if !ok {
		return nil
	}
	delete(b.waiters, id)

	var ready []types.LogEntry
	for waiter := range w {
		p, ok := b.pending[waiter]
		if !ok {
			continue
		}
		delete(p.Missing, id)
		if len(p.Missing) == 0 {
			delete(b.pending, waiter)
			ready = append(ready, p.Entry)
		}
	}

	sortEntries(ready)
	return ready
}

// ResolveFrontier resolves every dependency covered by frontier. It is used
// when a snapshot makes a whole range of entries known at once.
func (b *Buffer) ResolveFrontier(frontier types.Cursor) []types.LogEntry {
	var covered []types.EntryID
	for dep := range b.waiters {
		if frontier.Covers(dep) {
			covered = append(covered, dep)
		}
	}

	var ready []types.LogEntry
	for _, dep := range covered {
		ready = append(ready, b.Resolve(dep)...)
	}

	sortEntries(ready)
	return ready
}

// Drop removes pending entries covered by frontier.
func (b *Buffer) Drop(frontier types.Cursor) int {
	count := 0
	for id, p := range b.pending {
		if !frontier.Covers(id) {
			continue
		}
		for dep := range p.Missing {
			delete(b.waiters[dep], id)
			if len(b.waiters[dep]) == 0 {
				delete(b.waiters, dep)
			}
		}
		delete(b.pending, id)
		count++
	}
	return count
}

// Expired returns one stall per source peer for the entries pending for more
// than the maximum age. Reported entries stay in the buffer and are reported
// again after another maximum age.
func (b *Buffer) Expired(now time.Time, frontier types.Cursor) []types.Stall {
	if b.maxAge <= 0 {
		return nil
	}

	bySource := make(map[string][]types.EntryID)
	for _, p := range b.pending {
		if now.Sub(p.Since) < b.maxAge {
			continue
		}
		p.Since = now
		for dep := range p.Missing {
			bySource[p.Source] = append(bySource[p.Source], dep)
		}
	}

	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	slices.Sort(sources)

	stalls := make([]types.Stall, 0, len(sources))
	for _, source := range sources {
		stalls = append(stalls, types.Stall{
			Document: b.document,
			Peer:     source,
			Missing:  missingRanges(frontier, bySource[source]),
			Reason:   fmt.Sprintf("dependencies missing for more than %s", b.maxAge),
		})
	}
	return stalls
}

// Sources returns the number of pending entries per source peer.
func (b *Buffer) Sources() map[string]int {
	res := make(map[string]int)
	for _, p := range b.pending {
		res[p.Source]++
	}
	return res
}

// missingRanges groups ids per author into the ranges starting right after
// the frontier.
func missingRanges(frontier types.Cursor, ids []types.EntryID) []types.Range {
	highest := make(map[string]uint64)
	for _, id := range ids {
		if id.Seq > highest[id.Author] {
			highest[id.Author] = id.Seq
		}
	}

	ranges := make([]types.Range, 0, len(highest))
	for author, to := range highest {
		from := frontier[author] + 1
		if from > to {
			continue
		}
		ranges = append(ranges, types.Range{Author: author, From: from, To: to})
	}
	slices.SortFunc(ranges, func(a, b types.Range) int {
		switch {
		case a.Author < b.Author:
			return -1
		case a.Author > b.Author:
			return 1
		}
		return 0
	})
	return ranges
}

func sortEntries(entries []types.LogEntry) {
	slices.SortFunc(entries, func(a, b types.LogEntry) int {
		return a.ID().Compare(b.ID())
	})
}
