package memory

import (
	"Inkwell/backend/storage"
	"Inkwell/backend/types"
	"sync"

	"golang.org/x/exp/slices"
)

// NewStorage returns a storage that keeps everything in memory.
func NewStorage() *Storage {
	return &Storage{
		docs: make(map[string]*document),
	}
}

type document struct {
	snapshot *types.Snapshot
	entries  map[types.EntryID]types.LogEntry
}

// Storage implements an in-memory storage.
//
// - implements storage.Storage
type Storage struct {
	sync.Mutex
	docs map[string]*document
}

var _ storage.Storage = (*Storage)(nil)

func (s *Storage) get(doc string) *document {
	d, ok := s.docs[doc]
	if !ok {
		d = &document{entries: make(map[types.EntryID]types.LogEntry)}
		s.docs[doc] = d
	}
	return d
}

// PutEntry implements storage.Storage
func (s *Storage) PutEntry(doc string, e types.LogEntry) error {
	s.Lock()
	defer s.Unlock()

	s.get(doc).entries[e.ID()] = copyEntry(e)
	return nil
}

// Compact implements storage.Storage
func (s *Storage) Compact(doc string, snap types.Snapshot) error {
	s.Lock()
	defer s.Unlock()

	d := s.get(doc)
	cp := snap
	cp.State = slices.Clone(snap.State)
	cp.Frontier = snap.Frontier.Copy()
	d.snapshot = &cp

	for id := range d.entries {
		if snap.Frontier.Covers(id) {
			delete(d.entries, id)
		}
	}
	return nil
}

// Load implements storage.Storage
func (s *Storage) Load(doc string) (*types.Snapshot, []types.LogEntry, error) {
	s.Lock()
	defer s.Unlock()

	d, ok := s.docs[doc]
	if !ok {
		return nil, nil, nil
	}

	var snap *types.Snapshot
	if d.snapshot != nil {
		cp := *d.snapshot
		cp.Frontier = d.snapshot.Frontier.Copy()
		snap = &cp
	}

	entries := make([]types.LogEntry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, copyEntry(e))
	}
	slices.SortFunc(entries, func(a, b types.LogEntry) int {
		return a.ID().Compare(b.ID())
	})

	return snap, entries, nil
}

// Documents implements storage.Storage
func (s *Storage) Documents() ([]string, error) {
	s.Lock()
	defer s.Unlock()

	docs := make([]string, 0, len(s.docs))
	for doc := range s.docs {
		docs = append(docs, doc)
	}
	slices.Sort(docs)
	return docs, nil
}

// Close implements storage.Storage
func (s *Storage) Close() error {
	return nil
}

func copyEntry(e types.LogEntry) types.LogEntry {
	e.Deps = slices.Clone(e.Deps)
	e.Payload = slices.Clone(e.Payload)
	return e
}
