// Package logstore keeps the causal log of one document: the entries of every
// author, the frontier of applied entries and the reorder buffer of entries
// received before their dependencies.
package logstore

import (
	"Inkwell/backend/types"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"
)

// Outcome tells what InsertRemote did with an entry.
type Outcome int

const (
	Applied Outcome = iota
	Buffered
	Duplicate
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Applier folds entries into the document state.
type Applier interface {
	// Check validates the payload of an entry without touching the state.
	Check(types.LogEntry) error
	// Apply merges the entry and returns the deltas of the visible text. An
	// error leaves the state untouched.
	Apply(types.LogEntry) ([]types.Delta, error)
}

// Result describes the effect of an insertion.
type Result struct {
	Outcome Outcome
	// Applied lists every entry applied, the ones released from the reorder
	// buffer included, in application order.
	Applied []types.LogEntry
	Deltas  []types.Delta
	// Stall is set when the entry was rejected by a full reorder buffer.
	Stall *types.Stall
}

// Config configures a Store.
type Config struct {
	Document string
	// Local is the author of local entries.
	Local      string
	MaxPending int
	MaxAge     time.Duration
	Logger     zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is the causal log of a document.
type Store struct {
	mu       sync.Mutex
	document string
	local    string
	entries  map[types.EntryID]types.LogEntry
	// order lists the retained entries in application order.
	order    []types.EntryID
	frontier types.Cursor
	// floor is the frontier of the last snapshot: entries below are pruned.
	floor   types.Cursor
	buffer  *Buffer
	applier Applier
	log     zerolog.Logger
	now     func() time.Time
}

// New returns an empty store applying entries with applier.
func New(conf Config, applier Applier) *Store {
	now := conf.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		document: conf.Document,
		local:    conf.Local,
		entries:  make(map[types.EntryID]types.LogEntry),
		frontier: make(types.Cursor),
		floor:    make(types.Cursor),
		buffer:   NewBuffer(conf.Document, conf.MaxPending, conf.MaxAge),
		applier:  applier,
		log:      conf.Logger,
		now:      now,
	}
}

// AppendLocal creates the next local entry carrying payload, depending on the
// current frontier, and applies it.
func (s *Store) AppendLocal(payload []byte) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := types.LogEntry{
		Document: s.document,
		Author:   s.local,
		Seq:      s.frontier[s.local] + 1,
		Deps:     s.deps(),
		Payload:  payload,
	}

	res := Result{Outcome: Applied}
	err := s.applyAndRelease(e, &res)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// InsertRemote accepts an entry received from source. It is applied when its
// dependencies are, buffered otherwise. Entries already known are reported
// as Duplicate without side effect. Invalid entries are rejected with
// types.ErrMalformedEntry and never stored.
func (s *Store) InsertRemote(e types.LogEntry, source string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.check(e)
	if err != nil {
		return Result{}, err
	}

	if s.frontier.Covers(e.ID()) || s.buffer.Has(e.ID()) {
		return Result{Outcome: Duplicate}, nil
	}

	err = s.applier.Check(e)
	if err != nil {
		return Result{}, xerrors.Errorf("entry %s: %v: %w", e.ID(), err, types.ErrMalformedEntry)
	}

	missing := s.missing(e)
	if len(missing) > 0 {
		stall, err := s.buffer.Add(e, missing, source, s.now(), s.frontier)
		if err != nil {
			return Result{Outcome: Buffered, Stall: stall}, err
		}
		s.log.Debug().Msgf("buffered %s waiting for %d entries", e.ID(), len(missing))
		return Result{Outcome: Buffered}, nil
	}

	res := Result{Outcome: Applied}
	err = s.applyAndRelease(e, &res)
	return res, err
}

// AdoptFrontier records that every entry covered by frontier is part of the
// state, after a snapshot was merged. The entries of frontier that are not in
// the log can only be served with a snapshot, so the floor is raised to it.
// Buffered entries waiting on them are released and applied.
func (s *Store) AdoptFrontier(frontier types.Cursor) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frontier.Merge(frontier)
	s.floor.Merge(frontier)
	dropped := s.buffer.Drop(s.frontier)
	if dropped > 0 {
		s.log.Debug().Msgf("dropped %d buffered entries covered by snapshot", dropped)
	}

	res := Result{Outcome: Applied}
	err := s.release(s.buffer.ResolveFrontier(s.frontier), &res)
	return res, err
}

// Restore resets the store to the frontier of a snapshot loaded from disk.
func (s *Store) Restore(frontier types.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frontier = frontier.Copy()
	s.floor = frontier.Copy()
	s.entries = make(map[types.EntryID]types.LogEntry)
	s.order = nil
}

// Replay applies persisted entries in causal order. Entries that can not be
// applied are skipped; their number is returned.
func (s *Store) Replay(entries []types.LogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]types.LogEntry, len(entries))
	copy(pending, entries)
	sortEntries(pending)

	for progress := true; progress && len(pending) > 0; {
		progress = false
		rest := pending[:0]
		for _, e := range pending {
			if s.frontier.Covers(e.ID()) {
				continue
			}
			if len(s.missing(e)) > 0 {
				rest = append(rest, e)
				continue
			}
			_, err := s.apply(e)
			if errors.Is(err, types.ErrStorage) {
				return len(pending), err
			}
			if err != nil {
				s.log.Warn().Err(err).Msgf("skipping entry %s on replay", e.ID())
				continue
			}
			progress = true
		}
		pending = rest
	}

	if len(pending) > 0 {
		s.log.Warn().Msgf("%d entries could not be replayed", len(pending))
	}
	return len(pending), nil
}

// Missing returns the retained entries not covered by cursor, in application
// order. needSnapshot tells that the cursor is behind the prune floor, so the
// entries alone are not enough.
func (s *Store) Missing(cursor types.Cursor) (entries []types.LogEntry, needSnapshot bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for author, seq := range s.floor {
		if cursor[author] < seq {
			needSnapshot = true
			break
		}
	}

	for _, id := range s.order {
		if !cursor.Covers(id) {
			entries = append(entries, s.entries[id])
		}
	}
	return entries, needSnapshot
}

// Range returns the retained entries of r. belowFloor tells that part of the
// range was pruned.
func (s *Store) Range(r types.Range) (entries []types.LogEntry, belowFloor bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := r.From
	if floor := s.floor[r.Author]; from <= floor {
		belowFloor = true
		from = floor + 1
	}
	to := r.To
	if head := s.frontier[r.Author]; to > head {
		to = head
	}

	for seq := from; seq <= to; seq++ {
		e, ok := s.entries[types.EntryID{Author: r.Author, Seq: seq}]
		if ok {
			entries = append(entries, e)
		}
	}
	return entries, belowFloor
}

// Prune drops the entries covered by frontier, once a snapshot holding them
// was written. It returns the number of dropped entries.
func (s *Store) Prune(frontier types.Cursor) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.order[:0]
	for _, id := range s.order {
		if frontier.Covers(id) {
			delete(s.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	pruned := len(s.order) - len(kept)
	s.order = kept
	s.floor.Merge(frontier)

	return pruned
}

// Expired returns the stalls of entries pending for too long.
func (s *Store) Expired() []types.Stall {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffer.Expired(s.now(), s.frontier)
}

// PendingFrom returns the number of buffered entries received from peer.
func (s *Store) PendingFrom(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffer.Sources()[peer]
}

// Frontier returns the latest applied sequence number per author.
func (s *Store) Frontier() types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frontier.Copy()
}

// Floor returns the frontier of the last snapshot.
func (s *Store) Floor() types.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.floor.Copy()
}

// Height returns the number of applied entries.
func (s *Store) Height() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.frontier.Height()
}

// SinceSnapshot returns the number of entries applied after the last
// snapshot.
func (s *Store) SinceSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.order)
}

// Pending returns the number of buffered entries.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buffer.Len()
}

// Entries returns the retained entries in application order.
func (s *Store) Entries() []types.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]types.LogEntry, len(s.order))
	for i, id := range s.order {
		res[i] = s.entries[id]
	}
	return res
}

// Get returns a retained entry.
func (s *Store) Get(id types.EntryID) (types.LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	return e, ok
}

func (s *Store) applyAndRelease(e types.LogEntry, res *Result) error {
	deltas, err := s.apply(e)
	if err != nil {
		return err
	}
	res.Applied = append(res.Applied, e)
	res.Deltas = append(res.Deltas, deltas...)

	return s.release(s.buffer.Resolve(e.ID()), res)
}

// release applies the entries freed from the buffer until no more entry
// becomes ready. Entries freed by the same pass are applied in ascending
// (author, seq) order.
func (s *Store) release(ready []types.LogEntry, res *Result) error {
	for len(ready) > 0 {
		var next []types.LogEntry
		for _, e := range ready {
			deltas, err := s.apply(e)
			if errors.Is(err, types.ErrStorage) {
				return err
			}
			if err != nil {
				s.log.Warn().Err(err).Msgf("dropping buffered entry %s", e.ID())
				continue
			}
			res.Applied = append(res.Applied, e)
			res.Deltas = append(res.Deltas, deltas...)
			next = append(next, s.buffer.Resolve(e.ID())...)
		}
		sortEntries(next)
		ready = next
	}
	return nil
}

func (s *Store) apply(e types.LogEntry) ([]types.Delta, error) {
	deltas, err := s.applier.Apply(e)
	if errors.Is(err, types.ErrStorage) {
		return nil, xerrors.Errorf("failed to apply %s: %w", e.ID(), err)
	}
	if err != nil {
		return nil, xerrors.Errorf("entry %s: %v: %w", e.ID(), err, types.ErrMalformedEntry)
	}

	s.entries[e.ID()] = e
	s.order = append(s.order, e.ID())
	s.frontier[e.Author] = e.Seq

	return deltas, nil
}

// check rejects entries whose identity or dependencies can never be valid.
func (s *Store) check(e types.LogEntry) error {
	if e.Document != s.document {
		return xerrors.Errorf("entry for document %q: %w", e.Document, types.ErrMalformedEntry)
	}
	if e.Author == "" || e.Seq == 0 {
		return xerrors.Errorf("entry without author or sequence: %w", types.ErrMalformedEntry)
	}

	previous := false
	for _, dep := range e.Deps {
		if dep.Author == "" || dep.Seq == 0 {
			return xerrors.Errorf("entry %s has invalid dependency %s: %w", e.ID(), dep, types.ErrMalformedEntry)
		}
		if dep.Author == e.Author {
			if dep.Seq >= e.Seq {
				return xerrors.Errorf("entry %s depends on %s: %w", e.ID(), dep, types.ErrMalformedEntry)
			}
			if dep.Seq == e.Seq-1 {
				previous = true
			}
		}
	}
	if e.Seq > 1 && !previous {
		return xerrors.Errorf("entry %s does not depend on %d@%s: %w", e.ID(), e.Seq-1, e.Author, types.ErrMalformedEntry)
	}
	return nil
}

func (s *Store) missing(e types.LogEntry) []types.EntryID {
	var missing []types.EntryID
	for _, dep := range e.Deps {
		if !s.frontier.Covers(dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func (s *Store) deps() []types.EntryID {
	deps := make([]types.EntryID, 0, len(s.frontier))
	for _, author := range s.frontier.Authors() {
		if seq := s.frontier[author]; seq > 0 {
			deps = append(deps, types.EntryID{Author: author, Seq: seq})
		}
	}
	return deps
}
