// Package crdt implements the replicated text merged by every peer.
//
// The text is a replicated growable array (RGA). Every character carries a
// CharID made of a Lamport clock and the author that created it. An insert
// names the character it follows (its parent); deleted characters stay in
// the sequence as tombstones so that later inserts can still reference them.
//
// Concurrent inserts after the same parent are ordered by descending CharID:
// the higher clock goes first and, for equal clocks, the lexicographically
// greater author goes first. Every replica computes the same interleaving
// from the same set of operations, whatever the order they arrive in.
package crdt

import (
	"Inkwell/backend/types"
	"strings"
	"unicode/utf8"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

type node struct {
	id      types.CharID
	parent  types.CharID
	r       rune
	deleted bool
}

// Text is the merged state of a document. It is not safe for concurrent use;
// the owner serializes access.
type Text struct {
	seq     []*node
	index   map[types.CharID]*node
	visible int
	clock   uint64
}

// New returns an empty text.
func New() *Text {
	return &Text{
		index: make(map[types.CharID]*node),
	}
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	return t.visible
}

// Clock returns the highest clock observed.
func (t *Text) Clock() uint64 {
	return t.clock
}

// Tombstones returns the number of deleted characters kept in the sequence.
func (t *Text) Tombstones() int {
	return len(t.seq) - t.visible
}

// String returns the visible text.
func (t *Text) String() string {
	var sb strings.Builder
	sb.Grow(t.visible)
	for _, n := range t.seq {
		if !n.deleted {
			sb.WriteRune(n.r)
		}
	}
	return sb.String()
}

// Validate tells if op, authored by author, can be applied to the current
// state. Unknown parents or targets yield types.ErrMalformedEntry.
func (t *Text) Validate(author string, op types.Operation) error {
	switch o := op.(type) {
	case types.InsertOp:
		if author == "" {
			return xerrors.Errorf("insert without author: %w", types.ErrMalformedEntry)
		}
		if o.Text == "" {
			return xerrors.Errorf("empty insert: %w", types.ErrMalformedEntry)
		}
		if _, ok := o.LastClock(); !ok || o.Clock == 0 {
			return xerrors.Errorf("insert of clock %d out of range: %w", o.Clock, types.ErrMalformedEntry)
		}
		if !o.Parent.IsHead() {
			if _, ok := t.index[o.Parent]; !ok {
				return xerrors.Errorf("unknown parent %s: %w", o.Parent, types.ErrMalformedEntry)
			}
			if o.Clock <= o.Parent.Clock {
				return xerrors.Errorf("clock %d not after parent %s: %w", o.Clock, o.Parent, types.ErrMalformedEntry)
			}
		}
		if _, ok := t.index[types.CharID{Clock: o.Clock, Author: author}]; ok {
			return nil
		}
		for k := 1; k < utf8.RuneCountInString(o.Text); k++ {
			id := types.CharID{Clock: o.Clock + uint64(k), Author: author}
			if _, ok := t.index[id]; ok {
				return xerrors.Errorf("character %s already exists: %w", id, types.ErrMalformedEntry)
			}
		}
	case types.DeleteOp:
		for _, target := range o.Targets {
			if _, ok := t.index[target]; !ok {
				return xerrors.Errorf("unknown target %s: %w", target, types.ErrMalformedEntry)
			}
		}
	case types.MetadataOp:
	default:
		return xerrors.Errorf("unsupported operation %T: %w", op, types.ErrMalformedEntry)
	}
	return nil
}

// Apply merges op, authored by author, into the text and returns the deltas
// of the visible text. Applying an operation twice has no effect the second
// time. Metadata operations are accepted and ignored.
func (t *Text) Apply(author string, op types.Operation) ([]types.Delta, error) {
	err := t.Validate(author, op)
	if err != nil {
		return nil, err
	}

	switch o := op.(type) {
	case types.InsertOp:
		return t.insert(author, o), nil
	case types.DeleteOp:
		return t.delete(o), nil
	}
	return nil, nil
}

// LocalInsert returns the operation inserting text before the rune at pos.
// The operation is not applied.
func (t *Text) LocalInsert(pos int, text string) (types.InsertOp, error) {
	if pos < 0 || pos > t.visible {
		return types.InsertOp{}, xerrors.Errorf("insert at %d in text of %d: %w", pos, t.visible, types.ErrInvalidEdit)
	}
	if text == "" || !utf8.ValidString(text) {
		return types.InsertOp{}, xerrors.Errorf("insert of invalid text: %w", types.ErrInvalidEdit)
	}

	parent := types.CharID{}
	if pos > 0 {
		parent = t.visibleAt(pos - 1).id
	}

	return types.InsertOp{
		Parent: parent,
		Clock:  t.clock + 1,
		Text:   text,
	}, nil
}

// LocalDelete returns the operation removing length runes from pos. The
// operation is not applied.
func (t *Text) LocalDelete(pos, length int) (types.DeleteOp, error) {
	if pos < 0 || length <= 0 || pos+length > t.visible {
		return types.DeleteOp{}, xerrors.Errorf("delete [%d,%d) in text of %d: %w", pos, pos+length, t.visible, types.ErrInvalidEdit)
	}

	targets := make([]types.CharID, 0, length)
	k := 0
	for _, n := range t.seq {
		if n.deleted {
			continue
		}
		if k >= pos {
			targets = append(targets, n.id)
			if len(targets) == length {
				break
			}
		}
		k++
	}

	return types.DeleteOp{Targets: targets}, nil
}

func (t *Text) insert(author string, o types.InsertOp) []types.Delta {
	if _, ok := t.index[types.CharID{Clock: o.Clock, Author: author}]; ok {
		return nil
	}

	run := make([]*node, 0, utf8.RuneCountInString(o.Text))
	parent := o.Parent
	for _, r := range o.Text {
		id := types.CharID{Clock: o.Clock + uint64(len(run)), Author: author}
		run = append(run, &node{id: id, parent: parent, r: r})
		parent = id
	}

	pos := t.visibleBefore(t.integrate(run))
	t.observe(o.Clock + uint64(len(run)) - 1)

	return []types.Delta{{
		Range:       types.TextRange{Start: pos, End: pos},
		Replacement: o.Text,
	}}
}

func (t *Text) delete(o types.DeleteOp) []types.Delta {
	targets := make(map[types.CharID]struct{}, len(o.Targets))
	for _, target := range o.Targets {
		if !t.index[target].deleted {
			targets[target] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	positions := make([]int, 0, len(targets))
	var removed []*node
	pos := 0
	for _, n := range t.seq {
		if n.deleted {
			continue
		}
		if _, ok := targets[n.id]; ok {
			positions = append(positions, pos)
			removed = append(removed, n)
		}
		pos++
	}

	for _, n := range removed {
		n.deleted = true
		t.visible--
	}

	return coalesce(positions)
}

// coalesce turns removed positions, computed before the removal, into
// deltas that can be applied in order: highest ranges first, adjacent
// positions merged.
func coalesce(positions []int) []types.Delta {
	if len(positions) == 0 {
		return nil
	}
	slices.SortFunc(positions, func(a, b int) int { return b - a })

	var deltas []types.Delta
	high := positions[0]
	low := high
	for _, p := range positions[1:] {
		if p == low-1 {
			low = p
			continue
		}
		deltas = append(deltas, types.Delta{Range: types.TextRange{Start: low, End: high + 1}})
		high, low = p, p
	}
	return append(deltas, types.Delta{Range: types.TextRange{Start: low, End: high + 1}})
}

// integrate places a run of characters right after the parent of its first
// one, skipping the siblings (and their descendants) that have a greater id.
// Every other character of the run is the child of the previous one with a
// greater clock than anything following it, so the run stays contiguous. It
// returns the index of the first character.
func (t *Text) integrate(run []*node) int {
	first := run[0]
	i := 0
	if !first.parent.IsHead() {
		i = t.position(first.parent) + 1
	}
	for i < len(t.seq) && first.id.Less(t.seq[i].id) {
		i++
	}

	t.seq = slices.Insert(t.seq, i, run...)
	for _, n := range run {
		t.index[n.id] = n
		if !n.deleted {
			t.visible++
		}
	}
	return i
}

func (t *Text) observe(clock uint64) {
	if clock > t.clock {
		t.clock = clock
	}
}

func (t *Text) position(id types.CharID) int {
	for i, n := range t.seq {
		if n.id == id {
			return i
		}
	}
	return -1
}

func (t *Text) visibleBefore(i int) int {
	count := 0
	for _, n := range t.seq[:i] {
		if !n.deleted {
			count++
		}
	}
	return count
}

func (t *Text) visibleAt(pos int) *node {
	k := 0
	for _, n := range t.seq {
		if n.deleted {
			continue
		}
		if k == pos {
			return n
		}
		k++
	}
	return nil
}
