package crdt

import (
	"Inkwell/backend/types"
	"encoding/json"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"
)

const stateVersion = 1

type encodedChar struct {
	Clock        uint64 `json:"c"`
	Author       string `json:"a"`
	ParentClock  uint64 `json:"pc,omitempty"`
	ParentAuthor string `json:"pa,omitempty"`
	Rune         string `json:"r"`
	Deleted      bool   `json:"d,omitempty"`
}

type encodedText struct {
	Version int           `json:"v"`
	Clock   uint64        `json:"clock"`
	Chars   []encodedChar `json:"chars"`
}

// Encode returns the full state, tombstones included. Two replicas that
// applied the same operations return identical bytes.
func (t *Text) Encode() ([]byte, error) {
	enc := encodedText{
		Version: stateVersion,
		Clock:   t.clock,
		Chars:   make([]encodedChar, len(t.seq)),
	}
	for i, n := range t.seq {
		enc.Chars[i] = encodedChar{
			Clock:        n.id.Clock,
			Author:       n.id.Author,
			ParentClock:  n.parent.Clock,
			ParentAuthor: n.parent.Author,
			Rune:         string(n.r),
			Deleted:      n.deleted,
		}
	}

	buf, err := json.Marshal(enc)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal text: %v", err)
	}
	return buf, nil
}

// Decode rebuilds a text from the output of Encode.
func Decode(state []byte) (*Text, error) {
	t := New()
	if len(state) == 0 {
		return t, nil
	}

	var enc encodedText
	err := json.Unmarshal(state, &enc)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal text: %v: %w", err, types.ErrMalformedEntry)
	}
	if enc.Version != stateVersion {
		return nil, xerrors.Errorf("unsupported state version %d: %w", enc.Version, types.ErrMalformedEntry)
	}

	t.seq = make([]*node, 0, len(enc.Chars))
	for _, c := range enc.Chars {
		runes := []rune(c.Rune)
		if len(runes) != 1 {
			return nil, xerrors.Errorf("invalid rune %q: %w", c.Rune, types.ErrMalformedEntry)
		}
		n := &node{
			id:      types.CharID{Clock: c.Clock, Author: c.Author},
			parent:  types.CharID{Clock: c.ParentClock, Author: c.ParentAuthor},
			r:       runes[0],
			deleted: c.Deleted,
		}
		if n.id.IsHead() {
			return nil, xerrors.Errorf("character without id: %w", types.ErrMalformedEntry)
		}
		if _, ok := t.index[n.id]; ok {
			return nil, xerrors.Errorf("duplicate character %s: %w", n.id, types.ErrMalformedEntry)
		}
		if _, ok := t.index[n.parent]; !ok && !n.parent.IsHead() {
			return nil, xerrors.Errorf("character %s before its parent: %w", n.id, types.ErrMalformedEntry)
		}
		if !n.parent.IsHead() && n.id.Clock <= n.parent.Clock {
			return nil, xerrors.Errorf("character %s not after its parent: %w", n.id, types.ErrMalformedEntry)
		}

		t.seq = append(t.seq, n)
		t.index[n.id] = n
		if !n.deleted {
			t.visible++
		}
		t.observe(n.id.Clock)
	}
	t.observe(enc.Clock)

	return t, nil
}

// Merge folds the characters and tombstones of other into t. It returns a
// single delta replacing the whole visible text when it changed.
func (t *Text) Merge(other *Text) []types.Delta {
	before := t.String()
	beforeLen := t.visible

	var missing []*node
	for _, n := range other.seq {
		if _, ok := t.index[n.id]; !ok {
			missing = append(missing, n)
		}
	}
	// parents always have a lower id than their children
	slices.SortFunc(missing, func(a, b *node) int {
		switch {
		case a.id.Less(b.id):
			return -1
		case b.id.Less(a.id):
			return 1
		}
		return 0
	})
	for _, n := range missing {
		t.integrate([]*node{{id: n.id, parent: n.parent, r: n.r}})
		t.observe(n.id.Clock)
	}

	for _, n := range other.seq {
		if !n.deleted {
			continue
		}
		mine := t.index[n.id]
		if !mine.deleted {
			mine.deleted = true
			t.visible--
		}
	}
	t.observe(other.clock)

	after := t.String()
	if after == before {
		return nil
	}
	return []types.Delta{{
		Range:       types.TextRange{Start: 0, End: beforeLen},
		Replacement: after,
	}}
}
