package types

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// EntryID identifies a log entry by its author and the author-scoped
// sequence number. Sequence numbers start from 1.
type EntryID struct {
	Author string
	Seq    uint64
}

// String returns the Seq@Author form used in logs.
func (id EntryID) String() string {
	return fmt.Sprintf("%d@%s", id.Seq, id.Author)
}

// Compare orders ids by author, then by sequence number.
func (id EntryID) Compare(other EntryID) int {
	if c := strings.Compare(id.Author, other.Author); c != 0 {
		return c
	}
	switch {
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}
	return 0
}

// SortEntryIDs sorts ids in ascending (author, seq) order.
func SortEntryIDs(ids []EntryID) {
	slices.SortFunc(ids, func(a, b EntryID) int { return a.Compare(b) })
}

// LogEntry is one immutable element of an author's log.
type LogEntry struct {
	Document string
	Author   string
	Seq      uint64
	// Deps lists the entries that must be applied before this one.
	Deps    []EntryID
	Payload []byte
	// Received is set when a remote entry arrives, zero for local entries.
	Received time.Time `json:",omitempty"`
}

// ID returns the key of the entry.
func (e LogEntry) ID() EntryID {
	return EntryID{Author: e.Author, Seq: e.Seq}
}

// String implements fmt.Stringer.
func (e LogEntry) String() string {
	return fmt.Sprintf("entry{%s deps=%d payload=%dB}", e.ID(), len(e.Deps), len(e.Payload))
}

// Cursor maps an author to the highest contiguous sequence number known for
// that author. It doubles as the version vector of a document.
type Cursor map[string]uint64

// Copy returns a deep copy of the cursor.
func (c Cursor) Copy() Cursor {
	cp := make(Cursor, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Covers tells if the entry with the given id is included in the cursor.
func (c Cursor) Covers(id EntryID) bool {
	return id.Seq <= c[id.Author]
}

// Dominates tells if every counter of other is lower or equal to ours.
func (c Cursor) Dominates(other Cursor) bool {
	for author, seq := range other {
		if c[author] < seq {
			return false
		}
	}
	return true
}

// Merge raises the counters of c to the pointwise maximum of c and other.
func (c Cursor) Merge(other Cursor) {
	for author, seq := range other {
		if seq > c[author] {
			c[author] = seq
		}
	}
}

// Height returns the number of entries summarized by the cursor.
func (c Cursor) Height() uint64 {
	var h uint64
	for _, seq := range c {
		h += seq
	}
	return h
}

// Authors returns the authors of the cursor in ascending order.
func (c Cursor) Authors() []string {
	authors := make([]string, 0, len(c))
	for author := range c {
		authors = append(authors, author)
	}
	slices.Sort(authors)
	return authors
}

// Range is an inclusive span of sequence numbers of one author.
type Range struct {
	Author string
	From   uint64
	To     uint64
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("%s[%d..%d]", r.Author, r.From, r.To)
}

// Snapshot is a full-state checkpoint. Entries covered by Frontier are
// summarized by State.
type Snapshot struct {
	Document string
	State    []byte
	// Height is the number of entries the snapshot summarizes.
	Height   uint64
	Frontier Cursor
	Taken    time.Time
}

// IsZero tells if no snapshot was taken yet.
func (s Snapshot) IsZero() bool {
	return s.State == nil && len(s.Frontier) == 0
}
