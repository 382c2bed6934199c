package types

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// OpKind tags the variants of Operation on the wire.
type OpKind byte

const (
	InsertKind   OpKind = 1
	DeleteKind   OpKind = 2
	MetadataKind OpKind = 3
)

// String implements fmt.Stringer.
func (k OpKind) String() string {
	switch k {
	case InsertKind:
		return "insert"
	case DeleteKind:
		return "delete"
	case MetadataKind:
		return "metadata"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Operation is the closed set of operations carried by log entries. Only
// InsertOp, DeleteOp and MetadataOp implement it.
type Operation interface {
	Kind() OpKind
	Name() string
	isOperation()
}

// CharID identifies one character of the shared text. The zero value is the
// virtual head of the sequence.
type CharID struct {
	Clock  uint64
	Author string
}

// IsHead tells if the id references the start of the text.
func (c CharID) IsHead() bool {
	return c.Clock == 0 && c.Author == ""
}

// Less orders ids by clock, then by author.
func (c CharID) Less(other CharID) bool {
	if c.Clock != other.Clock {
		return c.Clock < other.Clock
	}
	return c.Author < other.Author
}

// String returns the Clock@Author form.
func (c CharID) String() string {
	if c.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%d@%s", c.Clock, c.Author)
}

// InsertOp inserts Text after Parent. Character k of Text gets the id
// {Clock+k, author of the entry}.
type InsertOp struct {
	Parent CharID
	Clock  uint64
	Text   string
}

// LastClock returns the clock of the last character of the run. ok is false
// when the run does not fit in the clock space.
func (o InsertOp) LastClock() (last uint64, ok bool) {
	n := uint64(utf8.RuneCountInString(o.Text))
	if n == 0 {
		return o.Clock, true
	}
	if o.Clock > math.MaxUint64-(n-1) {
		return 0, false
	}
	return o.Clock + n - 1, true
}

func (InsertOp) Kind() OpKind { return InsertKind }
func (InsertOp) Name() string { return "insert" }
func (InsertOp) isOperation() {}

// DeleteOp tombstones the given characters.
type DeleteOp struct {
	Targets []CharID
}

func (DeleteOp) Kind() OpKind { return DeleteKind }
func (DeleteOp) Name() string { return "delete" }
func (DeleteOp) isOperation() {}

// MetadataOp carries the local cursor or selection. It travels through the
// log but is never merged into the text.
type MetadataOp struct {
	Index  int
	Anchor int
}

func (MetadataOp) Kind() OpKind { return MetadataKind }
func (MetadataOp) Name() string { return "metadata" }
func (MetadataOp) isOperation() {}

// Edit is an editor command expressed in rune positions of the visible text.
type Edit interface {
	isEdit()
}

// InsertText inserts Text before the rune at Index.
type InsertText struct {
	Index int
	Text  string
}

// DeleteRange removes Length runes starting at Index.
type DeleteRange struct {
	Index  int
	Length int
}

// MoveCursor reports the local cursor (Index) and selection anchor.
type MoveCursor struct {
	Index  int
	Anchor int
}

func (InsertText) isEdit()  {}
func (DeleteRange) isEdit() {}
func (MoveCursor) isEdit()  {}
