package crdt

import (
	"Inkwell/backend/types"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type authored struct {
	author string
	op     types.Operation
}

func id(clock uint64, author string) types.CharID {
	return types.CharID{Clock: clock, Author: author}
}

// apply applies the ops and checks that the deltas replay to the same text.
func apply(t *testing.T, text *Text, shadow string, ops ...authored) string {
	for _, o := range ops {
		deltas, err := text.Apply(o.author, o.op)
		require.NoError(t, err)
		shadow = types.ApplyDeltas(shadow, deltas)
		require.Equal(t, text.String(), shadow)
	}
	return shadow
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var res [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			next := make([]int, 0, n)
			next = append(next, p[:i]...)
			next = append(next, n-1)
			next = append(next, p[i:]...)
			res = append(res, next)
		}
	}
	return res
}

func Test_Text_Local_Insert_Delete(t *testing.T) {
	text := New()

	op, err := text.LocalInsert(0, "hello")
	require.NoError(t, err)
	require.Equal(t, uint64(1), op.Clock)
	require.True(t, op.Parent.IsHead())

	shadow := apply(t, text, "", authored{"a", op})
	require.Equal(t, "hello", shadow)
	require.Equal(t, uint64(5), text.Clock())

	ins, err := text.LocalInsert(5, " world")
	require.NoError(t, err)
	require.Equal(t, id(5, "a"), ins.Parent)
	require.Equal(t, uint64(6), ins.Clock)
	shadow = apply(t, text, shadow, authored{"a", ins})
	require.Equal(t, "hello world", shadow)

	del, err := text.LocalDelete(1, 3)
	require.NoError(t, err)
	require.Equal(t, []types.CharID{id(2, "a"), id(3, "a"), id(4, "a")}, del.Targets)
	shadow = apply(t, text, shadow, authored{"a", del})
	require.Equal(t, "ho world", shadow)
	require.Equal(t, 3, text.Tombstones())

	mid, err := text.LocalInsert(1, "ell")
	require.NoError(t, err)
	shadow = apply(t, text, shadow, authored{"a", mid})
	require.Equal(t, "hello world", shadow)
}

func Test_Text_Local_Invalid_Positions(t *testing.T) {
	text := New()
	_, err := text.LocalInsert(1, "a")
	require.ErrorIs(t, err, types.ErrInvalidEdit)

	_, err = text.LocalInsert(0, "")
	require.ErrorIs(t, err, types.ErrInvalidEdit)

	_, err = text.LocalDelete(0, 1)
	require.ErrorIs(t, err, types.ErrInvalidEdit)

	op, err := text.LocalInsert(0, "ab")
	require.NoError(t, err)
	apply(t, text, "", authored{"a", op})

	_, err = text.LocalDelete(1, 2)
	require.ErrorIs(t, err, types.ErrInvalidEdit)
	_, err = text.LocalDelete(-1, 1)
	require.ErrorIs(t, err, types.ErrInvalidEdit)
}

func Test_Text_Delete_Deltas_Coalesce(t *testing.T) {
	text := New()
	shadow := apply(t, text, "", authored{"a", types.InsertOp{Clock: 1, Text: "abcdefg"}})

	deltas, err := text.Apply("b", types.DeleteOp{Targets: []types.CharID{
		id(2, "a"), id(3, "a"), id(6, "a"), id(2, "a"),
	}})
	require.NoError(t, err)
	require.Equal(t, []types.Delta{
		{Range: types.TextRange{Start: 5, End: 6}},
		{Range: types.TextRange{Start: 1, End: 3}},
	}, deltas)
	require.Equal(t, "adeg", types.ApplyDeltas(shadow, deltas))
	require.Equal(t, "adeg", text.String())
}

func Test_Text_Apply_Idempotent(t *testing.T) {
	text := New()
	ops := []authored{
		{"a", types.InsertOp{Clock: 1, Text: "abc"}},
		{"b", types.InsertOp{Parent: id(1, "a"), Clock: 4, Text: "X"}},
		{"a", types.DeleteOp{Targets: []types.CharID{id(2, "a")}}},
		{"a", types.MetadataOp{Index: 1}},
	}
	apply(t, text, "", ops...)
	once, err := text.Encode()
	require.NoError(t, err)

	for _, o := range ops {
		deltas, err := text.Apply(o.author, o.op)
		require.NoError(t, err)
		require.Empty(t, deltas)
	}

	twice, err := text.Encode()
	require.NoError(t, err)
	require.Equal(t, once, twice)
	require.Equal(t, "aXc", text.String())
}

func Test_Text_Validate(t *testing.T) {
	text := New()
	apply(t, text, "", authored{"a", types.InsertOp{Clock: 1, Text: "ab"}})

	err := text.Validate("b", types.InsertOp{Parent: id(9, "z"), Clock: 10, Text: "x"})
	require.ErrorIs(t, err, types.ErrMalformedEntry)

	err = text.Validate("b", types.InsertOp{Parent: id(2, "a"), Clock: 2, Text: "x"})
	require.ErrorIs(t, err, types.ErrMalformedEntry)

	err = text.Validate("", types.InsertOp{Clock: 3, Text: "x"})
	require.ErrorIs(t, err, types.ErrMalformedEntry)

	err = text.Validate("b", types.InsertOp{Clock: 3})
	require.ErrorIs(t, err, types.ErrMalformedEntry)

	err = text.Validate("a", types.InsertOp{Clock: 1, Text: "ab"})
	require.NoError(t, err, "re-delivery of the same insert is valid")

	apply(t, text, "ab", authored{"b", types.InsertOp{Parent: id(2, "a"), Clock: 3, Text: "xy"}})
	err = text.Validate("b", types.InsertOp{Clock: 2, Text: "xyz"})
	require.ErrorIs(t, err, types.ErrMalformedEntry, "overlaps existing characters")

	err = text.Validate("b", types.DeleteOp{Targets: []types.CharID{id(3, "a")}})
	require.ErrorIs(t, err, types.ErrMalformedEntry)

	_, err = text.Apply("b", types.DeleteOp{Targets: []types.CharID{id(3, "a")}})
	require.ErrorIs(t, err, types.ErrMalformedEntry)
	require.Equal(t, "abxy", text.String())
}

// A run whose clocks wrap around is rejected and leaves the text untouched.
func Test_Text_Validate_Clock_Overflow(t *testing.T) {
	text := New()
	apply(t, text, "", authored{"y", types.InsertOp{Clock: 1, Text: "z"}})

	op := types.InsertOp{Clock: math.MaxUint64, Text: "ab"}
	_, err := text.Apply("x", op)
	require.ErrorIs(t, err, types.ErrMalformedEntry)
	require.Equal(t, "z", text.String())

	_, err = text.Apply("x", types.InsertOp{Clock: math.MaxUint64, Text: "a"})
	require.NoError(t, err)
	require.Equal(t, "az", text.String())
}

// A multi-rune insert lands exactly where the same runes inserted one by one
// would, around siblings with both greater and lower ids.
func Test_Text_Run_Matches_Single_Runes(t *testing.T) {
	base := []authored{
		{"a", types.InsertOp{Clock: 1, Text: "ab"}},
		{"z", types.InsertOp{Parent: id(1, "a"), Clock: 9, Text: "HI"}},
		{"b", types.InsertOp{Parent: id(1, "a"), Clock: 3, Text: "lo"}},
	}

	run := New()
	shadow := apply(t, run, "", base...)
	apply(t, run, shadow, authored{"m", types.InsertOp{Parent: id(1, "a"), Clock: 5, Text: "xyz"}})

	single := New()
	shadow = apply(t, single, "", base...)
	parent := id(1, "a")
	for k, r := range "xyz" {
		clock := uint64(5 + k)
		shadow = apply(t, single, shadow, authored{"m", types.InsertOp{Parent: parent, Clock: clock, Text: string(r)}})
		parent = id(clock, "m")
	}

	require.Equal(t, "aHIxyzlob", run.String())
	s1, err := run.Encode()
	require.NoError(t, err)
	s2, err := single.Encode()
	require.NoError(t, err)
	require.Equal(t, s2, s1)
}

func Test_Text_Large_Paste(t *testing.T) {
	const n = 50000

	text := New()
	op, err := text.LocalInsert(0, strings.Repeat("a", n))
	require.NoError(t, err)
	_, err = text.Apply("a", op)
	require.NoError(t, err)

	start := time.Now()
	op, err = text.LocalInsert(n/2, strings.Repeat("b", n))
	require.NoError(t, err)
	deltas, err := text.Apply("a", op)
	require.NoError(t, err)
	require.Equal(t, []types.Delta{{Range: types.TextRange{Start: n / 2, End: n / 2}, Replacement: strings.Repeat("b", n)}}, deltas)

	del, err := text.LocalDelete(n/4, n)
	require.NoError(t, err)
	deltas, err = text.Apply("a", del)
	require.NoError(t, err)
	require.Equal(t, []types.Delta{{Range: types.TextRange{Start: n / 4, End: n/4 + n}}}, deltas)
	require.Less(t, time.Since(start), 5*time.Second)

	expected := strings.Repeat("a", n/4) + strings.Repeat("b", n/4) + strings.Repeat("a", n/2)
	require.Equal(t, expected, text.String())
	require.Equal(t, n, text.Tombstones())
}

// Concurrent inserts at the same position: the greater author goes first
// for equal clocks, on every replica.
func Test_Text_Concurrent_Same_Position(t *testing.T) {
	a := authored{"alice", types.InsertOp{Clock: 1, Text: "AAA"}}
	b := authored{"bob", types.InsertOp{Clock: 1, Text: "BBB"}}

	r1 := New()
	apply(t, r1, "", a, b)
	r2 := New()
	apply(t, r2, "", b, a)

	require.Equal(t, "BBBAAA", r1.String())
	require.Equal(t, r1.String(), r2.String())

	s1, err := r1.Encode()
	require.NoError(t, err)
	s2, err := r2.Encode()
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

// A higher clock wins over the author order.
func Test_Text_Concurrent_Higher_Clock_First(t *testing.T) {
	base := authored{"a", types.InsertOp{Clock: 1, Text: "x"}}
	late := authored{"a", types.InsertOp{Parent: id(1, "a"), Clock: 5, Text: "L"}}
	early := authored{"z", types.InsertOp{Parent: id(1, "a"), Clock: 2, Text: "E"}}

	r1 := New()
	apply(t, r1, "", base, late, early)
	r2 := New()
	apply(t, r2, "", base, early, late)

	require.Equal(t, "xLE", r1.String())
	require.Equal(t, "xLE", r2.String())
}

func Test_Text_Convergence_Permutations(t *testing.T) {
	base := authored{"a", types.InsertOp{Clock: 1, Text: "hello"}}
	concurrent := []authored{
		{"b", types.InsertOp{Parent: id(1, "a"), Clock: 6, Text: "X"}},
		{"c", types.InsertOp{Parent: id(1, "a"), Clock: 6, Text: "Y"}},
		{"a", types.DeleteOp{Targets: []types.CharID{id(2, "a"), id(3, "a"), id(4, "a")}}},
		{"d", types.InsertOp{Parent: id(3, "a"), Clock: 6, Text: "ZZ"}},
	}

	var expected []byte
	for _, perm := range permutations(len(concurrent)) {
		text := New()
		shadow := apply(t, text, "", base)
		for _, i := range perm {
			shadow = apply(t, text, shadow, concurrent[i])
		}

		state, err := text.Encode()
		require.NoError(t, err)
		if expected == nil {
			expected = state
			require.Equal(t, "hYXZZo", text.String())
			continue
		}
		require.Equal(t, expected, state, "permutation %v", perm)
	}
}

func Test_Text_Encode_Decode(t *testing.T) {
	text := New()
	apply(t, text, "",
		authored{"a", types.InsertOp{Clock: 1, Text: "héllo"}},
		authored{"b", types.InsertOp{Parent: id(5, "a"), Clock: 6, Text: "!"}},
		authored{"a", types.DeleteOp{Targets: []types.CharID{id(1, "a")}}},
	)

	state, err := text.Encode()
	require.NoError(t, err)

	res, err := Decode(state)
	require.NoError(t, err)
	require.Equal(t, text.String(), res.String())
	require.Equal(t, text.Len(), res.Len())
	require.Equal(t, text.Clock(), res.Clock())

	again, err := res.Encode()
	require.NoError(t, err)
	require.Equal(t, state, again)

	empty, err := Decode(nil)
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())

	_, err = Decode([]byte(`{"v":2}`))
	require.ErrorIs(t, err, types.ErrMalformedEntry)
	_, err = Decode([]byte(`{"v":1,"chars":[{"c":2,"a":"a","pc":1,"pa":"a","r":"x"}]}`))
	require.ErrorIs(t, err, types.ErrMalformedEntry)
	_, err = Decode([]byte(`{"v":1,"chars":[{"c":5,"a":"a","r":"x"},{"c":3,"a":"b","pc":5,"pa":"a","r":"y"}]}`))
	require.ErrorIs(t, err, types.ErrMalformedEntry, "child clock before its parent")
}

func Test_Text_Merge(t *testing.T) {
	base := authored{"a", types.InsertOp{Clock: 1, Text: "abc"}}

	left := New()
	apply(t, left, "", base,
		authored{"a", types.InsertOp{Parent: id(3, "a"), Clock: 4, Text: "de"}},
		authored{"a", types.DeleteOp{Targets: []types.CharID{id(1, "a")}}},
	)
	right := New()
	apply(t, right, "", base,
		authored{"b", types.InsertOp{Parent: id(1, "a"), Clock: 4, Text: "XY"}},
	)

	full := New()
	apply(t, full, "", base,
		authored{"a", types.InsertOp{Parent: id(3, "a"), Clock: 4, Text: "de"}},
		authored{"a", types.DeleteOp{Targets: []types.CharID{id(1, "a")}}},
		authored{"b", types.InsertOp{Parent: id(1, "a"), Clock: 4, Text: "XY"}},
	)

	before := right.String()
	deltas := right.Merge(left)
	require.Equal(t, full.String(), right.String())
	require.Equal(t, right.String(), types.ApplyDeltas(before, deltas))

	expected, err := full.Encode()
	require.NoError(t, err)
	merged, err := right.Encode()
	require.NoError(t, err)
	require.Equal(t, expected, merged)

	require.Empty(t, right.Merge(left))
}
