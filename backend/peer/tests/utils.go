package tests

import (
	"Inkwell/backend/codec"
	"Inkwell/backend/crdt"
	"Inkwell/backend/registry"
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
	"time"

	"github.com/stretchr/testify/require"
)

// Writer produces the entries of a remote author without running a node.
type Writer struct {
	author string
	doc    string
	text   *crdt.Text
	seq    uint64
}

// NewWriter returns a writer for author on doc.
func NewWriter(author, doc string) *Writer {
	return &Writer{author: author, doc: doc, text: crdt.New()}
}

// Author returns the author of the entries.
func (w *Writer) Author() string {
	return w.author
}

// Text returns the text of the writer.
func (w *Writer) Text() string {
	return w.text.String()
}

// Insert inserts s at pos and returns the entry.
func (w *Writer) Insert(t require.TestingT, pos int, s string) types.LogEntry {
	op, err := w.text.LocalInsert(pos, s)
	require.NoError(t, err)
	return w.entry(t, op)
}

// Delete deletes length runes from pos and returns the entry.
func (w *Writer) Delete(t require.TestingT, pos, length int) types.LogEntry {
	op, err := w.text.LocalDelete(pos, length)
	require.NoError(t, err)
	return w.entry(t, op)
}

func (w *Writer) entry(t require.TestingT, op types.Operation) types.LogEntry {
	_, err := w.text.Apply(w.author, op)
	require.NoError(t, err)

	payload, err := codec.Encode(op)
	require.NoError(t, err)

	w.seq++
	e := types.LogEntry{
		Document: w.doc,
		Author:   w.author,
		Seq:      w.seq,
		Payload:  payload,
	}
	if w.seq > 1 {
		e.Deps = []types.EntryID{{Author: w.author, Seq: w.seq - 1}}
	}
	return e
}

// Send sends a message from a raw socket.
func Send(t require.TestingT, r registry.Registry, socket transport.Socket, dest string, msg types.Message) {
	transpMsg, err := r.MarshalMessage(msg)
	require.NoError(t, err)

	header := transport.NewHeader(socket.GetAddress(), socket.GetAddress(), dest)
	pkt := transport.Packet{
		Header: &header,
		Msg:    &transpMsg,
	}

	err = socket.Send(dest, pkt, time.Second)
	require.NoError(t, err)
}

// Cursors returns the cursor messages received by socket so far.
func Cursors(t require.TestingT, r registry.Registry, socket transport.Socket) []types.CursorMessage {
	var res []types.CursorMessage
	for _, pkt := range socket.GetIns() {
		if pkt.Msg.Type != (types.CursorMessage{}).Name() {
			continue
		}
		var msg types.CursorMessage
		err := r.UnmarshalMessage(pkt.Msg, &msg)
		require.NoError(t, err)
		res = append(res, msg)
	}
	return res
}

// RangeRequests returns the range requests received by socket so far.
func RangeRequests(t require.TestingT, r registry.Registry, socket transport.Socket) []types.Range {
	var res []types.Range
	for _, pkt := range socket.GetIns() {
		if pkt.Msg.Type != (types.RangeRequestMessage{}).Name() {
			continue
		}
		var msg types.RangeRequestMessage
		err := r.UnmarshalMessage(pkt.Msg, &msg)
		require.NoError(t, err)
		res = append(res, msg.Range)
	}
	return res
}

// ReceiveUntil keeps receiving on socket until cond holds.
func ReceiveUntil(t require.TestingT, socket transport.Socket, cond func() bool) {
	require.Eventually(t, func() bool {
		for {
			_, err := socket.Recv(time.Millisecond)
			if err != nil {
				break
			}
		}
		return cond()
	}, 5*time.Second, 10*time.Millisecond)
}
