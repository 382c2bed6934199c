package types

import "fmt"

// Message defines the type of message that can be marshalled/unmarshalled over
// the network.
type Message interface {
	NewEmpty() Message
	Name() string
	String() string
	HTML() string
}

// EntriesMessage carries log entries of one document.
//
// - implements types.Message
type EntriesMessage struct {
	Document string
	Entries  []LogEntry
}

// CursorMessage carries the cursor of the sender. Handshake asks the receiver
// to answer with its own cursor.
//
// - implements types.Message
type CursorMessage struct {
	Document  string
	Cursor    Cursor
	Handshake bool
}

// RangeRequestMessage asks for the entries of an author in a range.
//
// - implements types.Message
type RangeRequestMessage struct {
	Document string
	Range    Range
}

// SnapshotMessage carries a full-state snapshot.
//
// - implements types.Message
type SnapshotMessage struct {
	Snapshot Snapshot
}

// HeartbeatMessage keeps the connection alive.
//
// - implements types.Message
type HeartbeatMessage struct{}

// -----------------------------------------------------------------------------
// EntriesMessage

// NewEmpty implements types.Message.
func (m EntriesMessage) NewEmpty() Message {
	return &EntriesMessage{}
}

// Name implements types.Message.
func (m EntriesMessage) Name() string {
	return "entries"
}

// String implements types.Message.
func (m EntriesMessage) String() string {
	return fmt.Sprintf("entries{%s: %d entries}", m.Document, len(m.Entries))
}

// HTML implements types.Message.
func (m EntriesMessage) HTML() string { return m.String() }

// -----------------------------------------------------------------------------
// CursorMessage

// NewEmpty implements types.Message.
func (m CursorMessage) NewEmpty() Message {
	return &CursorMessage{}
}

// Name implements types.Message.
func (m CursorMessage) Name() string {
	return "cursor"
}

// String implements types.Message.
func (m CursorMessage) String() string {
	return fmt.Sprintf("cursor{%s: %v handshake=%t}", m.Document, map[string]uint64(m.Cursor), m.Handshake)
}

// HTML implements types.Message.
func (m CursorMessage) HTML() string { return m.String() }

// -----------------------------------------------------------------------------
// RangeRequestMessage

// NewEmpty implements types.Message.
func (m RangeRequestMessage) NewEmpty() Message {
	return &RangeRequestMessage{}
}

// Name implements types.Message.
func (m RangeRequestMessage) Name() string {
	return "rangerequest"
}

// String implements types.Message.
func (m RangeRequestMessage) String() string {
	return fmt.Sprintf("rangerequest{%s: %s}", m.Document, m.Range)
}

// HTML implements types.Message.
func (m RangeRequestMessage) HTML() string { return m.String() }

// -----------------------------------------------------------------------------
// SnapshotMessage

// NewEmpty implements types.Message.
func (m SnapshotMessage) NewEmpty() Message {
	return &SnapshotMessage{}
}

// Name implements types.Message.
func (m SnapshotMessage) Name() string {
	return "snapshot"
}

// String implements types.Message.
func (m SnapshotMessage) String() string {
	return fmt.Sprintf("snapshot{%s: height %d, %dB}", m.Snapshot.Document, m.Snapshot.Height, len(m.Snapshot.State))
}

// HTML implements types.Message.
func (m SnapshotMessage) HTML() string { return m.String() }

// -----------------------------------------------------------------------------
// HeartbeatMessage

// NewEmpty implements types.Message.
func (m HeartbeatMessage) NewEmpty() Message {
	return &HeartbeatMessage{}
}

// Name implements types.Message.
func (m HeartbeatMessage) Name() string {
	return "heartbeat"
}

// String implements types.Message.
func (m HeartbeatMessage) String() string {
	return "heartbeat{}"
}

// HTML implements types.Message.
func (m HeartbeatMessage) HTML() string { return m.String() }
