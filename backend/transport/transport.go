package transport

import (
	"Inkwell/backend/types"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/xid"
)

// Factory defines the general function to create a transport.
type Factory func() Transport

// Transport defines the primitives to handle a layer 4 transport.
type Transport interface {
	CreateSocket(address string) (ClosableSocket, error)
}

// Socket describes the primitives of a socket communication element.
type Socket interface {
	// Send sends a msg to the destination. If the timeout is reached without
	// having sent the message, returns a TimeoutError. A value of 0 means no
	// timeout.
	Send(dest string, pkt Packet, timeout time.Duration) error

	// Recv blocks until a packet is received, or the timeout is reached. In
	// the case the timeout is reached, returns a TimeoutError. A value of 0
	// means no timeout.
	Recv(timeout time.Duration) (Packet, error)

	// GetAddress returns the address assigned. Can be useful in the case one
	// provided a :0 address, which makes the system use a random free port.
	GetAddress() string

	// GetIns must return all the messages received so far.
	GetIns() []Packet

	// GetOuts must return all the messages sent so far.
	GetOuts() []Packet
}

// ClosableSocket extends a socket with a Close() function.
type ClosableSocket interface {
	Socket
	Close() error
}

// Sender is the outbound side of the sync protocol.
type Sender interface {
	SendEntries(peer string, doc string, entries []types.LogEntry) error
	SendCursor(peer string, doc string, cursor types.Cursor, handshake bool) error
	RequestRange(peer string, doc string, r types.Range) error
	SendSnapshot(peer string, snap types.Snapshot) error
}

// TimeoutError is a type of error used by the network interface if a timeout
// is reached when sending or receiving a packet.
type TimeoutError time.Duration

// Error implements error.
func (err TimeoutError) Error() string {
	return fmt.Sprintf("timeout reached after %d", err)
}

// Is implements error. Any TimeoutError matches regardless of its duration.
func (TimeoutError) Is(err error) bool {
	_, ok := err.(TimeoutError)
	return ok
}

// Packet is a type of message sent over the network.
type Packet struct {
	Header *Header
	Msg    *Message
}

// Marshal transforms a packet to something that can be sent over the network.
func (p Packet) Marshal() ([]byte, error) {
	return json.Marshal(&p)
}

// Unmarshal transforms a marshaled packet to an actual packet. Packet must be a
// pointer, for example:
//
//	var packet Packet
//	buf, _ := otherPacket.Marshal()
//	packet.Unmarshal(buf)
func (p *Packet) Unmarshal(buf []byte) error {
	return json.Unmarshal(buf, p)
}

// Copy returns a copy of the packet.
func (p Packet) Copy() Packet {
	var h *Header
	if p.Header != nil {
		c := p.Header.Copy()
		h = &c
	}

	var m *Message
	if p.Msg != nil {
		c := p.Msg.Copy()
		m = &c
	}

	return Packet{Header: h, Msg: m}
}

// String returns a string representation of a packet.
func (p Packet) String() string {
	return fmt.Sprintf("{%s - %s}", p.Header, p.Msg)
}

// Message defines the type of message sent over the network. Payload should be
// a json marshalled representation of a types.Message, and Type the
// corresponding message name, available with types.Message.Name().
type Message struct {
	Type    string
	Payload json.RawMessage
}

// Copy returns a copy of the message.
func (m Message) Copy() Message {
	return Message{
		Type:    m.Type,
		Payload: append(json.RawMessage(nil), m.Payload...),
	}
}

// String returns a string representation of a message.
func (m Message) String() string {
	return fmt.Sprintf("{type: %s, payload: %d bytes}", m.Type, len(m.Payload))
}

// Header contains the metadata of a packet needed for its transport.
type Header struct {
	PacketID  string
	Timestamp int64

	// Source is the address of the packet's creator.
	Source string
	// RelayedBy is the address of the node that sends the packet. It can be
	// the originator of the packet, in which case Source==RelayedBy, or the
	// address of a node that relayed the packet.
	RelayedBy   string
	Destination string
}

// NewHeader returns a new header with initialized fields.
func NewHeader(source, relay, dest string) Header {
	return Header{
		PacketID:    xid.New().String(),
		Timestamp:   time.Now().UnixNano(),
		Source:      source,
		RelayedBy:   relay,
		Destination: dest,
	}
}

// Copy returns the copy of a header.
func (h Header) Copy() Header {
	return h
}

// String returns a string representation of a header.
func (h Header) String() string {
	return fmt.Sprintf("{id: %s, source: %s, relay: %s, dest: %s}",
		h.PacketID, h.Source, h.RelayedBy, h.Destination)
}
