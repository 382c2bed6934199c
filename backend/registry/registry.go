package registry

import (
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
)

// Exec is the type of function executed when a message is processed.
type Exec func(types.Message, transport.Packet) error

// Registry defines the functions to register callbacks and process packets.
type Registry interface {
	// RegisterMessageCallback registers a callback for a message type. A
	// second registration for the same type replaces the first.
	RegisterMessageCallback(types.Message, Exec)

	// ProcessPacket unmarshals the message of a packet and executes the
	// callback registered for its type.
	ProcessPacket(transport.Packet) error

	// MarshalMessage returns the transport message of a types.Message.
	MarshalMessage(types.Message) (transport.Message, error)

	// UnmarshalMessage fills m with the payload of a transport message. m must
	// be a pointer.
	UnmarshalMessage(*transport.Message, types.Message) error

	// GetMessages returns the messages processed so far.
	GetMessages() []types.Message
}
