package standard

import (
	"Inkwell/backend/registry"
	"Inkwell/backend/transport"
	"Inkwell/backend/types"
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"
)

// NewRegistry returns a new initialized registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]handler),
	}
}

type handler struct {
	empty types.Message
	exec  registry.Exec
}

// Registry implements a message registry.
//
// - implements registry.Registry
type Registry struct {
	sync.Mutex
	handlers  map[string]handler
	processed []types.Message
}

var _ registry.Registry = (*Registry)(nil)

// RegisterMessageCallback implements registry.Registry
func (r *Registry) RegisterMessageCallback(m types.Message, exec registry.Exec) {
	r.Lock()
	defer r.Unlock()

	r.handlers[m.Name()] = handler{empty: m.NewEmpty(), exec: exec}
}

// ProcessPacket implements registry.Registry
func (r *Registry) ProcessPacket(pkt transport.Packet) error {
	if pkt.Msg == nil {
		return xerrors.Errorf("packet without message")
	}

	r.Lock()
	h, ok := r.handlers[pkt.Msg.Type]
	r.Unlock()

	if !ok {
		return xerrors.Errorf("no callback for message type %q", pkt.Msg.Type)
	}

	msg := h.empty.NewEmpty()
	err := json.Unmarshal(pkt.Msg.Payload, msg)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal %s: %v", pkt.Msg.Type, err)
	}

	r.Lock()
	r.processed = append(r.processed, msg)
	r.Unlock()

	return h.exec(msg, pkt)
}

// MarshalMessage implements registry.Registry
func (r *Registry) MarshalMessage(m types.Message) (transport.Message, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return transport.Message{}, xerrors.Errorf("failed to marshal %s: %v", m.Name(), err)
	}

	return transport.Message{
		Type:    m.Name(),
		Payload: payload,
	}, nil
}

// UnmarshalMessage implements registry.Registry
func (r *Registry) UnmarshalMessage(msg *transport.Message, m types.Message) error {
	if msg.Type != m.Name() {
		return xerrors.Errorf("type mismatch: %s != %s", msg.Type, m.Name())
	}

	err := json.Unmarshal(msg.Payload, m)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal %s: %v", msg.Type, err)
	}
	return nil
}

// GetMessages implements registry.Registry
func (r *Registry) GetMessages() []types.Message {
	r.Lock()
	defer r.Unlock()

	return append([]types.Message(nil), r.processed...)
}
