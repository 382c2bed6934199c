// Package channel implements an in-memory transport. Sockets of the same
// transport deliver to each other through buffered channels, and links can be
// cut to simulate partitions.
package channel

import (
	"Inkwell/backend/transport"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

const inboxSize = 1024

// NewTransport returns a channel-based transport.
func NewTransport() transport.Transport {
	return &Transport{
		sockets: make(map[string]*Socket),
		cut:     make(map[link]struct{}),
	}
}

type link struct {
	a, b string
}

func newLink(a, b string) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// Transport implements an in-memory transport.
//
// - implements transport.Transport
type Transport struct {
	sync.Mutex
	sockets map[string]*Socket
	cut     map[link]struct{}
	port    int
}

// CreateSocket implements transport.Transport. A ":0" port gets the next free
// one.
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	t.Lock()
	defer t.Unlock()

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, xerrors.Errorf("invalid address %s: %v", address, err)
	}
	if port == "0" {
		t.port++
		address = fmt.Sprintf("%s:%d", host, t.port)
	}

	_, found := t.sockets[address]
	if found {
		return nil, xerrors.Errorf("address %s already in use", address)
	}

	s := &Socket{
		transport: t,
		addr:      address,
		inbox:     make(chan transport.Packet, inboxSize),
		closed:    make(chan struct{}),
	}
	t.sockets[address] = s
	return s, nil
}

// Disconnect cuts the link between a and b in both directions.
func (t *Transport) Disconnect(a, b string) {
	t.Lock()
	defer t.Unlock()
	t.cut[newLink(a, b)] = struct{}{}
}

// Reconnect restores the link between a and b.
func (t *Transport) Reconnect(a, b string) {
	t.Lock()
	defer t.Unlock()
	delete(t.cut, newLink(a, b))
}

func (t *Transport) route(src, dest string) (*Socket, error) {
	t.Lock()
	defer t.Unlock()

	_, isCut := t.cut[newLink(src, dest)]
	if isCut {
		return nil, xerrors.Errorf("link %s <-> %s is down", src, dest)
	}
	s, ok := t.sockets[dest]
	if !ok {
		return nil, xerrors.Errorf("no socket at %s", dest)
	}
	return s, nil
}

// Socket implements an in-memory socket.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	transport *Transport
	addr      string
	inbox     chan transport.Packet
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	ins  []transport.Packet
	outs []transport.Packet
}

// Close implements transport.ClosableSocket
func (s *Socket) Close() error {
	s.transport.Lock()
	delete(s.transport.sockets, s.addr)
	s.transport.Unlock()

	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	target, err := s.transport.route(s.addr, dest)
	if err != nil {
		return err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case target.inbox <- pkt.Copy():
	case <-target.closed:
		return xerrors.Errorf("socket %s is closed", dest)
	case <-expired:
		return transport.TimeoutError(timeout)
	}

	s.mu.Lock()
	s.outs = append(s.outs, pkt.Copy())
	s.mu.Unlock()

	return nil
}

// Recv implements transport.Socket
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case pkt := <-s.inbox:
		s.mu.Lock()
		s.ins = append(s.ins, pkt.Copy())
		s.mu.Unlock()
		return pkt, nil
	case <-s.closed:
		return transport.Packet{}, xerrors.Errorf("socket %s is closed", s.addr)
	case <-expired:
		return transport.Packet{}, transport.TimeoutError(timeout)
	}
}

// GetAddress implements transport.Socket
func (s *Socket) GetAddress() string {
	return s.addr
}

// GetIns implements transport.Socket
func (s *Socket) GetIns() []transport.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Packet(nil), s.ins...)
}

// GetOuts implements transport.Socket
func (s *Socket) GetOuts() []transport.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Packet(nil), s.outs...)
}
