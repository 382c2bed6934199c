package udp

import (
	"Inkwell/backend/transport"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Maximum size of a datagram. Entry batches are split by the sender to stay
// below it.
const bufSize = 65000

// NewUDP returns a new udp transport implementation.
func NewUDP() transport.Transport {
	return &UDP{}
}

// UDP implements a transport layer using UDP
//
// - implements transport.Transport
type UDP struct{}

// CreateSocket implements transport.Transport
func (n *UDP) CreateSocket(address string) (transport.ClosableSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve %s: %v", address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen on %s: %v", address, err)
	}

	return &Socket{
		conn: conn,
		addr: conn.LocalAddr().String(),
	}, nil
}

// Socket implements a network socket using UDP.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	conn *net.UDPConn
	addr string

	mu   sync.Mutex
	ins  []transport.Packet
	outs []transport.Packet
}

// Close implements transport.Socket. It returns an error if already closed.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return xerrors.Errorf("failed to resolve address: %w", err)
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return xerrors.Errorf("failed to marshal packet: %w", err)
	}
	if len(buf) > bufSize {
		return xerrors.Errorf("packet too large: %d bytes", len(buf))
	}

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	err = s.conn.SetWriteDeadline(deadline)
	if err != nil {
		return xerrors.Errorf("failed to set write deadline: %w", err)
	}

	_, err = s.conn.WriteToUDP(buf, addr)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return transport.TimeoutError(timeout)
	}
	if err != nil {
		return xerrors.Errorf("failed to write packet: %w", err)
	}

	s.mu.Lock()
	s.outs = append(s.outs, pkt.Copy())
	s.mu.Unlock()

	return nil
}

// Recv implements transport.Socket. It blocks until a packet is received, or
// the timeout is reached. In the case the timeout is reached, return a
// TimeoutErr.
func (s *Socket) Recv(timeout time.Duration) (transport.Packet, error) {
	buf := make([]byte, bufSize)

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	err := s.conn.SetReadDeadline(deadline)
	if err != nil {
		return transport.Packet{}, xerrors.Errorf("failed to set read deadline: %w", err)
	}

	n, _, err := s.conn.ReadFromUDP(buf)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return transport.Packet{}, transport.TimeoutError(timeout)
	}
	if err != nil {
		return transport.Packet{}, xerrors.Errorf("failed to read packet: %w", err)
	}

	pkt := transport.Packet{}
	err = pkt.Unmarshal(buf[:n])
	if err != nil {
		return transport.Packet{}, xerrors.Errorf("failed to unmarshal packet: %w", err)
	}

	s.mu.Lock()
	s.ins = append(s.ins, pkt.Copy())
	s.mu.Unlock()

	return pkt, nil
}

// GetAddress implements transport.Socket. It returns the address assigned. Can
// be useful in the case one provided a :0 address, which makes the system use a
// random free port.
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
