// Package ws implements a transport over websockets. Every socket serves
// incoming connections on /sync and dials peers lazily on the first send.
package ws

import (
	"Inkwell/backend/transport"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

const (
	path      = "/sync"
	inboxSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewTransport returns a websocket transport.
func NewTransport() transport.Transport {
	return &Transport{}
}

// Transport implements a transport layer using websockets.
//
// - implements transport.Transport
type Transport struct{}

// CreateSocket implements transport.Transport
func (t *Transport) CreateSocket(address string) (transport.ClosableSocket, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, xerrors.Errorf("failed to listen on %s: %v", address, err)
	}

	s := &Socket{
		addr:     ln.Addr().String(),
		inbox:    make(chan transport.Packet, inboxSize),
		closed:   make(chan struct{}),
		conns:    make(map[string]*conn),
		dialing:  make(map[string]*pending),
		incoming: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.serveWs)
	s.server = &http.Server{Handler: mux}

	go func() {
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Close()
		}
	}()

	return s, nil
}

// conn is a websocket connection. gorilla connections support one concurrent
// writer.
type conn struct {
	sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(buf []byte, timeout time.Duration) error {
	c.Lock()
	defer c.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	err := c.ws.SetWriteDeadline(deadline)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

// pending is a dial in progress. Senders to the same peer wait on done.
type pending struct {
	done chan struct{}
	c    *conn
	err  error
}

// Socket implements a network socket using websockets.
//
// - implements transport.Socket
// - implements transport.ClosableSocket
type Socket struct {
	addr      string
	server    *http.Server
	inbox     chan transport.Packet
	closed    chan struct{}
	closeOnce sync.Once

	// conns are the outgoing connections, by peer address. The lock is never
	// held across the network.
	connsMu sync.Mutex
	conns   map[string]*conn
	dialing map[string]*pending
	// incoming connections, closed with the socket
	incoming map[*websocket.Conn]struct{}

	mu   sync.Mutex
	ins  []transport.Packet
	outs []transport.Packet
}

func (s *Socket) serveWs(w http.ResponseWriter, r *http.Request) {
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.connsMu.Lock()
	select {
	case <-s.closed:
		s.connsMu.Unlock()
		c.Close()
		return
	default:
	}
	s.incoming[c] = struct{}{}
	s.connsMu.Unlock()

	go s.readPump(c)
}

func (s *Socket) readPump(c *websocket.Conn) {
	defer func() {
		s.connsMu.Lock()
		delete(s.incoming, c)
		s.connsMu.Unlock()
		c.Close()
	}()

	for {
		mt, buf, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var pkt transport.Packet
		err = pkt.Unmarshal(buf)
		if err != nil {
			continue
		}

		select {
		case s.inbox <- pkt:
		case <-s.closed:
			return
		}
	}
}

// dial returns the connection to dest, dialing it if needed. Only one dial
// per peer is in flight and the others wait for its outcome.
func (s *Socket) dial(dest string, timeout time.Duration) (*conn, error) {
	s.connsMu.Lock()
	c, ok := s.conns[dest]
	if ok {
		s.connsMu.Unlock()
		return c, nil
	}

	p, ok := s.dialing[dest]
	if ok {
		s.connsMu.Unlock()

		select {
		case <-p.done:
			return p.c, p.err
		case <-s.closed:
			return nil, xerrors.Errorf("socket %s is closed", s.addr)
		}
	}

	p = &pending{done: make(chan struct{})}
	s.dialing[dest] = p
	s.connsMu.Unlock()

	p.c, p.err = s.connect(dest, timeout)

	s.connsMu.Lock()
	delete(s.dialing, dest)
	if p.err == nil {
		select {
		case <-s.closed:
			p.c.ws.Close()
			p.c, p.err = nil, xerrors.Errorf("socket %s is closed", s.addr)
		default:
			s.conns[dest] = p.c
		}
	}
	s.connsMu.Unlock()
	close(p.done)

	if p.err != nil {
		return nil, p.err
	}

	c = p.c
	// outgoing connections are write-only, the read loop detects closure
	go func() {
		for {
			_, _, err := c.ws.NextReader()
			if err != nil {
				s.drop(dest, c)
				return
			}
		}
	}()

	return c, nil
}

func (s *Socket) connect(dest string, timeout time.Duration) (*conn, error) {
	u := url.URL{Scheme: "ws", Host: dest, Path: path}
	dialer := *websocket.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}

	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %s: %v", u.String(), err)
	}

	return &conn{ws: ws}, nil
}

func (s *Socket) drop(dest string, c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	if s.conns[dest] == c {
		delete(s.conns, dest)
	}
	c.ws.Close()
}

// Close implements transport.ClosableSocket
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.connsMu.Lock()
		for dest, c := range s.conns {
			c.ws.Close()
			delete(s.conns, dest)
		}
		for c := range s.incoming {
			c.Close()
			delete(s.incoming, c)
		}
		s.connsMu.Unlock()

		err = s.server.Close()
	})
	return err
}

// Send implements transport.Socket
func (s *Socket) Send(dest string, pkt transport.Packet, timeout time.Duration) error {
	select {
	case <-s.closed:
		return xerrors.Errorf("socket %s is closed", s.addr)
	default:
	}

	buf, err := pkt.Marshal()
	if err != nil {
		return xerrors.Errorf("failed to marshal packet: %w", err)
	}

	c, err := s.dial(dest, timeout)
	if err != nil {
		return err
	}

	err = c.write(buf, timeout)
	if err != nil {
		s.drop(dest, c)

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return transport.TimeoutError(timeout)
		}
		return xerrors.Errorf("failed to write to %s: %v", dest, err)
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
