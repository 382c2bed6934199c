package impl

import (
	"Inkwell/backend/types"
	"sort"
	"sync"
	"time"
)

// PeerTable holds the known peers and their liveness.
type PeerTable struct {
	mu    sync.Mutex
	peers map[string]*peerInfo
}

type peerInfo struct {
	online   bool
	lastSeen time.Time
}

func newPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[string]*peerInfo),
	}
}

// Add adds an offline peer. It returns false if the peer was known.
func (t *PeerTable) Add(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.peers[addr]
	if ok {
		return false
	}
	t.peers[addr] = &peerInfo{}
	return true
}

// Seen records activity of a peer. It returns true if the peer was offline or
// unknown, in which case it is now online.
func (t *PeerTable) Seen(addr string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[addr]
	if !ok {
		p = &peerInfo{}
		t.peers[addr] = p
	}
	p.lastSeen = now
	if p.online {
		return false
	}
	p.online = true
	return true
}

// Down marks a peer offline. It returns true if the peer was online.
func (t *PeerTable) Down(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[addr]
	if !ok || !p.online {
		return false
	}
	p.online = false
	return true
}

// Online returns the online peers, sorted.
func (t *PeerTable) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []string
	for addr, p := range t.peers {
		if p.online {
			res = append(res, addr)
		}
	}
	sort.Strings(res)
	return res
}

// All returns every known peer, sorted.
func (t *PeerTable) All() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := make([]string, 0, len(t.peers))
	for addr := range t.peers {
		res = append(res, addr)
	}
	sort.Strings(res)
	return res
}

// Silent returns the online peers not seen since before.
func (t *PeerTable) Silent(before time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res []string
	for addr, p := range t.peers {
		if p.online && p.lastSeen.Before(before) {
			res = append(res, addr)
		}
	}
	return res
}

// DeltaFeed delivers the deltas of remote changes to subscribers. Every
// subscriber has an unbounded queue drained by its own goroutine, so that
// pushing never blocks the writer.
type DeltaFeed struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	queue  []types.Delta
	signal chan struct{}
	out    chan types.Delta
	done   chan struct{}
	once   sync.Once
}

func newDeltaFeed() *DeltaFeed {
	return &DeltaFeed{
		subs: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of deltas and the function unsubscribing it.
func (f *DeltaFeed) Subscribe() (<-chan types.Delta, func()) {
	s := &subscriber{
		signal: make(chan struct{}, 1),
		out:    make(chan types.Delta),
		done:   make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = s
	f.mu.Unlock()

	go s.pump()

	return s.out, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		s.stop()
	}
}

// Push queues deltas for every subscriber.
func (f *DeltaFeed) Push(deltas []types.Delta) {
	if len(deltas) == 0 {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, s := range f.subs {
		s.mu.Lock()
		s.queue = append(s.queue, deltas...)
		s.mu.Unlock()

		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (f *DeltaFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		s.stop()
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		queue := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, d := range queue {
			select {
			case s.out <- d:
			case <-s.done:
				return
			}
		}
	}
}

// StatusFeed fans status changes out to subscribers. A subscriber that does
// not keep up misses events.
type StatusFeed struct {
	mu        sync.RWMutex
	listeners map[int]chan types.SyncStatus
	next      int
}

const statusBufferSize = 100

func newStatusFeed() *StatusFeed {
	return &StatusFeed{
		listeners: make(map[int]chan types.SyncStatus),
	}
}

// Subscribe returns a channel of status changes and the function
// unsubscribing it.
func (f *StatusFeed) Subscribe() (<-chan types.SyncStatus, func()) {
	ch := make(chan types.SyncStatus, statusBufferSize)

	f.mu.Lock()
	id := f.next
	f.next++
	f.listeners[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends a status to every listener without blocking.
func (f *StatusFeed) Publish(status types.SyncStatus) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, ch := range f.listeners {
		select {
		case ch <- status:
		default:
		}
	}
}
