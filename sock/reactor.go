// Package sock implements the socket layer (spec.md L2 / §4.2): a
// reactor that multiplexes many TCP/TLS endpoints and delivers
// Connected/BytesRead/Writable/Closed/Accepted/Timer events to their
// owners in arrival order. Go's net.Conn is blocking by nature, so each
// socket gets its own read-pump goroutine (there is no non-blocking
// select-on-fd primitive in net); what spec.md calls "the reactor" is
// realized here as one buffered event channel that every socket's read
// pump posts to, in order per socket — the same per-connection-goroutine-plus-central-
// dispatch shape rclone's fs/rc job queue uses for its own single
// consumer loop.
package sock

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// EventKind is the closed set of events a Socket can raise, spec.md §4.2.
type EventKind int

// Event kinds.
const (
	EventConnected EventKind = iota
	EventBytesRead
	EventWritable
	EventClosed
	EventAccepted
	EventTimer
)

// Event is one occurrence on a socket, delivered to its owner in arrival
// order (spec.md §5 "Within one control connection... no ordering is
// implied" across sockets, but in order for one socket).
type Event struct {
	Kind    EventKind
	UID     int64
	Data    []byte // for BytesRead, the newly appended bytes
	Err     error  // for Closed
	TimerID int64  // for Timer
	Accepted *Socket // for Accepted, the new inbound socket
}

// Filter is a stackable byte-transform applied to a socket's read/write
// path (TLS, MODE Z), spec.md §4.2/§4.5.
type Filter interface {
	// WrapConn wraps conn, returning a conn whose Read/Write apply the
	// filter's transform.
	WrapConn(conn net.Conn) (net.Conn, error)
}

var uidCounter int64
var uidMu sync.Mutex

func nextUID() int64 {
	uidMu.Lock()
	defer uidMu.Unlock()
	uidCounter++
	return uidCounter
}

// Socket is one TCP/TLS endpoint registered with a Reactor.
type Socket struct {
	UID  int64
	conn net.Conn

	mu         sync.Mutex
	sendQ      [][]byte
	watermark  int
	closed     bool
	upgrading  bool // true while UpgradeTLS is swapping conn in place
	inbox      []byte // accumulated unread bytes, mirrors spec.md "per-socket inbox"

	pumpPaused chan struct{}

	reactor *Reactor
}

// Reactor owns a set of Sockets and timers and delivers all their events
// on one channel (Events), spec.md §4.2 "A single I/O reactor thread...
// owns all sockets and timers".
type Reactor struct {
	events  chan Event
	mu      sync.Mutex
	sockets map[int64]*Socket
	timers  map[int64]*time.Timer
	done    chan struct{}
}

// NewReactor builds a Reactor; no goroutine is started until a socket or
// timer is added. Events must be drained by the owner; events are
// buffered so socket goroutines never block on
// a slow handler for long (spec.md §5 "The reactor may not block on user
// callbacks" — here, producers don't block on the reactor either).
func NewReactor() *Reactor {
	return &Reactor{
		events:  make(chan Event, 1024),
		sockets: make(map[int64]*Socket),
		timers:  make(map[int64]*time.Timer),
		done:    make(chan struct{}),
	}
}

// Events returns the channel events are delivered on. Callers should
// range over it (or select with a done channel) to implement the
// "await_event(worker-inbox)" suspension point from spec.md §5.
func (r *Reactor) Events() <-chan Event { return r.events }

// Close stops the reactor, closing all registered sockets.
func (r *Reactor) Close() {
	r.mu.Lock()
	sockets := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	for _, t := range r.timers {
		t.Stop()
	}
	r.mu.Unlock()
	for _, s := range sockets {
		_ = s.CloseGraceful()
	}
	close(r.done)
}

// Connect dials addr and registers the resulting connection, applying
// filters in order (outermost last), spec.md §4.2 "connect(addr, tls?)".
func (r *Reactor) Connect(network, addr string, filters ...Filter) (*Socket, error) {
	conn, err := net.Dial(network, addr)
	s := &Socket{UID: nextUID(), reactor: r}
	if err != nil {
		r.post(Event{Kind: EventConnected, UID: s.UID, Err: err})
		return s, err
	}
	for _, f := range filters {
		conn, err = f.WrapConn(conn)
		if err != nil {
			r.post(Event{Kind: EventConnected, UID: s.UID, Err: err})
			return s, err
		}
	}
	s.conn = conn
	r.register(s)
	r.post(Event{Kind: EventConnected, UID: s.UID})
	go s.readPump()
	return s, nil
}

// Listen opens a listener on ip:port and spawns an accept loop that
// posts EventAccepted for each inbound connection, spec.md §4.2
// "listen(ip, port) -> listener; accept -> Connected".
func (r *Reactor) Listen(ip string, port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s := &Socket{UID: nextUID(), conn: conn, reactor: r}
			r.register(s)
			r.post(Event{Kind: EventAccepted, UID: s.UID, Accepted: s})
			go s.readPump()
		}
	}()
	return ln, nil
}

func (r *Reactor) register(s *Socket) {
	r.mu.Lock()
	r.sockets[s.UID] = s
	r.mu.Unlock()
}

func (r *Reactor) unregister(uid int64) {
	r.mu.Lock()
	delete(r.sockets, uid)
	r.mu.Unlock()
}

func (r *Reactor) post(e Event) {
	select {
	case r.events <- e:
	case <-r.done:
	}
}

// SetTimer arms a one-shot timer that posts EventTimer after ms,
// spec.md §4.2 "set_timer(id, ms)".
func (r *Reactor) SetTimer(id int64, d time.Duration) {
	t := time.AfterFunc(d, func() {
		r.post(Event{Kind: EventTimer, TimerID: id})
	})
	r.mu.Lock()
	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = t
	r.mu.Unlock()
}

// CancelTimer cancels a pending timer, spec.md §4.2 "cancel_timer(id)".
func (r *Reactor) CancelTimer(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
}

func (s *Socket) readPump() {
	buf := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.mu.Lock()
			s.inbox = append(s.inbox, chunk...)
			s.mu.Unlock()
			s.reactor.post(Event{Kind: EventBytesRead, UID: s.UID, Data: chunk})
		}
		if err != nil {
			s.mu.Lock()
			upgrading := s.upgrading
			s.mu.Unlock()
			if upgrading {
				// UpgradeTLS forced this Read to unblock with a deadline
				// error so it could safely swap conn for a TLS-wrapped
				// one; hand control back to it instead of tearing down
				// the socket.
				select {
				case s.pumpPaused <- struct{}{}:
				default:
				}
				return
			}
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.reactor.unregister(s.UID)
			if err == io.EOF {
				err = nil
			}
			s.reactor.post(Event{Kind: EventClosed, UID: s.UID, Err: err})
			return
		}
	}
}

// UpgradeTLS replaces s's connection with a TLS-wrapped one after an
// AUTH TLS/PROT-style in-place upgrade, spec.md §4.4. The read pump may
// be blocked in conn.Read when this is called, so it can't simply swap
// the field: an already-expired read deadline kicks the pump out of its
// blocking read, the pump notices upgrading and backs off without
// closing the socket, and only then is the deadline cleared, the
// handshake run and the field swapped, after which a fresh pump is
// started for the new conn.
func (s *Socket) UpgradeTLS(filter TLSFilter) error {
	s.mu.Lock()
	if s.pumpPaused == nil {
		s.pumpPaused = make(chan struct{}, 1)
	}
	s.upgrading = true
	conn := s.conn
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now())
	<-s.pumpPaused
	_ = conn.SetReadDeadline(time.Time{})

	tlsConn, err := filter.WrapConn(conn)
	s.mu.Lock()
	s.upgrading = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.conn = tlsConn
	s.mu.Unlock()
	go s.readPump()
	return nil
}

// Send buffers bytes for writing, spec.md §4.2 "send(bytes) buffered".
// Writes happen synchronously on the calling goroutine (Go's net.Conn
// write path already serializes and blocks appropriately); Writable is
// posted once the write completes, signalling the send queue has
// drained below watermark.
func (s *Socket) Send(b []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_, err := conn.Write(b)
	if err != nil {
		return err
	}
	s.reactor.post(Event{Kind: EventWritable, UID: s.UID})
	return nil
}

// Read drains up to len(p) unread bytes previously delivered via
// BytesRead events.
func (s *Socket) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(p, s.inbox)
	s.inbox = s.inbox[n:]
	return n, nil
}

// Pending returns the number of unread buffered bytes.
func (s *Socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// CloseGraceful closes the socket and emits Closed, spec.md §4.2
// "close_graceful". It is a full close, not a half-close, and it flushes
// nothing: Send has already written its bytes synchronously.
func (s *Socket) CloseGraceful() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.reactor.unregister(s.UID)
	err := s.conn.Close()
	s.reactor.post(Event{Kind: EventClosed, UID: s.UID, Err: nil})
	return err
}

// RemoteAddr exposes the underlying connection's remote address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Underlying returns the raw net.Conn, for callers (e.g. dataconn) that
// need direct stream access rather than the event-buffered Read/Send API.
func (s *Socket) Underlying() net.Conn { return s.conn }
