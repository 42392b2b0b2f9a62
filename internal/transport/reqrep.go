package transport

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// InboundMsg is one frame set received by a RouterSocket, tagged with the
// connection it arrived on so the reply can be routed back. ConnID is the
// "header" frame the spec says is copied verbatim into the reply
// (spec.md §4.4, GLOSSARY "Header frames").
type InboundMsg struct {
	ConnID string
	Frames [][]byte
}

// RouterSocket binds a single address and accepts any number of peer
// connections, multiplexing their inbound frame sets onto one channel —
// the Go analogue of a ZeroMQ ROUTER socket.
type RouterSocket struct {
	ln       net.Listener
	Inbound  chan InboundMsg
	errs     chan error
	mu       sync.Mutex
	conns    map[string]net.Conn
	nextConn uint64
	closed   atomic.Bool
}

// Bind starts listening on addr (a "host:port" transport URI).
func Bind(addr string) (*RouterSocket, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	rs := &RouterSocket{
		ln:      ln,
		Inbound: make(chan InboundMsg, 64),
		errs:    make(chan error, 1),
		conns:   make(map[string]net.Conn),
	}
	go rs.acceptLoop()
	return rs, nil
}

// Addr returns the socket's bound local address.
func (rs *RouterSocket) Addr() string { return rs.ln.Addr().String() }

func (rs *RouterSocket) acceptLoop() {
	for {
		conn, err := rs.ln.Accept()
		if err != nil {
			if rs.closed.Load() {
				return
			}
			continue
		}
		id := fmt.Sprintf("c%d", atomic.AddUint64(&rs.nextConn, 1))
		rs.mu.Lock()
		rs.conns[id] = conn
		rs.mu.Unlock()
		go rs.readLoop(id, conn)
	}
}

func (rs *RouterSocket) readLoop(id string, conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		frames, err := readMultipart(r)
		if err != nil {
			rs.mu.Lock()
			delete(rs.conns, id)
			rs.mu.Unlock()
			conn.Close()
			return
		}
		rs.Inbound <- InboundMsg{ConnID: id, Frames: frames}
	}
}

// Reply sends frames back to the connection identified by connID.
func (rs *RouterSocket) Reply(connID string, frames [][]byte) error {
	rs.mu.Lock()
	conn, ok := rs.conns[connID]
	rs.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown connection %s", connID)
	}
	return writeMultipart(conn, frames)
}

// Close stops accepting and drops every connection.
func (rs *RouterSocket) Close() error {
	rs.closed.Store(true)
	rs.mu.Lock()
	for _, c := range rs.conns {
		c.Close()
	}
	rs.mu.Unlock()
	return rs.ln.Close()
}

// DealerSocket connects to a single peer and exchanges frame sets
// asynchronously — the Go analogue of a ZeroMQ DEALER socket. Replies
// arrive on Inbound in the order the peer sends them; the caller (the
// event loop) is responsible for matching each reply to the pending
// request it correlates to, since the wire protocol itself carries no
// per-message correlation ID (SPEC_FULL.md, Event loop / Server section).
type DealerSocket struct {
	conn    net.Conn
	Inbound chan [][]byte
	closed  atomic.Bool
}

// Connect dials a peer's request address.
func Connect(addr string) (*DealerSocket, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: connect %s: %w", addr, err)
	}
	ds := &DealerSocket{conn: conn, Inbound: make(chan [][]byte, 64)}
	go ds.readLoop()
	return ds, nil
}

func (ds *DealerSocket) readLoop() {
	r := bufio.NewReader(ds.conn)
	for {
		frames, err := readMultipart(r)
		if err != nil {
			close(ds.Inbound)
			return
		}
		ds.Inbound <- frames
	}
}

// Send writes frames to the connected peer.
func (ds *DealerSocket) Send(frames [][]byte) error {
	return writeMultipart(ds.conn, frames)
}

// Close shuts down the connection.
func (ds *DealerSocket) Close() error {
	if ds.closed.CompareAndSwap(false, true) {
		return ds.conn.Close()
	}
	return nil
}
