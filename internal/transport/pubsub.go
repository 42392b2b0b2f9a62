package transport

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Publisher serves the membership Publish protocol: any number of
// Subscribers may connect, and every Publish call fans a frame set out to
// all of them. Grounded on 4nonX-D-PlaneOS's use of gorilla/websocket for
// server->client broadcast (SPEC_FULL.md, DOMAIN STACK).
type Publisher struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[uint64]*websocket.Conn
	next uint64
}

// NewPublisher binds addr and starts accepting subscriber connections.
func NewPublisher(addr string) (*Publisher, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: publisher bind %s: %w", addr, err)
	}
	p := &Publisher{
		ln:       ln,
		upgrader: websocket.Upgrader{ReadBufferSize: 1 << 12, WriteBufferSize: 1 << 16},
		subs:     make(map[uint64]*websocket.Conn),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.handleSubscribe)
	p.srv = &http.Server{Handler: mux}
	go p.srv.Serve(ln)
	return p, nil
}

// Addr returns the publisher's bound local address.
func (p *Publisher) Addr() string { return p.ln.Addr().String() }

func (p *Publisher) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	id := atomic.AddUint64(&p.next, 1)
	p.mu.Lock()
	p.subs[id] = conn
	p.mu.Unlock()

	// Subscribers never send anything; drain the read side so dropped
	// connections are detected and cleaned up.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				p.mu.Lock()
				delete(p.subs, id)
				p.mu.Unlock()
				conn.Close()
				return
			}
		}
	}()
}

// Publish fans frames out to every connected subscriber as one websocket
// binary message (a JSON-free length-prefixed multipart blob, same codec as
// the req/rep sockets) under the fixed publish topic.
func (p *Publisher) Publish(frames [][]byte) {
	payload := encodeFramesForMessage(frames)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, c := range p.subs {
		if err := c.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			c.Close()
			delete(p.subs, id)
		}
	}
}

// Close stops the publisher and drops every subscriber connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for id, c := range p.subs {
		c.Close()
		delete(p.subs, id)
	}
	p.mu.Unlock()
	return p.srv.Close()
}

// Subscriber connects to exactly one peer's publish address and streams
// every message it sends onto Inbound.
type Subscriber struct {
	conn    *websocket.Conn
	Inbound chan [][]byte
}

// NewSubscriber dials a peer's publish address (a "ws://host:port" URI).
func NewSubscriber(addr string) (*Subscriber, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe %s: %w", addr, err)
	}
	s := &Subscriber{conn: conn, Inbound: make(chan [][]byte, 16)}
	go s.readLoop()
	return s, nil
}

func (s *Subscriber) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			close(s.Inbound)
			return
		}
		frames, err := decodeFramesFromMessage(payload)
		if err != nil {
			continue
		}
		s.Inbound <- frames
	}
}

// Close disconnects.
func (s *Subscriber) Close() error {
	return s.conn.Close()
}

// encodeFramesForMessage/decodeFramesFromMessage reuse the same
// length-prefixed multipart codec as the TCP sockets, over an in-memory
// buffer instead of a net.Conn.
func encodeFramesForMessage(frames [][]byte) []byte {
	buf := &byteBuffer{}
	_ = writeMultipart(buf, frames)
	return buf.b
}

func decodeFramesFromMessage(payload []byte) ([][]byte, error) {
	return readMultipart(&byteReader{b: payload})
}

type byteBuffer struct{ b []byte }

func (w *byteBuffer) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
