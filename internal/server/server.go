// Package server implements the single-threaded event loop described in
// SPEC_FULL.md's Event loop / Server section: it owns every socket, runs
// the poll->dispatch cycle, and ties HashRing, Cache, Membership, and
// PendingRequests together. No other goroutine mutates any of that state —
// every mutation happens on the Run loop's own goroutine, after an event
// arrives on a channel (spec.md §5).
package server

import (
	"fmt"
	"time"

	"dcache/internal/cache"
	"dcache/internal/membership"
	"dcache/internal/pending"
	"dcache/internal/transport"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config configures a new Server.
type Config struct {
	NodeID        string
	APIAddr       string
	ReqAddr       string
	PubAddr       string
	BootstrapPeer string // optional peer-request address to connect() to at startup

	V, R       int
	MaxSize    int
	Timeout    time.Duration
	PubInterval time.Duration
	IOTimeout  time.Duration

	Log *logrus.Logger
}

// Server owns the node's entire runtime state.
type Server struct {
	SelfID    string
	Membership *membership.Membership
	Cache     *cache.Cache
	Pending   *pending.Tracker
	IOTimeout time.Duration

	api       *transport.RouterSocket
	peerReq   *transport.RouterSocket
	publisher *transport.Publisher
	poller    *transport.Poller

	registerSock *transport.DealerSocket // bootstrap-only; nil once handshake resolves

	peerReplyCh  chan peerReplyMsg
	subCh        chan [][]byte
	peerQueues   map[string][]uuid.UUID // FIFO of outstanding request IDs per peer dealer socket
	subs         map[string]*transport.Subscriber

	lastPublished time.Time
	log           *logrus.Entry
	stop          chan struct{}
}

type peerReplyMsg struct {
	peerID string
	frames [][]byte
}

// New binds every socket and constructs a Server ready to Run.
func New(cfg Config) (*Server, error) {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.IOTimeout == 0 {
		cfg.IOTimeout = 5 * time.Second
	}
	log := cfg.Log.WithField("node_id", cfg.NodeID)

	api, err := transport.Bind(cfg.APIAddr)
	if err != nil {
		return nil, errors.Wrap(err, "server: bind api")
	}
	peerReq, err := transport.Bind(cfg.ReqAddr)
	if err != nil {
		api.Close()
		return nil, errors.Wrap(err, "server: bind peer-request")
	}
	pub, err := transport.NewPublisher(cfg.PubAddr)
	if err != nil {
		api.Close()
		peerReq.Close()
		return nil, errors.Wrap(err, "server: bind publish")
	}

	m := membership.New(cfg.NodeID, peerReq.Addr(), pub.Addr(), cfg.V, cfg.R, log)
	if cfg.Timeout > 0 {
		m.Timeout = cfg.Timeout
	}
	if cfg.PubInterval > 0 {
		m.PubInterval = cfg.PubInterval
	}

	s := &Server{
		SelfID:     cfg.NodeID,
		Membership: m,
		Cache:      cache.New(cfg.MaxSize),
		Pending:    pending.New(),
		IOTimeout:  cfg.IOTimeout,
		api:        api,
		peerReq:    peerReq,
		publisher:  pub,
		poller:     transport.NewPoller(m.PubInterval),
		peerReplyCh: make(chan peerReplyMsg, 64),
		subCh:       make(chan [][]byte, 64),
		peerQueues:  make(map[string][]uuid.UUID),
		subs:        make(map[string]*transport.Subscriber),
		log:         log,
		stop:        make(chan struct{}),
	}

	if cfg.BootstrapPeer != "" {
		s.bootstrap(cfg.BootstrapPeer)
	}

	return s, nil
}

// makeSocket is membership.MakeSocket: it dials the peer's request address
// (the dealer/reply socket spec.md §3 says every peer entry owns) and also
// subscribes to its publish address, fanning both into the server's shared
// channels.
func (s *Server) makeSocket(peer membership.Peer) (membership.ReqSocket, error) {
	dealer, err := transport.Connect(peer.ReqAddr)
	if err != nil {
		return nil, err
	}
	go s.forwardPeerReplies(peer.ID, dealer)

	sub, err := transport.NewSubscriber("ws://" + peer.PubAddr + "/")
	if err != nil {
		dealer.Close()
		return nil, err
	}
	s.subs[peer.ID] = sub
	go s.forwardSubscription(sub)

	return dealer, nil
}

func (s *Server) forwardPeerReplies(peerID string, dealer *transport.DealerSocket) {
	for frames := range dealer.Inbound {
		s.peerReplyCh <- peerReplyMsg{peerID: peerID, frames: frames}
	}
}

func (s *Server) forwardSubscription(sub *transport.Subscriber) {
	for frames := range sub.Inbound {
		s.subCh <- frames
	}
}

// Stop requests a clean shutdown at the next loop tick.
func (s *Server) Stop() {
	close(s.stop)
}

// Run executes the event loop until Stop is called. It never returns an
// error for handler failures — every error inside the loop is caught and
// turned into a wire reply code (spec.md §7); only SIGINT-equivalent
// cancellation via Stop is a clean exit.
func (s *Server) Run() {
	s.log.WithFields(logrus.Fields{
		"api_addr": s.api.Addr(), "req_addr": s.peerReq.Addr(), "pub_addr": s.publisher.Addr(),
	}).Info("node runtime started")

	for {
		select {
		case <-s.stop:
			s.shutdown()
			return
		case msg := <-s.api.Inbound:
			s.dispatchAPI(msg)
		case msg := <-s.peerReq.Inbound:
			s.dispatchPeerRequest(msg)
		case reply := <-s.peerReplyCh:
			s.handlePeerReply(reply)
		case frames := <-s.subCh:
			s.applyPublish(frames)
		case <-s.registerInbound():
			s.handleRegisterReply()
		case <-time.After(s.poller.Timeout):
		}

		now := time.Now().UTC()
		s.Pending.FireTimeouts(now)

		removed := s.Membership.SweepDead(now)
		if len(removed) > 0 {
			ids := make([]string, 0, len(removed))
			for _, p := range removed {
				ids = append(ids, p.ID)
				if p.ReqSocket != nil {
					p.ReqSocket.Close()
				}
				if sub, ok := s.subs[p.ID]; ok {
					sub.Close()
					delete(s.subs, p.ID)
				}
				delete(s.peerQueues, p.ID)
			}
			s.rebalance(ids)
		}

		if now.Sub(s.lastPublished) >= s.Membership.PubInterval {
			s.publishMembership(now)
			s.lastPublished = now
		}
	}
}

// registerInbound returns the bootstrap register socket's inbound channel,
// or nil (which blocks forever in select, disabling that case) once the
// handshake has resolved and the socket has been torn down.
func (s *Server) registerInbound() chan [][]byte {
	if s.registerSock == nil {
		return nil
	}
	return s.registerSock.Inbound
}

func (s *Server) shutdown() {
	s.log.Info("shutting down")
	s.api.Close()
	s.peerReq.Close()
	s.publisher.Close()
	if s.registerSock != nil {
		s.registerSock.Close()
	}
	for _, sub := range s.subs {
		sub.Close()
	}
}

func (s *Server) replyAPI(connID string, frames [][]byte) {
	if err := s.api.Reply(connID, frames); err != nil {
		s.log.WithError(err).Warn("api reply failed")
	}
}

func (s *Server) replyPeer(connID string, frames [][]byte) {
	if err := s.peerReq.Reply(connID, frames); err != nil {
		s.log.WithError(err).Warn("peer reply failed")
	}
}

// sendPeerRequest sends frames to peerID's dealer socket and remembers
// which pending request ID this send corresponds to, so the next reply
// read off that dealer socket can be correlated back (the Request protocol
// carries no correlation ID of its own — SPEC_FULL.md, Event loop / Server
// section resolves this as strict per-peer FIFO ordering).
func (s *Server) sendPeerRequest(peerID string, id uuid.UUID, frames [][]byte) error {
	peer, ok := s.Membership.Get(peerID)
	if !ok {
		return fmt.Errorf("server: unknown peer %s", peerID)
	}
	dealer, ok := peer.ReqSocket.(*transport.DealerSocket)
	if !ok {
		return fmt.Errorf("server: peer %s has no dealer socket", peerID)
	}
	s.peerQueues[peerID] = append(s.peerQueues[peerID], id)
	return dealer.Send(frames)
}

func (s *Server) handlePeerReply(reply peerReplyMsg) {
	queue := s.peerQueues[reply.peerID]
	if len(queue) == 0 {
		s.log.WithField("peer_id", reply.peerID).Warn("reply from peer with no outstanding request")
		return
	}
	id := queue[0]
	s.peerQueues[reply.peerID] = queue[1:]
	s.Pending.Reply(id, reply.frames)
}
