// Package membership tracks peer nodes: their endpoints, last-seen time,
// and the per-peer request socket owned by the event loop. Grounded on
// ppriyankuu-godkv's internal/cluster/membership.go, generalized from a
// static node list to the gossip-of-state protocol in SPEC_FULL.md §4.3.
package membership

import (
	"time"

	"dcache/internal/ring"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults per SPEC_FULL.md §6.
const (
	DefaultTimeout     = 12 * time.Second
	DefaultPubInterval = 5 * time.Second
)

// ReqSocket is the subset of internal/transport.DealerSocket that
// Membership needs; kept as an interface so tests can fake it without
// pulling in the real transport.
type ReqSocket interface {
	Close() error
}

// Peer is one known cluster member (spec.md §3, "Membership entry").
type Peer struct {
	ID        string
	ReqAddr   string
	PubAddr   string
	LastSeen  time.Time
	ReqSocket ReqSocket
}

// Row is the address/last-seen projection of a Peer, used for diagnostics
// and for building Publish messages — it never carries the live socket.
type Row struct {
	ID       string
	ReqAddr  string
	PubAddr  string
	LastSeen time.Time
}

// MakeSocket dials a peer's request address, returning the socket the loop
// will use to send it peer requests and subscribe to its publish address.
type MakeSocket func(peer Peer) (ReqSocket, error)

// Membership owns the peer table and the placement ring (which also knows
// about the local node — spec.md §3, Invariant 1: "local node ... never in
// the peer table").
type Membership struct {
	SelfID      string
	selfReq     string
	selfPub     string
	Timeout     time.Duration
	PubInterval time.Duration

	peers map[string]*Peer
	Ring  *ring.Ring
	log   *logrus.Entry
}

// New creates Membership for a freshly started node.
func New(selfID, selfReq, selfPub string, v, r int, log *logrus.Entry) *Membership {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Membership{
		SelfID:      selfID,
		selfReq:     selfReq,
		selfPub:     selfPub,
		Timeout:     DefaultTimeout,
		PubInterval: DefaultPubInterval,
		peers:       make(map[string]*Peer),
		Ring:        ring.New(v, r, selfID),
		log:         log.WithField("node_id", selfID),
	}
}

// Self returns the local node's own row, used only for the Publish tail and
// the connect reply — it is never stored in the peer table.
func (m *Membership) Self() Row {
	return Row{ID: m.SelfID, ReqAddr: m.selfReq, PubAddr: m.selfPub, LastSeen: time.Now().UTC()}
}

// Get returns a known peer by ID.
func (m *Membership) Get(id string) (*Peer, bool) {
	p, ok := m.peers[id]
	return p, ok
}

// Add registers a brand-new peer directly (handshake path, spec.md §4.6
// "connect"): allocates its socket, adds it to the ring. Returns an error
// if the ID already exists.
func (m *Membership) Add(id, reqAddr, pubAddr string, lastSeen time.Time, make MakeSocket) error {
	if id == m.SelfID {
		return errAlreadyExists(id)
	}
	if _, ok := m.peers[id]; ok {
		return errAlreadyExists(id)
	}
	sock, err := make(Peer{ID: id, ReqAddr: reqAddr, PubAddr: pubAddr, LastSeen: lastSeen})
	if err != nil {
		return errors.Wrapf(err, "membership: dial peer %s", id)
	}
	m.peers[id] = &Peer{ID: id, ReqAddr: reqAddr, PubAddr: pubAddr, LastSeen: lastSeen, ReqSocket: sock}
	m.Ring.AddNode(id)
	m.log.WithField("peer_id", id).Info("peer added")
	return nil
}

// Update applies an incoming publish/handshake table, per spec.md §4.3:
// new IDs whose addresses don't collide with anything known are registered
// and reported added; known IDs have their last_seen advanced only forward;
// an address collision with a different ID is silently dropped (the old
// entry is assumed to still be alive until it ages out).
func (m *Membership) Update(rows []Row, make MakeSocket) []string {
	var added []string
	for _, row := range rows {
		if row.ID == m.SelfID {
			continue
		}
		if existing, ok := m.peers[row.ID]; ok {
			if row.LastSeen.After(existing.LastSeen) {
				existing.LastSeen = row.LastSeen
			}
			continue
		}
		if m.addressInUse(row.ReqAddr, row.PubAddr) {
			continue
		}
		if err := m.Add(row.ID, row.ReqAddr, row.PubAddr, row.LastSeen, make); err != nil {
			continue
		}
		added = append(added, row.ID)
	}
	return added
}

func (m *Membership) addressInUse(reqAddr, pubAddr string) bool {
	if reqAddr == m.selfReq || pubAddr == m.selfPub {
		return true
	}
	for _, p := range m.peers {
		if p.ReqAddr == reqAddr || p.PubAddr == pubAddr {
			return true
		}
	}
	return false
}

// SweepDead removes every peer whose last_seen is older than Timeout,
// returning the removed peers so the caller can close their sockets.
func (m *Membership) SweepDead(now time.Time) []*Peer {
	var dead []*Peer
	for id, p := range m.peers {
		if now.Sub(p.LastSeen) > m.Timeout {
			dead = append(dead, p)
			delete(m.peers, id)
			m.Ring.RemoveNode(id)
			m.log.WithField("peer_id", id).Warn("peer timed out")
		}
	}
	return dead
}

// All returns a Row snapshot of every known peer (not including self).
func (m *Membership) All() []Row {
	out := make([]Row, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, Row{ID: p.ID, ReqAddr: p.ReqAddr, PubAddr: p.PubAddr, LastSeen: p.LastSeen})
	}
	return out
}

// IDs returns every known peer ID (not including self).
func (m *Membership) IDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of known peers, not including self.
func (m *Membership) Count() int {
	return len(m.peers)
}

func errAlreadyExists(id string) error {
	return errors.New("node " + id + " already exists")
}
