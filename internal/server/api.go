package server

import (
	"fmt"
	"strings"
	"time"

	"dcache/internal/ring"
	"dcache/internal/transport"
	"dcache/internal/wire"

	"github.com/google/uuid"
)

// dispatchAPI handles one message off the API socket (spec.md §4.4, §4.6).
func (s *Server) dispatchAPI(msg transport.InboundMsg) {
	pr := wire.Parse(nil, msg.Frames)
	switch {
	case pr.Malformed, pr.UnknownOp:
		s.replyAPI(msg.ConnID, wire.EncodeReply(wire.ErrUnknownRequest))
		return
	case pr.VersionBad:
		s.replyAPI(msg.ConnID, wire.EncodeReply(wire.ErrVersionMismatch))
		return
	}

	switch pr.Op {
	case wire.OpGet:
		if len(pr.Args) < 1 {
			s.replyAPI(msg.ConnID, wire.EncodeReply(wire.ErrUnknownRequest))
			return
		}
		s.apiGet(msg.ConnID, string(pr.Args[0]))
	case wire.OpSet:
		if len(pr.Args) < 2 {
			s.replyAPI(msg.ConnID, wire.EncodeReply(wire.ErrUnknownRequest))
			return
		}
		s.apiSet(msg.ConnID, string(pr.Args[0]), pr.Args[1])
	case wire.OpStatus:
		s.apiStatus(msg.ConnID)
	default:
		s.replyAPI(msg.ConnID, wire.EncodeReply(wire.ErrUnknownRequest))
	}
}

// apiGet: answer locally if self is an owner; otherwise fan out a peer get
// to every owner, first reply wins, cancel siblings, all-timeout -> [2]
// (spec.md §4.6 "API handlers").
func (s *Server) apiGet(connID, key string) {
	hashIndex := ring.IndexFor(key)
	owners := s.Membership.Ring.Owners(hashIndex)

	if owners[s.SelfID] {
		_, val := s.Cache.Get(key)
		s.replyAPI(connID, wire.EncodeReply(wire.ErrOK, val))
		return
	}

	targets := make([]string, 0, len(owners))
	for id := range owners {
		if _, ok := s.Membership.Get(id); ok {
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		s.replyAPI(connID, wire.EncodeReply(wire.ErrTimeout, nil))
		return
	}

	deadline := time.Now().Add(s.IOTimeout)
	state := &getFanout{total: len(targets)}
	ids := make([]uuid.UUID, 0, len(targets))

	for _, peerID := range targets {
		handler := func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
			if state.answered {
				return []uuid.UUID{hid}
			}
			if !timeout {
				code, payload, err := wire.DecodeErrorCode(frames)
				if err == nil && code == wire.ErrOK {
					var val []byte
					if len(payload) > 0 {
						val = payload[0]
					}
					s.replyAPI(connID, wire.EncodeReply(wire.ErrOK, val))
					state.answered = true
					return ids
				}
			}
			state.failed++
			if state.failed >= state.total {
				s.replyAPI(connID, wire.EncodeReply(wire.ErrTimeout, nil))
				state.answered = true
				return ids
			}
			return []uuid.UUID{hid}
		}
		id, err := s.Pending.Register(deadline, handler)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		if err := s.sendPeerRequest(peerID, id, wire.EncodeRequest(wire.OpGet, []byte(key))); err != nil {
			s.log.WithError(err).WithField("peer_id", peerID).Warn("peer get send failed")
		}
	}
}

type getFanout struct {
	answered bool
	failed   int
	total    int
}

// apiSet: write locally if self is an owner, fan a peer set out to every
// other owner, reply OK once everyone has answered OK, TOO_BIG if any
// response wasn't OK, or [2] immediately on the first timeout while
// leaving the timed-out handler bound so late replies become no-ops
// (spec.md §4.6 "API handlers").
func (s *Server) apiSet(connID, key string, value []byte) {
	hashIndex := ring.IndexFor(key)
	owners := s.Membership.Ring.Owners(hashIndex)
	ts := time.Now().UTC()

	state := &setFanout{allOK: true}
	var targets []string
	for id := range owners {
		if id == s.SelfID {
			result := s.Cache.Set(key, value, ts, hashIndex)
			state.responded++
			if result != okResult {
				state.allOK = false
			}
			continue
		}
		targets = append(targets, id)
	}
	state.total = state.responded + len(targets)

	if state.responded == state.total {
		s.replyAPI(connID, wire.EncodeReply(setOutcomeCode(state.allOK)))
		return
	}

	deadline := time.Now().Add(s.IOTimeout)
	for _, peerID := range targets {
		handler := func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
			if state.answered {
				return []uuid.UUID{hid}
			}
			if timeout {
				s.replyAPI(connID, wire.EncodeReply(wire.ErrTimeout))
				state.answered = true
				return []uuid.UUID{hid}
			}
			code, _, err := wire.DecodeErrorCode(frames)
			if err != nil || code != wire.ErrOK {
				state.allOK = false
			}
			state.responded++
			if state.responded == state.total {
				s.replyAPI(connID, wire.EncodeReply(setOutcomeCode(state.allOK)))
				state.answered = true
			}
			return []uuid.UUID{hid}
		}
		id, err := s.Pending.Register(deadline, handler)
		if err != nil {
			continue
		}
		if err := s.sendPeerRequest(peerID, id, wire.EncodeRequest(wire.OpSet, []byte(key), value, []byte(wire.EncodeTimestamp(ts)))); err != nil {
			s.log.WithError(err).WithField("peer_id", peerID).Warn("peer set send failed")
		}
	}
}

type setFanout struct {
	answered  bool
	allOK     bool
	responded int
	total     int
}

const okResult = 0 // cache.OK; mirrored here to avoid importing cache just for the constant comparison

func setOutcomeCode(allOK bool) int {
	if allOK {
		return wire.ErrOK
	}
	return wire.ErrTooBig
}

// apiStatus returns a synchronous diagnostic snapshot. Format is not
// load-bearing (spec.md §4.4); supplemented with the active-ring count and
// cache utilization dropped by the distillation (SPEC_FULL.md, Event loop /
// Server section).
func (s *Server) apiStatus(connID string) {
	rows := s.Membership.All()
	peerIDs := make([]string, 0, len(rows))
	for _, r := range rows {
		peerIDs = append(peerIDs, r.ID)
	}

	util := 0.0
	if s.Cache.MaxSize > 0 {
		util = float64(s.Cache.Size()) / float64(s.Cache.MaxSize) * 100
	}

	frames := [][]byte{
		[]byte(fmt.Sprintf("node_id=%s", s.SelfID)),
		[]byte(fmt.Sprintf("peers=%s", strings.Join(peerIDs, ","))),
		[]byte(fmt.Sprintf("active_rings=%d", s.Membership.Ring.ActiveRings())),
		[]byte(fmt.Sprintf("entries=%d", s.Cache.Len())),
		[]byte(fmt.Sprintf("utilization=%.2f%%", util)),
	}
	s.replyAPI(connID, wire.EncodeReply(wire.ErrOK, frames...))
}
