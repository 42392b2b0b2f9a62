package server

import (
	"time"

	"dcache/internal/ring"
	"dcache/internal/wire"

	"github.com/google/uuid"
)

// rebalance runs after any single membership delta (a peer joining via
// connect/publish, or a peer timing out): it reconstructs the ring as it
// stood immediately before that delta, diffs per-key ownership against the
// ring as it stands now, and moves every cached key whose owner set changed
// (spec.md §4.6 "Rebalance", §9 Design Notes on reconstructing prior state).
//
// changedIDs lists the node IDs that were added or removed by the delta that
// just landed; exactly one delta is ever applied per call (spec.md §9
// precondition), so inverting each ID's current ring membership recovers the
// previous ring exactly.
func (s *Server) rebalance(changedIDs []string) {
	if len(changedIDs) == 0 {
		return
	}

	current := s.Membership.Ring
	prev := ring.FromSnapshot(current.V(), current.R(), s.SelfID, current.Snapshot())
	for _, id := range changedIDs {
		if current.Contains(id) {
			prev.RemoveNode(id)
		} else {
			prev.AddNode(id)
		}
	}

	items := s.Cache.Items()
	moved, dropped := 0, 0
	for _, item := range items {
		oldOwners := prev.Owners(item.HashIndex)
		newOwners := current.Owners(item.HashIndex)

		if oldOwners[s.SelfID] {
			for id := range newOwners {
				if id == s.SelfID || oldOwners[id] {
					continue
				}
				if _, ok := s.Membership.Get(id); !ok {
					continue
				}
				s.sendKey(id, item.Key, item.Value, item.LastUpdate)
				moved++
			}
		}

		if !newOwners[s.SelfID] {
			s.Cache.Delete(item.Key)
			dropped++
		}
	}

	if moved > 0 || dropped > 0 {
		s.log.WithFields(map[string]interface{}{
			"changed": changedIDs, "moved": moved, "dropped": dropped,
		}).Info("rebalance complete")
	}
}

// sendKey pushes one cached entry to a new owner as a fire-and-forget peer
// set; the handler discards whatever reply or timeout eventually arrives,
// since the local node has already made its own ownership decision.
func (s *Server) sendKey(peerID, key string, value []byte, ts time.Time) {
	deadline := time.Now().Add(s.IOTimeout)
	handler := func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
		return []uuid.UUID{hid}
	}
	id, err := s.Pending.Register(deadline, handler)
	if err != nil {
		return
	}
	frames := wire.EncodeRequest(wire.OpSet, []byte(key), value, []byte(wire.EncodeTimestamp(ts)))
	if err := s.sendPeerRequest(peerID, id, frames); err != nil {
		s.log.WithError(err).WithField("peer_id", peerID).Warn("rebalance key send failed")
	}
}
