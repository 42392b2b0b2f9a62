// Package ring implements the consistent-hash placement ring described in
// SPEC_FULL.md §4.1: R parallel "redundancy rings", each holding V virtual
// points per known node, used to elect the owners of a key.
package ring

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
)

// Defaults per SPEC_FULL.md §6.
const (
	DefaultV = 5
	DefaultR = 3
)

// maxHashValue is 2^64: we normalize the top 8 bytes of the MD5 digest by
// this so the resulting index stays in [0, 1).
var maxHashValue = math.Ldexp(1, 64)

// Point is one virtual node's position on a redundancy ring.
type Point struct {
	Index  float64
	NodeID string
}

// Ring places nodes on R independent redundancy circles.
//
// Each circle is resorted after every mutation; lookups are a binary search
// for "first point with Index >= target", wrapping to point 0 past the end
// (spec.md §4.1, Invariant 2).
type Ring struct {
	mu       sync.RWMutex
	v        int
	r        int
	selfID   string
	nodeIDs  map[string]bool // all known node IDs, including self
	circles  [][]Point       // active redundancy rings, each sorted by Index
}

// New creates an empty ring seeded with the local node's own ID — the local
// node always occupies every active ring (spec.md §3, Invariant 1).
func New(v, r int, selfID string) *Ring {
	if v <= 0 {
		v = DefaultV
	}
	if r <= 0 {
		r = DefaultR
	}
	rg := &Ring{
		v:       v,
		r:       r,
		selfID:  selfID,
		nodeIDs: map[string]bool{selfID: true},
	}
	rg.circles = [][]Point{rg.pointsForCircle(0, []string{selfID})}
	return rg
}

// AddNode appends V points for id to every active circle and, if the new
// node count crosses the min(R, N) threshold, allocates another circle from
// scratch over every known node ID.
func (rg *Ring) AddNode(id string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if rg.nodeIDs[id] {
		return
	}
	rg.nodeIDs[id] = true

	for ci := range rg.circles {
		rg.circles[ci] = append(rg.circles[ci], rg.virtualPoints(ci, id)...)
		sortPoints(rg.circles[ci])
	}

	wantActive := minInt(rg.r, len(rg.nodeIDs))
	if wantActive > len(rg.circles) {
		rg.circles = append(rg.circles, rg.pointsForCircle(len(rg.circles), rg.allIDsLocked()))
	}
}

// RemoveNode strips id's points from every circle and, if the node count now
// fits in fewer circles than are active, drops the last one.
func (rg *Ring) RemoveNode(id string) {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	if !rg.nodeIDs[id] {
		return
	}
	delete(rg.nodeIDs, id)

	for ci := range rg.circles {
		rg.circles[ci] = filterOut(rg.circles[ci], id)
	}

	wantActive := minInt(rg.r, len(rg.nodeIDs))
	if wantActive < len(rg.circles) {
		rg.circles = rg.circles[:wantActive]
	}
}

// Owners returns the set of node IDs elected for hashIndex: one per active
// circle, picked by "first point whose Index >= hashIndex, wrapping to
// point 0". Duplicates across circles collapse (spec.md §4.1).
func (rg *Ring) Owners(hashIndex float64) map[string]bool {
	rg.mu.RLock()
	defer rg.mu.RUnlock()

	owners := make(map[string]bool, rg.r)
	for _, circle := range rg.circles {
		if len(circle) == 0 {
			continue
		}
		owners[circle[searchCircle(circle, hashIndex)].NodeID] = true
	}
	return owners
}

// OwnersOfKey hashes key and returns Owners(IndexFor(key)).
func (rg *Ring) OwnersOfKey(key string) map[string]bool {
	return rg.Owners(IndexFor(key))
}

// ActiveRings reports how many redundancy circles are currently active,
// i.e. min(R, known node count).
func (rg *Ring) ActiveRings() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.circles)
}

// NodeCount returns the number of known node IDs, including self.
func (rg *Ring) NodeCount() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return len(rg.nodeIDs)
}

// Contains reports whether id currently occupies the ring.
func (rg *Ring) Contains(id string) bool {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.nodeIDs[id]
}

// V returns the configured virtual-points-per-node count (after defaulting).
func (rg *Ring) V() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.v
}

// R returns the configured redundancy-ring count (after defaulting).
func (rg *Ring) R() int {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	return rg.r
}

// Snapshot deep-copies every active circle's points, for use by the
// rebalance precondition (SPEC_FULL.md, Event loop / Server section).
func (rg *Ring) Snapshot() [][]Point {
	rg.mu.RLock()
	defer rg.mu.RUnlock()
	out := make([][]Point, len(rg.circles))
	for i, c := range rg.circles {
		out[i] = slices.Clone(c)
	}
	return out
}

// FromSnapshot builds a throwaway Ring directly from a prior Snapshot, used
// by the rebalance algorithm to reconstruct "the previous membership state"
// without re-adding/removing nodes one at a time.
func FromSnapshot(v, r int, selfID string, circles [][]Point) *Ring {
	rg := &Ring{v: v, r: r, selfID: selfID, nodeIDs: map[string]bool{}}
	rg.circles = make([][]Point, len(circles))
	for i, c := range circles {
		cp := slices.Clone(c)
		for _, p := range cp {
			rg.nodeIDs[p.NodeID] = true
		}
		rg.circles[i] = cp
	}
	return rg
}

func (rg *Ring) allIDsLocked() []string {
	ids := make([]string, 0, len(rg.nodeIDs))
	for id := range rg.nodeIDs {
		ids = append(ids, id)
	}
	return ids
}

func (rg *Ring) pointsForCircle(circleIdx int, ids []string) []Point {
	pts := make([]Point, 0, len(ids)*rg.v)
	for _, id := range ids {
		pts = append(pts, rg.virtualPoints(circleIdx, id)...)
	}
	sortPoints(pts)
	return pts
}

func (rg *Ring) virtualPoints(circleIdx int, id string) []Point {
	pts := make([]Point, rg.v)
	for replica := 0; replica < rg.v; replica++ {
		label := fmt.Sprintf("%s_%d_%d", id, circleIdx, replica)
		pts[replica] = Point{Index: indexForString(label), NodeID: id}
	}
	return pts
}

// IndexFor hashes key's UTF-8 bytes to a point in [0, 1), per spec.md §4.1.
func IndexFor(key string) float64 {
	return indexForString(key)
}

func indexForString(s string) float64 {
	sum := md5.Sum([]byte(s))
	top := binary.BigEndian.Uint64(sum[:8])
	return float64(top) / maxHashValue
}

func sortPoints(pts []Point) {
	sort.Slice(pts, func(i, j int) bool { return pts[i].Index < pts[j].Index })
}

func filterOut(pts []Point, id string) []Point {
	out := pts[:0:0]
	for _, p := range pts {
		if p.NodeID != id {
			out = append(out, p)
		}
	}
	return out
}

// searchCircle returns the index of the first point with Index >= target,
// wrapping to 0 when target is past every point on the circle.
func searchCircle(circle []Point, target float64) int {
	idx := sort.Search(len(circle), func(i int) bool { return circle[i].Index >= target })
	if idx == len(circle) {
		return 0
	}
	return idx
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
