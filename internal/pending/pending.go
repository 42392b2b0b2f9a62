// Package pending implements the PendingRequests correlation table from
// SPEC_FULL.md §4.5: outstanding peer requests keyed by a fresh opaque ID,
// each with a handler and a deadline. Exactly one of (reply received,
// timeout) ever fires per registered ID.
package pending

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler is invoked once a reply arrives (timeout == false, frames ==
// the full reply payload, error code frame included — callers decode it
// with wire.DecodeErrorCode) or once the deadline passes (timeout == true,
// frames == nil). Exactly one of the two ever happens per registered ID
// (spec.md §3, Invariant 5). It returns every request ID the tracker
// should now forget, including possibly sibling IDs from the same
// fan-out.
type Handler func(id uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID

type registration struct {
	handler  Handler
	deadline time.Time
}

// ErrTooManyOutstanding is returned by Register when MaxOutstanding is set
// and already reached (SPEC_FULL.md's hardening cap, spec.md §5 Bounds).
var ErrTooManyOutstanding = fmt.Errorf("pending: too many outstanding requests")

// Tracker correlates request IDs to handlers with per-entry deadlines.
type Tracker struct {
	mu             sync.Mutex
	entries        map[uuid.UUID]registration
	MaxOutstanding int // 0 = unbounded
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{entries: make(map[uuid.UUID]registration)}
}

// Register allocates a fresh request ID bound to handler with the given
// deadline.
func (t *Tracker) Register(deadline time.Time, handler Handler) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.MaxOutstanding > 0 && len(t.entries) >= t.MaxOutstanding {
		return uuid.UUID{}, ErrTooManyOutstanding
	}
	id := uuid.New()
	t.entries[id] = registration{handler: handler, deadline: deadline}
	return id, nil
}

// RegisterID binds an already-known ID (used to add a sibling to an
// existing fan-out under the same handler).
func (t *Tracker) RegisterID(id uuid.UUID, deadline time.Time, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = registration{handler: handler, deadline: deadline}
}

// Reply looks up id; if found, invokes its handler with the response
// payload and erases every ID the handler reports as resolved. Returns
// false if id was not outstanding (e.g. it already timed out).
func (t *Tracker) Reply(id uuid.UUID, frames [][]byte) bool {
	t.mu.Lock()
	reg, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	resolved := reg.handler(id, false, frames)
	t.forget(resolved)
	return true
}

// FireTimeouts walks the table and invokes the handler of every entry whose
// deadline has passed, as of now, erasing whatever each handler reports
// resolved. Call this once per event-loop tick (spec.md §4.6 step 5).
func (t *Tracker) FireTimeouts(now time.Time) {
	t.mu.Lock()
	var due []uuid.UUID
	for id, reg := range t.entries {
		if now.After(reg.deadline) {
			due = append(due, id)
		}
	}
	t.mu.Unlock()

	for _, id := range due {
		t.mu.Lock()
		reg, ok := t.entries[id]
		t.mu.Unlock()
		if !ok {
			// Already resolved as a sibling of an earlier timeout this tick.
			continue
		}
		resolved := reg.handler(id, true, nil)
		t.forget(resolved)
	}
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) forget(ids []uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.entries, id)
	}
}
