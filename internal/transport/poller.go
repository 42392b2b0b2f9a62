package transport

import "time"

// Poller holds the single tick timeout of the event loop's poll — the only
// suspension point allowed by spec.md §5. The sockets above each run their
// own goroutine internally (permitted: "the transport library may internally
// use worker threads; only its handle is touched by the loop") and deliver
// their events on channels.
//
// Go's select statement already multiplexes those channels, so Poller does
// not wrap it: Server.Run selects over the channels itself and uses
// Poller.Timeout as the tick timeout.
type Poller struct {
	Timeout time.Duration
}

// NewPoller creates a Poller with the given tick timeout.
func NewPoller(timeout time.Duration) *Poller {
	return &Poller{Timeout: timeout}
}

// Deadline returns the instant by which this tick's poll should give up,
// from now.
func (p *Poller) Deadline() time.Time {
	return time.Now().Add(p.Timeout)
}
