// Package client provides a Go SDK for talking to a single cache node.
//
// Big idea:
//
// Instead of hand-rolling the wire frames everywhere, wrap them inside a
// clean Go API.
//
// So instead of:
//
//	transport.Connect(addr)
//	wire.EncodeRequest("get", key)
//
// Callers can simply do:
//
//	client.New(addr, timeout).Get(ctx, "key")
//
// This is called a "client library" or "SDK". It hides:
//   - the multipart frame codec
//   - the version/op header
//   - request/reply correlation
//
// and exposes a clean Go interface.
package client

import (
	"context"
	"fmt"
	"time"

	"dcache/internal/transport"
	"dcache/internal/wire"
)

// Client talks to ONE node's API socket.
//
// Important: a single request/reply round trip is synchronous and there is
// exactly one outstanding request at a time per Client — this is a simple
// synchronous wrapper, not a connection pool (spec.md §1 calls the real
// client library out as a black-box collaborator; this package stands in
// for it so cmd/client has something to drive).
type Client struct {
	addr    string
	timeout time.Duration
}

// New creates a new Client bound to a node's API address ("host:port").
//
// timeout protects us from hanging forever. In distributed systems: never
// call the network without a timeout.
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

// ErrNotFound is returned by Get when the key is unknown to the cluster.
var ErrNotFound = fmt.Errorf("key not found")

// APIError carries the wire error code and a human-readable message.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// Get retrieves the value for key, or ErrNotFound if no owner has it.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := c.roundTrip(ctx, wire.EncodeRequest(wire.OpGet, []byte(key)))
	if err != nil {
		return nil, err
	}
	code, payload, err := wire.DecodeErrorCode(reply)
	if err != nil {
		return nil, err
	}
	if code != wire.ErrOK {
		return nil, codeToError(code)
	}
	if len(payload) == 0 || len(payload[0]) == 0 {
		return nil, ErrNotFound
	}
	return payload[0], nil
}

// Set stores value under key. An empty value deletes the key
// (spec.md §4.2 "Deletion of an empty value").
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	reply, err := c.roundTrip(ctx, wire.EncodeRequest(wire.OpSet, []byte(key), value))
	if err != nil {
		return err
	}
	code, _, err := wire.DecodeErrorCode(reply)
	if err != nil {
		return err
	}
	if code != wire.ErrOK {
		return codeToError(code)
	}
	return nil
}

// Delete removes key unconditionally — sugar over Set with an empty value.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.Set(ctx, key, nil)
}

// Status returns the node's raw diagnostic frames (spec.md §4.4; format is
// not load-bearing, callers should not parse beyond display).
func (c *Client) Status(ctx context.Context) ([]string, error) {
	reply, err := c.roundTrip(ctx, wire.EncodeRequest(wire.OpStatus))
	if err != nil {
		return nil, err
	}
	code, payload, err := wire.DecodeErrorCode(reply)
	if err != nil {
		return nil, err
	}
	if code != wire.ErrOK {
		return nil, codeToError(code)
	}
	out := make([]string, len(payload))
	for i, f := range payload {
		out[i] = string(f)
	}
	return out, nil
}

// roundTrip opens a fresh connection, sends one request, waits for the one
// reply, and tears the connection down — simplest possible correlation
// scheme for a client that only ever has one request in flight.
func (c *Client) roundTrip(ctx context.Context, frames [][]byte) ([][]byte, error) {
	dealer, err := transport.Connect(c.addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", c.addr, err)
	}
	defer dealer.Close()

	if err := dealer.Send(frames); err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}

	deadline := time.NewTimer(c.timeout)
	defer deadline.Stop()

	select {
	case reply, ok := <-dealer.Inbound:
		if !ok {
			return nil, fmt.Errorf("client: connection closed before reply")
		}
		return reply, nil
	case <-deadline.C:
		return nil, fmt.Errorf("client: timed out waiting for reply from %s", c.addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func codeToError(code int) error {
	switch code {
	case wire.ErrTooBig:
		return &APIError{Code: code, Message: "value too big for this node's cache"}
	case wire.ErrTimeout:
		return &APIError{Code: code, Message: "timed out waiting for the key's owners"}
	case wire.ErrUnknownRequest:
		return &APIError{Code: code, Message: "unknown request"}
	case wire.ErrVersionMismatch:
		return &APIError{Code: code, Message: "wire version mismatch"}
	default:
		return &APIError{Code: code, Message: "node error"}
	}
}
