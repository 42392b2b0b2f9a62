// Package wire encodes and decodes the framed messages described in
// SPEC_FULL.md §4.4: the API protocol (client<->node), the Request
// protocol (node<->node), and the Publish protocol (membership fan-out).
//
// Frames never cross into the transport layer as anything richer than
// [][]byte — internal/transport only knows how to split a byte stream into
// frames (REDESIGN FLAGS, spec.md §9).
package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the only wire version this node speaks.
const Version = "1"

// API and Request ops (spec.md §4.4).
const (
	OpGet     = "get"
	OpSet     = "set"
	OpStatus  = "status"
	OpConnect = "connect"
)

// Error codes, carried as ASCII digit frames.
const (
	ErrOK               = 0
	ErrTooBig           = 1
	ErrTimeout          = 2
	ErrNodeIDTaken       = 997
	ErrUnknownRequest    = 998
	ErrVersionMismatch   = 999
)

// ParseResult is a sum type for a parsed incoming message: exactly one of
// Malformed / UnknownOp / VersionBad / ok is ever set, used in place of
// exceptions for control flow (spec.md §9).
type ParseResult struct {
	Headers      [][]byte
	Op           string
	Args         [][]byte
	Malformed    bool
	UnknownOp    bool
	VersionBad   bool
}

// knownOps are valid ops for the API/Request protocols (both share the op
// vocabulary; the dispatcher decides which are valid on which socket).
var knownOps = map[string]bool{OpGet: true, OpSet: true, OpStatus: true, OpConnect: true}

// Parse splits a full frame set (headers already separated from the
// version/op/args tail by the caller's framing convention: an empty delimiter
// frame) into a ParseResult.
func Parse(headers [][]byte, rest [][]byte) ParseResult {
	if len(rest) < 2 {
		return ParseResult{Headers: headers, Malformed: true}
	}
	version := string(rest[0])
	op := string(rest[1])
	args := rest[2:]
	if version != Version {
		return ParseResult{Headers: headers, Op: op, Args: args, VersionBad: true}
	}
	if !knownOps[op] {
		return ParseResult{Headers: headers, Op: op, Args: args, UnknownOp: true}
	}
	return ParseResult{Headers: headers, Op: op, Args: args}
}

// EncodeRequest builds the version/op/args frames for an outgoing API or
// Request message. No header frames are added; the transport sends the
// frames as given and routes each reply back by connection.
func EncodeRequest(op string, args ...[]byte) [][]byte {
	out := make([][]byte, 0, 2+len(args))
	out = append(out, []byte(Version), []byte(op))
	out = append(out, args...)
	return out
}

// EncodeReply builds an error-code-first reply payload.
func EncodeReply(code int, payload ...[]byte) [][]byte {
	out := make([][]byte, 0, 1+len(payload))
	out = append(out, []byte(strconv.Itoa(code)))
	out = append(out, payload...)
	return out
}

// DecodeErrorCode reads the leading ASCII-digit error-code frame.
func DecodeErrorCode(frames [][]byte) (int, [][]byte, error) {
	if len(frames) == 0 {
		return 0, nil, fmt.Errorf("wire: empty reply")
	}
	code, err := strconv.Atoi(string(frames[0]))
	if err != nil {
		return 0, nil, fmt.Errorf("wire: bad error code %q: %w", frames[0], err)
	}
	return code, frames[1:], nil
}

// EncodeTimestamp formats spec.md §4.4's "YYYY:M:D:H:M:S" wire timestamp: seconds
// precision, UTC, no zero-padding required, no sub-second component. Go's
// reference layout can't express "no padding" directly, so EncodeTimestamp
// builds it manually and DecodeTimestamp parses the six colon-separated
// integers itself rather than via time.Parse.
func EncodeTimestamp(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d", u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())
}

// DecodeTimestamp parses a wire timestamp produced by EncodeTimestamp.
func DecodeTimestamp(s string) (time.Time, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return time.Time{}, fmt.Errorf("wire: bad timestamp %q", s)
	}
	var nums [6]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("wire: bad timestamp %q: %w", s, err)
		}
		nums[i] = n
	}
	return time.Date(nums[0], time.Month(nums[1]), nums[2], nums[3], nums[4], nums[5], 0, time.UTC), nil
}

// PublishTopic is the fixed topic byte for membership publish messages.
const PublishTopic = "n"

// PublishRow is one (id, req, pub, last_seen) entry inside a Publish message.
type PublishRow struct {
	ID       string
	ReqAddr  string
	PubAddr  string
	LastSeen time.Time
}

// EncodePublish builds the full publish frame set: topic, each known peer's
// row, then the publisher's own self-entry at the tail (spec.md §4.4).
func EncodePublish(peers []PublishRow, self PublishRow) [][]byte {
	out := make([][]byte, 0, 1+4*(len(peers)+1))
	out = append(out, []byte(PublishTopic))
	for _, row := range peers {
		out = append(out, []byte(row.ID), []byte(row.ReqAddr), []byte(row.PubAddr), []byte(EncodeTimestamp(row.LastSeen)))
	}
	out = append(out, []byte(self.ID), []byte(self.ReqAddr), []byte(self.PubAddr), []byte(EncodeTimestamp(self.LastSeen)))
	return out
}

// DecodePublish parses a publish frame set (including the leading topic
// frame) back into rows; the last row is always the publisher's self-entry.
func DecodePublish(frames [][]byte) ([]PublishRow, error) {
	if len(frames) < 1 {
		return nil, fmt.Errorf("wire: empty publish message")
	}
	body := frames[1:]
	if len(body)%4 != 0 {
		return nil, fmt.Errorf("wire: publish body not a multiple of 4 frames")
	}
	rows := make([]PublishRow, 0, len(body)/4)
	for i := 0; i < len(body); i += 4 {
		ts, err := DecodeTimestamp(string(body[i+3]))
		if err != nil {
			return nil, err
		}
		rows = append(rows, PublishRow{
			ID:       string(body[i]),
			ReqAddr:  string(body[i+1]),
			PubAddr:  string(body[i+2]),
			LastSeen: ts,
		})
	}
	return rows, nil
}
