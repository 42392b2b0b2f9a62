// Package transport is the message-oriented socket layer SPEC_FULL.md
// treats as a black box: bind/connect, publish/subscribe, request/reply
// with multipart framing, and a poller with timeout. No ZeroMQ (or any
// request/reply messaging) binding exists anywhere in the retrieval pack,
// so the router/dealer half is a small multipart-frame codec over
// net.TCPConn; the publish/subscribe half is github.com/gorilla/websocket
// (see SPEC_FULL.md, DOMAIN STACK).
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// writeMultipart writes a frame count followed by each frame's
// length-prefixed bytes. It never inspects frame contents — parsing op
// codes is internal/wire's job, not the transport's (spec.md §9).
func writeMultipart(w io.Writer, frames [][]byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frames)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(f)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if len(f) > 0 {
			if _, err := w.Write(f); err != nil {
				return err
			}
		}
	}
	if bw, ok := w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// readMultipart is the writeMultipart inverse.
func readMultipart(r io.Reader) ([][]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	const maxFrames = 1 << 16
	if count > maxFrames {
		return nil, fmt.Errorf("transport: frame count %d exceeds limit", count)
	}
	frames := make([][]byte, count)
	for i := range frames {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:])
		const maxFrameLen = 64 << 20
		if n > maxFrameLen {
			return nil, fmt.Errorf("transport: frame length %d exceeds limit", n)
		}
		buf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, buf); err != nil {
				return nil, err
			}
		}
		frames[i] = buf
	}
	return frames, nil
}
