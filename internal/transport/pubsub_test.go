package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsAddr(addr string) string {
	return "ws://" + addr + "/"
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	pub, err := NewPublisher("127.0.0.1:0")
	require.NoError(t, err)
	defer pub.Close()

	sub1, err := NewSubscriber(wsAddr(pub.Addr()))
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := NewSubscriber(wsAddr(pub.Addr()))
	require.NoError(t, err)
	defer sub2.Close()

	// Give the upgrade handshake a moment to register both subscribers.
	time.Sleep(100 * time.Millisecond)

	pub.Publish([][]byte{[]byte("n"), []byte("node2"), []byte("addr1"), []byte("addr2"), []byte("2026:1:1:0:0:0")})

	for _, sub := range []*Subscriber{sub1, sub2} {
		select {
		case frames := <-sub.Inbound:
			assert.Equal(t, []byte("n"), frames[0])
			assert.Equal(t, []byte("node2"), frames[1])
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for publish frames")
		}
	}
}

func TestByteBufferReaderRoundTrip(t *testing.T) {
	buf := &byteBuffer{}
	require.NoError(t, writeMultipart(buf, [][]byte{[]byte("x"), []byte("yz")}))

	frames, err := readMultipart(&byteReader{b: buf.b})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("x"), []byte("yz")}, frames)
}
