package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterDealerRoundTrip(t *testing.T) {
	router, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer router.Close()

	dealer, err := Connect(router.Addr())
	require.NoError(t, err)
	defer dealer.Close()

	require.NoError(t, dealer.Send([][]byte{[]byte("1"), []byte("get"), []byte("key1")}))

	var msg InboundMsg
	select {
	case msg = <-router.Inbound:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
	assert.Equal(t, [][]byte{[]byte("1"), []byte("get"), []byte("key1")}, msg.Frames)

	require.NoError(t, router.Reply(msg.ConnID, [][]byte{[]byte("0"), []byte("value1")}))

	select {
	case reply := <-dealer.Inbound:
		assert.Equal(t, [][]byte{[]byte("0"), []byte("value1")}, reply)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

func TestRouterHandlesMultipleConnections(t *testing.T) {
	router, err := Bind("127.0.0.1:0")
	require.NoError(t, err)
	defer router.Close()

	d1, err := Connect(router.Addr())
	require.NoError(t, err)
	defer d1.Close()
	d2, err := Connect(router.Addr())
	require.NoError(t, err)
	defer d2.Close()

	require.NoError(t, d1.Send([][]byte{[]byte("a")}))
	require.NoError(t, d2.Send([][]byte{[]byte("b")}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-router.Inbound:
			seen[string(msg.Frames[0])] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for inbound message")
		}
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])
}

func TestDealerInboundClosesWhenRouterCloses(t *testing.T) {
	router, err := Bind("127.0.0.1:0")
	require.NoError(t, err)

	dealer, err := Connect(router.Addr())
	require.NoError(t, err)
	defer dealer.Close()

	router.Close()

	select {
	case _, ok := <-dealer.Inbound:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dealer inbound to close")
	}
}
