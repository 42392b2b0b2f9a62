package server

import (
	"context"
	"testing"
	"time"

	"dcache/internal/client"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestNode(t *testing.T, id string, join string) (*Server, Config) {
	t.Helper()
	cfg := Config{
		NodeID:      id,
		APIAddr:     "127.0.0.1:0",
		ReqAddr:     "127.0.0.1:0",
		PubAddr:     "127.0.0.1:0",
		V:           4,
		R:           3,
		MaxSize:     1 << 16,
		Timeout:     2 * time.Second,
		PubInterval: 50 * time.Millisecond,
		IOTimeout:   2 * time.Second,
	}
	_ = join
	s, err := New(cfg)
	require.NoError(t, err)
	go s.Run()
	t.Cleanup(s.Stop)
	return s, cfg
}

func TestSingleNodeSetGetOverAPISocket(t *testing.T) {
	s, _ := startTestNode(t, "solo", "")
	c := client.New(s.api.Addr(), time.Second)

	require.NoError(t, c.Set(context.Background(), "k1", []byte("v1")))
	val, err := c.Get(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)
}

func TestSingleNodeGetMissingKeyReturnsNotFound(t *testing.T) {
	s, _ := startTestNode(t, "solo2", "")
	c := client.New(s.api.Addr(), time.Second)

	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestStatusReportsSelf(t *testing.T) {
	s, _ := startTestNode(t, "solo3", "")
	c := client.New(s.api.Addr(), time.Second)

	lines, err := c.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "solo3")
}

func TestTwoNodeHandshakeJoinsRing(t *testing.T) {
	s1, _ := startTestNode(t, "a", "")
	time.Sleep(50 * time.Millisecond)

	cfg2 := Config{
		NodeID:        "b",
		APIAddr:       "127.0.0.1:0",
		ReqAddr:       "127.0.0.1:0",
		PubAddr:       "127.0.0.1:0",
		BootstrapPeer: s1.peerReq.Addr(),
		V:             4,
		R:             3,
		MaxSize:       1 << 16,
		Timeout:       2 * time.Second,
		PubInterval:   50 * time.Millisecond,
		IOTimeout:     2 * time.Second,
	}
	s2, err := New(cfg2)
	require.NoError(t, err)
	go s2.Run()
	t.Cleanup(s2.Stop)

	require.Eventually(t, func() bool {
		return s1.Membership.Count() == 1 && s2.Membership.Count() == 1
	}, 2*time.Second, 20*time.Millisecond, "both nodes should learn about each other")
}
