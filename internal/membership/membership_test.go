package membership

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct{ closed bool }

func (f *fakeSocket) Close() error { f.closed = true; return nil }

func fakeMake(peer Peer) (ReqSocket, error) {
	return &fakeSocket{}, nil
}

func TestAddRegistersPeerAndRing(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	err := m.Add("n2", "n2:1", "n2:2", time.Now(), fakeMake)
	require.NoError(t, err)

	p, ok := m.Get("n2")
	require.True(t, ok)
	assert.Equal(t, "n2:1", p.ReqAddr)
	assert.True(t, m.Ring.Contains("n2"))
	assert.Equal(t, 1, m.Count())
}

func TestAddRejectsDuplicateID(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	require.NoError(t, m.Add("n2", "n2:1", "n2:2", time.Now(), fakeMake))
	err := m.Add("n2", "other:1", "other:2", time.Now(), fakeMake)
	assert.Error(t, err)
}

func TestAddRejectsSelfID(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	err := m.Add("self", "x:1", "x:2", time.Now(), fakeMake)
	assert.Error(t, err)
}

func TestUpdateAddsNewRowsAndAdvancesLastSeen(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	now := time.Now()

	added := m.Update([]Row{{ID: "n2", ReqAddr: "n2:1", PubAddr: "n2:2", LastSeen: now}}, fakeMake)
	assert.Equal(t, []string{"n2"}, added)

	later := now.Add(time.Minute)
	added = m.Update([]Row{{ID: "n2", ReqAddr: "n2:1", PubAddr: "n2:2", LastSeen: later}}, fakeMake)
	assert.Empty(t, added)

	p, _ := m.Get("n2")
	assert.True(t, p.LastSeen.Equal(later))
}

func TestUpdateDropsAddressCollision(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	now := time.Now()
	m.Update([]Row{{ID: "n2", ReqAddr: "n2:1", PubAddr: "n2:2", LastSeen: now}}, fakeMake)

	added := m.Update([]Row{{ID: "n3", ReqAddr: "n2:1", PubAddr: "n3:2", LastSeen: now}}, fakeMake)
	assert.Empty(t, added)
	_, ok := m.Get("n3")
	assert.False(t, ok)
}

func TestUpdateIgnoresSelfRow(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	added := m.Update([]Row{{ID: "self", ReqAddr: "self:1", PubAddr: "self:2", LastSeen: time.Now()}}, fakeMake)
	assert.Empty(t, added)
	assert.Equal(t, 0, m.Count())
}

func TestSweepDeadRemovesStalePeersFromRingAndTable(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	m.Timeout = 10 * time.Millisecond
	require.NoError(t, m.Add("n2", "n2:1", "n2:2", time.Now().Add(-time.Second), fakeMake))

	dead := m.SweepDead(time.Now())
	require.Len(t, dead, 1)
	assert.Equal(t, "n2", dead[0].ID)
	assert.False(t, m.Ring.Contains("n2"))
	_, ok := m.Get("n2")
	assert.False(t, ok)
}

func TestAllAndIDsExcludeSelf(t *testing.T) {
	m := New("self", "self:1", "self:2", 4, 3, nil)
	require.NoError(t, m.Add("n2", "n2:1", "n2:2", time.Now(), fakeMake))

	rows := m.All()
	require.Len(t, rows, 1)
	assert.Equal(t, "n2", rows[0].ID)

	ids := m.IDs()
	assert.Equal(t, []string{"n2"}, ids)
}
