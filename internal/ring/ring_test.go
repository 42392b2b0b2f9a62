package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRingSeedsSelf(t *testing.T) {
	rg := New(3, 2, "self")
	assert.Equal(t, 1, rg.NodeCount())
	assert.Equal(t, 1, rg.ActiveRings())
	assert.True(t, rg.Contains("self"))

	owners := rg.Owners(0.5)
	assert.Equal(t, map[string]bool{"self": true}, owners)
}

func TestAddNodeGrowsActiveRingsUpToR(t *testing.T) {
	rg := New(4, 3, "n1")
	rg.AddNode("n2")
	assert.Equal(t, 2, rg.ActiveRings())
	rg.AddNode("n3")
	assert.Equal(t, 3, rg.ActiveRings())
	rg.AddNode("n4")
	assert.Equal(t, 3, rg.ActiveRings(), "active rings caps at R")
}

func TestRemoveNodeShrinksActiveRings(t *testing.T) {
	rg := New(4, 3, "n1")
	rg.AddNode("n2")
	rg.AddNode("n3")
	require.Equal(t, 3, rg.ActiveRings())

	rg.RemoveNode("n3")
	assert.Equal(t, 2, rg.ActiveRings())
	assert.False(t, rg.Contains("n3"))
}

func TestOwnersOneOwnerPerActiveRing(t *testing.T) {
	rg := New(8, 3, "n1")
	rg.AddNode("n2")
	rg.AddNode("n3")

	owners := rg.Owners(0.42)
	assert.LessOrEqual(t, len(owners), 3)
	assert.GreaterOrEqual(t, len(owners), 1)
}

func TestIndexForIsDeterministicAndInRange(t *testing.T) {
	a := IndexFor("hello")
	b := IndexFor("hello")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0.0)
	assert.Less(t, a, 1.0)
	assert.NotEqual(t, a, IndexFor("world"))
}

func TestSnapshotRoundTripsThroughFromSnapshot(t *testing.T) {
	rg := New(4, 3, "n1")
	rg.AddNode("n2")
	rg.AddNode("n3")

	snap := rg.Snapshot()
	rebuilt := FromSnapshot(rg.V(), rg.R(), "n1", snap)

	assert.Equal(t, rg.NodeCount(), rebuilt.NodeCount())
	assert.Equal(t, rg.ActiveRings(), rebuilt.ActiveRings())
	assert.Equal(t, rg.Owners(0.3), rebuilt.Owners(0.3))
}

func TestFromSnapshotThenInvertRecoversPriorOwnership(t *testing.T) {
	rg := New(4, 3, "n1")
	rg.AddNode("n2")
	before := rg.Snapshot()

	rg.AddNode("n3") // the delta we want to invert

	prev := FromSnapshot(rg.V(), rg.R(), "n1", rg.Snapshot())
	prev.RemoveNode("n3")

	assert.Equal(t, before, prev.Snapshot())
}
