package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCounterIncrement(t *testing.T) {
	g := NewGCounter()
	assert.Equal(t, uint64(0), g.Value())

	g.Increment("node1", 1)
	g.Increment("node1", 2)
	g.Increment("node2", 5)

	assert.Equal(t, uint64(8), g.Value())
}

func TestGCounterMerge(t *testing.T) {
	a := NewGCounter()
	b := NewGCounter()

	a.Increment("node1", 10)
	a.Increment("node2", 1)
	b.Increment("node1", 4)
	b.Increment("node3", 7)

	require.NoError(t, a.Merge(b))

	// Per-node maximum, not sum: node1 stays at 10
	assert.Equal(t, uint64(18), a.Value())

	// Remerging changes nothing
	require.NoError(t, a.Merge(b))
	assert.Equal(t, uint64(18), a.Value())
}

func TestGCounterMergeWrongType(t *testing.T) {
	assert.Error(t, NewGCounter().Merge(NewLWWRegister()))
}

func TestGCounterClone(t *testing.T) {
	g := NewGCounter()
	g.Increment("node1", 3)

	clone := g.Clone().(*GCounter)
	clone.Increment("node1", 1)

	assert.Equal(t, uint64(3), g.Value())
	assert.Equal(t, uint64(4), clone.Value())
}

func TestGCounterSnapshotRoundTrip(t *testing.T) {
	g := NewGCounter()
	g.Increment("node1", 2)
	g.Increment("node2", 9)

	restored := RestoreGCounter(g.Snapshot())
	assert.Equal(t, uint64(11), restored.Value())

	snap := g.Snapshot()
	assert.Equal(t, uint64(2), snap["node1"])
	assert.Equal(t, uint64(9), snap["node2"])
}
