package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestORSetAddRemove(t *testing.T) {
	s := NewORSet()
	assert.Equal(t, 0, s.Size())

	s.Add("go")
	s.Add("crdt")
	assert.True(t, s.Contains("go"))
	assert.Equal(t, 2, s.Size())

	s.Remove("go")
	assert.False(t, s.Contains("go"))
	assert.Equal(t, []string{"crdt"}, s.Elements())

	// Add after remove makes the element visible again
	s.Add("go")
	assert.True(t, s.Contains("go"))
}

func TestORSetRemoveUnknownElement(t *testing.T) {
	s := NewORSet()
	s.Remove("missing")
	assert.Equal(t, 0, s.Size())
}

func TestORSetMergeAddWinsOverConcurrentRemove(t *testing.T) {
	a := NewORSet()
	b := NewORSet()

	a.Add("shared")
	require.NoError(t, b.Merge(a))

	// b removes the observed tag while a concurrently re-adds it
	b.Remove("shared")
	a.Add("shared")

	require.NoError(t, a.Merge(b))
	require.NoError(t, b.Merge(a))

	assert.True(t, a.Contains("shared"), "unobserved add survives the remove")
	assert.Equal(t, a.Elements(), b.Elements(), "replicas converge")
}

func TestORSetMergeCommutes(t *testing.T) {
	a := NewORSet()
	b := NewORSet()
	a.Add("x")
	a.Add("y")
	b.Add("y")
	b.Add("z")

	left := a.Clone().(*ORSet)
	require.NoError(t, left.Merge(b))
	right := b.Clone().(*ORSet)
	require.NoError(t, right.Merge(a))

	assert.ElementsMatch(t, left.Elements(), right.Elements())
	assert.ElementsMatch(t, []string{"x", "y", "z"}, left.Elements())
}

func TestORSetMergeWrongType(t *testing.T) {
	assert.Error(t, NewORSet().Merge(NewGCounter()))
}

func TestORSetSnapshotRoundTrip(t *testing.T) {
	s := NewORSet()
	s.Add("keep")
	s.Add("drop")
	s.Remove("drop")

	restored := RestoreORSet(s.Snapshot())

	assert.Equal(t, []string{"keep"}, restored.Elements())
	assert.False(t, restored.Contains("drop"))
}
