package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClockIncrement(t *testing.T) {
	vc := NewVectorClock()
	assert.Empty(t, vc)

	vc.Increment("node1")
	vc.Increment("node1")
	vc.Increment("node2")

	assert.Equal(t, uint64(2), vc["node1"])
	assert.Equal(t, uint64(1), vc["node2"])
}

func TestVectorClockUpdate(t *testing.T) {
	a := VectorClock{"node1": 5, "node2": 3}
	b := VectorClock{"node1": 3, "node2": 5, "node3": 1}

	a.Update(b)

	assert.Equal(t, VectorClock{"node1": 5, "node2": 5, "node3": 1}, a)
}

func TestVectorClockCausality(t *testing.T) {
	tests := []struct {
		name       string
		a, b       VectorClock
		aBeforeB   bool
		bBeforeA   bool
		concurrent bool
	}{
		{
			name:     "strictly ordered",
			a:        VectorClock{"node1": 1, "node2": 2},
			b:        VectorClock{"node1": 2, "node2": 3},
			aBeforeB: true,
		},
		{
			name:       "divergent components",
			a:          VectorClock{"node1": 2, "node2": 1},
			b:          VectorClock{"node1": 1, "node2": 2},
			concurrent: true,
		},
		{
			name:       "equal clocks",
			a:          VectorClock{"node1": 1, "node2": 2},
			b:          VectorClock{"node1": 1, "node2": 2},
			concurrent: true,
		},
		{
			name:     "missing component counts as zero",
			a:        VectorClock{"node1": 1},
			b:        VectorClock{"node1": 1, "node2": 1},
			aBeforeB: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.aBeforeB, tt.a.HappensBefore(tt.b))
			assert.Equal(t, tt.bBeforeA, tt.b.HappensBefore(tt.a))
			assert.Equal(t, tt.concurrent, tt.a.Concurrent(tt.b))
			assert.Equal(t, tt.concurrent, tt.b.Concurrent(tt.a))
		})
	}
}

func TestVectorClockClone(t *testing.T) {
	original := VectorClock{"node1": 1, "node2": 2}
	clone := original.Clone()

	assert.Equal(t, original, clone)

	clone.Increment("node1")
	assert.Equal(t, uint64(1), original["node1"], "clone is independent")
	assert.Equal(t, uint64(2), clone["node1"])
}
