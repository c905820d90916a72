// Package crdt implements the conflict-free replicated data types backing
// collaborative document state: vector clocks for causality tracking, an
// observed-remove set for tag collections, a last-write-wins register for
// scalar fields, and a grow-only counter for replicated session metrics.
package crdt

// NodeID identifies a replica (one collaboration server process)
type NodeID string

// CRDT is the common interface for all replicated data types
type CRDT interface {
	// Merge combines the state of another replica into this one. Merging is
	// commutative, associative, and idempotent.
	Merge(other CRDT) error
	// Clone creates a deep copy
	Clone() CRDT
	// GetType returns the CRDT type name
	GetType() string
}

// VectorClock tracks causality between events across replicas
type VectorClock map[NodeID]uint64

// NewVectorClock creates an empty vector clock
func NewVectorClock() VectorClock {
	return make(VectorClock)
}

// Increment advances this replica's component by one
func (vc VectorClock) Increment(nodeID NodeID) {
	vc[nodeID]++
}

// Update takes the element-wise maximum of the two clocks
func (vc VectorClock) Update(other VectorClock) {
	for nodeID, count := range other {
		if count > vc[nodeID] {
			vc[nodeID] = count
		}
	}
}

// HappensBefore reports whether vc causally precedes other: every component
// of vc is <= the corresponding component of other, and at least one is
// strictly less.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	strictlyLess := false
	for nodeID, count := range vc {
		otherCount := other[nodeID]
		if count > otherCount {
			return false
		}
		if count < otherCount {
			strictlyLess = true
		}
	}
	if !strictlyLess {
		for nodeID, otherCount := range other {
			if otherCount > vc[nodeID] {
				strictlyLess = true
				break
			}
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither clock causally precedes the other.
// Equal clocks are considered concurrent.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Clone creates an independent copy of the clock
func (vc VectorClock) Clone() VectorClock {
	clone := make(VectorClock, len(vc))
	for nodeID, count := range vc {
		clone[nodeID] = count
	}
	return clone
}
