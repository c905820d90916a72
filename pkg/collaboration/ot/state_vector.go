package ot

import "sync"

// StateVector tracks the last applied sequence number per author. It gates
// application order so each author's operations apply exactly once and in
// the order the author produced them.
type StateVector struct {
	mu   sync.RWMutex
	last map[string]uint64
}

// NewStateVector creates an empty state vector
func NewStateVector() *StateVector {
	return &StateVector{last: make(map[string]uint64)}
}

// CanApply reports whether op is the next expected operation from its
// author. The first operation from an author must carry sequence 1.
func (sv *StateVector) CanApply(op Operation) bool {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return op.Sequence == sv.last[op.AuthorID]+1
}

// Record marks op as applied. Callers must check CanApply first; Record
// overwrites unconditionally so recovery paths can reset an author's
// position.
func (sv *StateVector) Record(op Operation) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.last[op.AuthorID] = op.Sequence
}

// Sequence returns the last applied sequence for an author, zero if the
// author has no applied operations.
func (sv *StateVector) Sequence(authorID string) uint64 {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	return sv.last[authorID]
}

// Snapshot returns a copy of the full vector for persistence.
func (sv *StateVector) Snapshot() map[string]uint64 {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	out := make(map[string]uint64, len(sv.last))
	for author, seq := range sv.last {
		out[author] = seq
	}
	return out
}

// RestoreStateVector rebuilds a state vector from a persisted snapshot.
func RestoreStateVector(snapshot map[string]uint64) *StateVector {
	sv := NewStateVector()
	for author, seq := range snapshot {
		sv.last[author] = seq
	}
	return sv
}
