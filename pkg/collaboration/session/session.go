package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// State is a session's lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StatePaused       State = "paused"
	StateTerminated   State = "terminated"
	StateError        State = "error"
)

// Metrics are replicated session counters. GCounters merge across servers so
// every node converges on cluster-wide totals.
type Metrics struct {
	TotalOperations   *crdt.GCounter
	ConflictsResolved *crdt.GCounter
}

// Session is the collaborative context for one resource. All mutating
// methods serialize on an internal lock.
type Session struct {
	mu sync.Mutex

	ID           string `json:"id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`

	state State
	users map[string]*UserPresence

	// monotonic per-session registration counter, metrics only
	nextSeq      uint64
	pendingOps   map[uuid.UUID]ot.Operation
	committedOps []uuid.UUID

	activeConflicts map[uuid.UUID]time.Time

	metrics Metrics
	nodeID  crdt.NodeID

	createdAt   time.Time
	lastUpdated time.Time

	opsWindow []time.Time
}

// New creates a session for a resource. The session starts in the
// initializing state and activates when the first user joins.
func New(id, resourceType, resourceID string, nodeID crdt.NodeID) *Session {
	ts := time.Now().UTC()
	return &Session{
		ID:           id,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		state:        StateInitializing,
		users:        make(map[string]*UserPresence),
		pendingOps:   make(map[uuid.UUID]ot.Operation),
		activeConflicts: make(map[uuid.UUID]time.Time),
		metrics: Metrics{
			TotalOperations:   crdt.NewGCounter(),
			ConflictsResolved: crdt.NewGCounter(),
		},
		nodeID:      nodeID,
		createdAt:   ts,
		lastUpdated: ts,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AddUser joins a user to the session, or refreshes their activity if they
// are already present. The first join activates the session; a join while
// idle reactivates it.
func (s *Session) AddUser(userID, username string, role Role) (*UserPresence, error) {
	if !ValidRole(role) {
		return nil, apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown role: "+string(role))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateTerminated || s.state == StateError {
		return nil, apperrors.New(apperrors.CodeSessionCorrupted,
			"cannot join a session in state "+string(s.state), apperrors.ClassFatal)
	}

	ts := time.Now().UTC()
	if p, ok := s.users[userID]; ok {
		p.IsActive = true
		p.LastActivity = ts
		p.Activity = ActivityViewing
		s.touch(ts)
		s.recomputeState()
		return p, nil
	}

	p := &UserPresence{
		UserID:       userID,
		Username:     username,
		Role:         role,
		SessionID:    s.ID,
		JoinedAt:     ts,
		LastActivity: ts,
		IsActive:     true,
		Activity:     ActivityViewing,
		Color:        colorForIndex(len(s.users)),
	}
	s.users[userID] = p
	s.touch(ts)
	s.recomputeState()
	return p, nil
}

// RemoveUser marks a user inactive. The presence record is retained for late
// arriving messages until cleanup. Removing an absent user is a no-op.
func (s *Session) RemoveUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[userID]
	if !ok {
		return
	}
	p.IsActive = false
	p.Activity = ActivityIdle
	s.touch(time.Now().UTC())
	s.recomputeState()
}

// UpdateActivity records a user's activity, cursor, and selection. Activity
// from an inactive user reactivates them and, if needed, the session.
func (s *Session) UpdateActivity(userID string, activity ActivityKind, cursor CursorPosition, selection SelectionRange) (*UserPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[userID]
	if !ok {
		return nil, apperrors.NewValidation(apperrors.CodeValidationFailed, "user is not in the session: "+userID)
	}

	ts := time.Now().UTC()
	p.IsActive = activity != ActivityIdle
	p.Activity = activity
	p.Cursor = cursor
	p.Selection = selection
	p.LastActivity = ts
	s.touch(ts)
	s.recomputeState()
	return p, nil
}

// RegisterOperation assigns the next session-level sequence number and holds
// the operation as pending. The sequence orders session audit records only.
func (s *Session) RegisterOperation(op ot.Operation) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	s.pendingOps[op.ID] = op
	s.metrics.TotalOperations.Increment(s.nodeID, 1)
	s.opsWindow = append(s.opsWindow, time.Now())
	s.touch(time.Now().UTC())
	return s.nextSeq
}

// PendingOperations returns copies of the operations registered but not yet
// committed. Used to detect conflicts against in-flight edits.
func (s *Session) PendingOperations() []ot.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ot.Operation, 0, len(s.pendingOps))
	for _, op := range s.pendingOps {
		out = append(out, op)
	}
	return out
}

// DiscardOperation withdraws a pending operation that was never applied,
// after a lost resolution or a rejected apply.
func (s *Session) DiscardOperation(opID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingOps, opID)
}

// CommitOperation moves a pending operation to the committed log.
func (s *Session) CommitOperation(opID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendingOps[opID]; !ok {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "operation is not pending: "+opID.String())
	}
	delete(s.pendingOps, opID)
	s.committedOps = append(s.committedOps, opID)
	return nil
}

// TrackConflict records an unresolved conflict against the session.
func (s *Session) TrackConflict(conflictID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeConflicts[conflictID] = time.Now().UTC()
}

// ResolveConflict clears a tracked conflict and bumps the resolved counter.
func (s *Session) ResolveConflict(conflictID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activeConflicts[conflictID]; !ok {
		return
	}
	delete(s.activeConflicts, conflictID)
	s.metrics.ConflictsResolved.Increment(s.nodeID, 1)
}

// Terminate irreversibly ends the session.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateTerminated
	s.touch(time.Now().UTC())
}

// Fail moves the session to the error state. Reachable from any state.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.touch(time.Now().UTC())
}

// ActiveUsers returns the count of users currently flagged active.
func (s *Session) ActiveUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeUsersLocked()
}

// Presence returns a copy of one user's presence record.
func (s *Session) Presence(userID string) (UserPresence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return UserPresence{}, false
	}
	return *p, true
}

// Presences returns copies of every presence record, active or not.
func (s *Session) Presences() []UserPresence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UserPresence, 0, len(s.users))
	for _, p := range s.users {
		out = append(out, *p)
	}
	return out
}

// Stats is a point-in-time summary of session counters.
type Stats struct {
	State             State     `json:"state"`
	ActiveUsers       int       `json:"active_users"`
	TotalUsers        int       `json:"total_users"`
	PendingOps        int       `json:"pending_ops"`
	CommittedOps      int       `json:"committed_ops"`
	ActiveConflicts   int       `json:"active_conflicts"`
	TotalOperations   uint64    `json:"total_operations"`
	ConflictsResolved uint64    `json:"conflicts_resolved"`
	OpsPerMinute      int       `json:"ops_per_minute"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Stats snapshots the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	recent := 0
	for _, ts := range s.opsWindow {
		if ts.After(cutoff) {
			recent++
		}
	}

	return Stats{
		State:             s.state,
		ActiveUsers:       s.activeUsersLocked(),
		TotalUsers:        len(s.users),
		PendingOps:        len(s.pendingOps),
		CommittedOps:      len(s.committedOps),
		ActiveConflicts:   len(s.activeConflicts),
		TotalOperations:   s.metrics.TotalOperations.Value(),
		ConflictsResolved: s.metrics.ConflictsResolved.Value(),
		OpsPerMinute:      recent,
		LastUpdated:       s.lastUpdated,
	}
}

// LastUpdated returns the time of the most recent session mutation.
func (s *Session) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdated
}

// MergeMetrics folds replicated counters from another server's copy of this
// session into the local one.
func (s *Session) MergeMetrics(totalOps, conflictsResolved map[string]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.metrics.TotalOperations.Merge(crdt.RestoreGCounter(totalOps)); err != nil {
		return err
	}
	return s.metrics.ConflictsResolved.Merge(crdt.RestoreGCounter(conflictsResolved))
}

func (s *Session) activeUsersLocked() int {
	n := 0
	for _, p := range s.users {
		if p.IsActive {
			n++
		}
	}
	return n
}

// recomputeState applies the lifecycle invariant: active iff at least one
// user is active, idle once everyone has gone inactive. Terminal states
// never change here.
func (s *Session) recomputeState() {
	switch s.state {
	case StateTerminated, StateError, StatePaused:
		return
	}
	if s.activeUsersLocked() > 0 {
		s.state = StateActive
	} else if s.state != StateInitializing {
		s.state = StateIdle
	}
}

func (s *Session) touch(ts time.Time) {
	s.lastUpdated = ts
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	ID                string                  `json:"id"`
	ResourceType      string                  `json:"resource_type"`
	ResourceID        string                  `json:"resource_id"`
	State             State                   `json:"state"`
	Users             map[string]UserPresence `json:"users"`
	NextSeq           uint64                  `json:"next_seq"`
	CommittedOps      []uuid.UUID             `json:"committed_ops"`
	TotalOperations   map[string]uint64       `json:"total_operations"`
	ConflictsResolved map[string]uint64       `json:"conflicts_resolved"`
	CreatedAt         time.Time               `json:"created_at"`
	LastUpdated       time.Time               `json:"last_updated"`
}

// Snapshot captures the session for persistence. Pending operations are
// deliberately excluded: they are re-registered by reconnecting clients.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                s.ID,
		ResourceType:      s.ResourceType,
		ResourceID:        s.ResourceID,
		State:             s.state,
		Users:             make(map[string]UserPresence, len(s.users)),
		NextSeq:           s.nextSeq,
		CommittedOps:      append([]uuid.UUID(nil), s.committedOps...),
		TotalOperations:   s.metrics.TotalOperations.Snapshot(),
		ConflictsResolved: s.metrics.ConflictsResolved.Snapshot(),
		CreatedAt:         s.createdAt,
		LastUpdated:       s.lastUpdated,
	}
	for id, p := range s.users {
		snap.Users[id] = *p
	}
	return snap
}

// Restore rebuilds a session from a persisted snapshot.
func Restore(snap Snapshot, nodeID crdt.NodeID) *Session {
	s := New(snap.ID, snap.ResourceType, snap.ResourceID, nodeID)
	s.state = snap.State
	for id, p := range snap.Users {
		presence := p
		s.users[id] = &presence
	}
	s.nextSeq = snap.NextSeq
	s.committedOps = append([]uuid.UUID(nil), snap.CommittedOps...)
	s.metrics.TotalOperations = crdt.RestoreGCounter(snap.TotalOperations)
	s.metrics.ConflictsResolved = crdt.RestoreGCounter(snap.ConflictsResolved)
	s.createdAt = snap.CreatedAt
	s.lastUpdated = snap.LastUpdated
	return s
}
