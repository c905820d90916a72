package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
)

func TestSessionLifecycle(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")
	require.Equal(t, StateInitializing, s.State())

	t.Run("FirstJoinActivates", func(t *testing.T) {
		_, err := s.AddUser("alice", "Alice", RoleOwner)
		require.NoError(t, err)
		assert.Equal(t, StateActive, s.State())
	})

	t.Run("LastLeaveIdles", func(t *testing.T) {
		s.RemoveUser("alice")
		assert.Equal(t, StateIdle, s.State(), "empty sessions idle rather than terminate")
	})

	t.Run("RejoinReactivates", func(t *testing.T) {
		_, err := s.AddUser("alice", "Alice", RoleOwner)
		require.NoError(t, err)
		assert.Equal(t, StateActive, s.State())
	})

	t.Run("TerminateIsIrreversible", func(t *testing.T) {
		s.Terminate()
		assert.Equal(t, StateTerminated, s.State())

		_, err := s.AddUser("bob", "Bob", RoleEditor)
		assert.Error(t, err, "terminated sessions reject joins")
		assert.Equal(t, StateTerminated, s.State())
	})
}

func TestSessionStateInvariant(t *testing.T) {
	// state == active iff at least one presence has is_active == true
	s := New("s1", "memory", "doc1", "node1")

	check := func() {
		t.Helper()
		active := 0
		for _, p := range s.Presences() {
			if p.IsActive {
				active++
			}
		}
		if active > 0 {
			assert.Equal(t, StateActive, s.State())
		} else if s.State() != StateInitializing {
			assert.Contains(t, []State{StateIdle, StateTerminated}, s.State())
		}
	}

	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		_, err := s.AddUser(u, u, RoleEditor)
		require.NoError(t, err)
		check()
	}
	for _, u := range users {
		s.RemoveUser(u)
		check()
	}
	_, err := s.AddUser("u2", "u2", RoleEditor)
	require.NoError(t, err)
	check()
}

func TestAllUsersLeavingIdlesNotTerminates(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := s.AddUser(u, u, RoleCollaborator)
		require.NoError(t, err)
	}
	require.Equal(t, StateActive, s.State())

	for _, u := range []string{"u1", "u2", "u3"} {
		s.RemoveUser(u)
	}

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.ActiveUsers())
	assert.Len(t, s.Presences(), 3, "presence records are retained after leave")
}

func TestAddUserIdempotent(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")

	first, err := s.AddUser("alice", "Alice", RoleOwner)
	require.NoError(t, err)
	firstJoined := first.JoinedAt

	again, err := s.AddUser("alice", "Alice", RoleOwner)
	require.NoError(t, err)

	assert.Len(t, s.Presences(), 1, "re-adding does not duplicate")
	assert.Equal(t, firstJoined, again.JoinedAt, "join time is preserved")
	assert.True(t, again.IsActive)
}

func TestRemoveUserIdempotent(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")
	_, err := s.AddUser("alice", "Alice", RoleOwner)
	require.NoError(t, err)

	s.RemoveUser("alice")
	s.RemoveUser("alice")
	s.RemoveUser("ghost")

	p, ok := s.Presence("alice")
	require.True(t, ok)
	assert.False(t, p.IsActive)
}

func TestSessionRejectsUnknownRole(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")
	_, err := s.AddUser("alice", "Alice", Role("superadmin"))
	assert.Error(t, err)
}

func TestUpdateActivity(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")
	_, err := s.AddUser("alice", "Alice", RoleEditor)
	require.NoError(t, err)

	p, err := s.UpdateActivity("alice", ActivityTyping, CursorPosition{Position: 42}, SelectionRange{Start: 40, End: 45})
	require.NoError(t, err)
	assert.Equal(t, ActivityTyping, p.Activity)
	assert.Equal(t, 42, p.Cursor.Position)

	t.Run("IdleActivityDeactivates", func(t *testing.T) {
		_, err := s.UpdateActivity("alice", ActivityIdle, CursorPosition{}, SelectionRange{})
		require.NoError(t, err)
		assert.Equal(t, StateIdle, s.State())
	})

	t.Run("ActivityWhileIdleReactivates", func(t *testing.T) {
		_, err := s.UpdateActivity("alice", ActivityTyping, CursorPosition{Position: 1}, SelectionRange{})
		require.NoError(t, err)
		assert.Equal(t, StateActive, s.State())
	})

	t.Run("UnknownUserRejected", func(t *testing.T) {
		_, err := s.UpdateActivity("ghost", ActivityTyping, CursorPosition{}, SelectionRange{})
		assert.Error(t, err)
	})
}

func TestOperationRegistration(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")

	op1 := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "a", "alice", "s1")
	op2 := ot.New(ot.KindInsert, ot.TargetText, 1, 0, "b", "bob", "s1")

	assert.Equal(t, uint64(1), s.RegisterOperation(op1))
	assert.Equal(t, uint64(2), s.RegisterOperation(op2), "registration sequence is strictly increasing")

	require.NoError(t, s.CommitOperation(op1.ID))
	assert.Error(t, s.CommitOperation(op1.ID), "double commit is rejected")

	stats := s.Stats()
	assert.Equal(t, 1, stats.PendingOps)
	assert.Equal(t, 1, stats.CommittedOps)
	assert.Equal(t, uint64(2), stats.TotalOperations)
	assert.Equal(t, 2, stats.OpsPerMinute)

	s.DiscardOperation(op2.ID)
	assert.Equal(t, 0, s.Stats().PendingOps)
	assert.Error(t, s.CommitOperation(op2.ID), "a discarded operation cannot be committed")
	assert.Equal(t, 1, s.Stats().CommittedOps, "discard does not touch the committed log")
}

func TestConflictTracking(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")

	op := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "a", "alice", "s1")
	s.TrackConflict(op.ID)
	assert.Equal(t, 1, s.Stats().ActiveConflicts)

	s.ResolveConflict(op.ID)
	assert.Equal(t, 0, s.Stats().ActiveConflicts)
	assert.Equal(t, uint64(1), s.Stats().ConflictsResolved)

	// Resolving an untracked conflict does not inflate the counter
	s.ResolveConflict(op.ID)
	assert.Equal(t, uint64(1), s.Stats().ConflictsResolved)
}

func TestMetricsMergeAcrossServers(t *testing.T) {
	a := New("s1", "memory", "doc1", "nodeA")
	b := New("s1", "memory", "doc1", "nodeB")

	a.RegisterOperation(ot.New(ot.KindInsert, ot.TargetText, 0, 0, "a", "alice", "s1"))
	b.RegisterOperation(ot.New(ot.KindInsert, ot.TargetText, 0, 0, "b", "bob", "s1"))
	b.RegisterOperation(ot.New(ot.KindInsert, ot.TargetText, 1, 0, "c", "bob", "s1"))

	bSnap := b.Snapshot()
	require.NoError(t, a.MergeMetrics(bSnap.TotalOperations, bSnap.ConflictsResolved))

	assert.Equal(t, uint64(3), a.Stats().TotalOperations, "counters converge on the cluster total")
}

func TestDisplayColorsAssigned(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")

	p1, err := s.AddUser("u1", "u1", RoleEditor)
	require.NoError(t, err)
	p2, err := s.AddUser("u2", "u2", RoleEditor)
	require.NoError(t, err)

	assert.NotEmpty(t, p1.Color)
	assert.NotEmpty(t, p2.Color)
	assert.NotEqual(t, p1.Color, p2.Color)
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := New("s1", "memory", "doc1", "node1")
	_, err := s.AddUser("alice", "Alice", RoleOwner)
	require.NoError(t, err)
	op := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "a", "alice", "s1")
	s.RegisterOperation(op)
	require.NoError(t, s.CommitOperation(op.ID))

	restored := Restore(s.Snapshot(), "node2")

	assert.Equal(t, s.State(), restored.State())
	p, ok := restored.Presence("alice")
	require.True(t, ok)
	assert.True(t, p.IsActive)
	assert.Equal(t, uint64(1), restored.Stats().TotalOperations)
	assert.Equal(t, 1, restored.Stats().CommittedOps)
	assert.Equal(t, uint64(2), restored.RegisterOperation(op), "registration sequence continues after restore")
}
