package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformConcurrentInserts(t *testing.T) {
	engine := NewEngine()

	t.Run("SamePositionLeftPriority", func(t *testing.T) {
		a := New(KindInsert, TargetText, 0, 0, "hello", "alice", "s1")
		b := New(KindInsert, TargetText, 0, 0, "world", "bob", "s1")

		result := engine.Transform(a, b, PriorityLeft)

		require.True(t, result.Conflict)
		assert.Equal(t, 0, result.OpA.Position)
		assert.Equal(t, len("hello"), result.OpB.Position)

		// Both application orders converge on the same text
		viaA := engine.Apply(engine.Apply("", result.OpA), result.OpB)
		assert.Equal(t, "helloworld", viaA)
	})

	t.Run("DisjointPositionsNoConflict", func(t *testing.T) {
		a := New(KindInsert, TargetText, 2, 0, "ab", "alice", "s1")
		b := New(KindInsert, TargetText, 10, 0, "cd", "bob", "s1")

		result := engine.Transform(a, b, PriorityLeft)

		assert.False(t, result.Conflict)
		assert.Equal(t, 2, result.OpA.Position)
		assert.Equal(t, 12, result.OpB.Position, "later insert shifts by earlier insert length")
	})
}

func TestTransformInsertAgainstDelete(t *testing.T) {
	engine := NewEngine()

	t.Run("InsertInsideDeletedRange", func(t *testing.T) {
		// Delete [5,10), concurrent insert at 7
		del := New(KindDelete, TargetText, 5, 5, "", "alice", "s1")
		ins := New(KindInsert, TargetText, 7, 0, "x", "bob", "s1")

		result := engine.Transform(ins, del, PriorityRight)

		require.True(t, result.Conflict)
		assert.Equal(t, 5, result.OpA.Position, "insert clamps to the start of the deleted range")
		assert.Equal(t, 5, result.OpB.Position)
	})

	t.Run("InsertBeforeDelete", func(t *testing.T) {
		ins := New(KindInsert, TargetText, 1, 0, "abc", "alice", "s1")
		del := New(KindDelete, TargetText, 8, 3, "", "bob", "s1")

		result := engine.Transform(ins, del, PriorityLeft)

		assert.False(t, result.Conflict)
		assert.Equal(t, 1, result.OpA.Position)
		assert.Equal(t, 11, result.OpB.Position, "delete shifts forward past inserted content")
	})

	t.Run("InsertAfterDelete", func(t *testing.T) {
		del := New(KindDelete, TargetText, 0, 4, "", "alice", "s1")
		ins := New(KindInsert, TargetText, 10, 0, "zz", "bob", "s1")

		result := engine.Transform(del, ins, PriorityLeft)

		assert.False(t, result.Conflict)
		assert.Equal(t, 6, result.OpB.Position, "insert shifts back by deleted length")
	})
}

func TestTransformReplaceConflict(t *testing.T) {
	engine := NewEngine()

	a := New(KindReplace, TargetText, 0, 5, "first", "alice", "s1")
	b := New(KindReplace, TargetText, 0, 5, "second", "bob", "s1")

	t.Run("LeftWins", func(t *testing.T) {
		result := engine.Transform(a, b, PriorityLeft)
		require.True(t, result.Conflict)
		assert.Equal(t, KindReplace, result.OpA.Kind)
		assert.Equal(t, KindRetain, result.OpB.Kind, "losing replace becomes a no-op")
	})

	t.Run("RightWins", func(t *testing.T) {
		result := engine.Transform(a, b, PriorityRight)
		require.True(t, result.Conflict)
		assert.Equal(t, KindRetain, result.OpA.Kind)
		assert.Equal(t, KindReplace, result.OpB.Kind)
	})
}

func TestTransformDifferentTargets(t *testing.T) {
	engine := NewEngine()

	a := New(KindInsert, TargetText, 0, 0, "text edit", "alice", "s1")
	b := New(KindReplace, TargetMetadata, 0, 0, "meta edit", "bob", "s1")

	result := engine.Transform(a, b, PriorityLeft)

	assert.False(t, result.Conflict)
	assert.Equal(t, a, result.OpA, "different targets pass through unchanged")
	assert.Equal(t, b, result.OpB)
}

func TestTransformIsPure(t *testing.T) {
	engine := NewEngine()

	a := New(KindInsert, TargetText, 3, 0, "abc", "alice", "s1")
	b := New(KindDelete, TargetText, 1, 6, "", "bob", "s1")

	first := engine.Transform(a, b, PriorityLeft)
	second := engine.Transform(a, b, PriorityLeft)

	assert.Equal(t, first, second, "repeated transforms of the same pair agree")
	assert.Equal(t, 3, a.Position, "inputs are never mutated")
	assert.Equal(t, 1, b.Position)
}

func TestCompose(t *testing.T) {
	engine := NewEngine()

	t.Run("ContiguousInserts", func(t *testing.T) {
		ops := []Operation{
			New(KindInsert, TargetText, 0, 0, "hel", "alice", "s1"),
			New(KindInsert, TargetText, 3, 0, "lo", "alice", "s1"),
		}
		composed, ok := engine.Compose(ops)
		require.True(t, ok)
		assert.Equal(t, "hello", composed.Content)
		assert.Equal(t, 0, composed.Position)
	})

	t.Run("SamePositionDeletes", func(t *testing.T) {
		ops := []Operation{
			New(KindDelete, TargetText, 4, 2, "", "alice", "s1"),
			New(KindDelete, TargetText, 4, 3, "", "alice", "s1"),
		}
		composed, ok := engine.Compose(ops)
		require.True(t, ok)
		assert.Equal(t, KindDelete, composed.Kind)
		assert.Equal(t, 5, composed.Length)
	})

	t.Run("NonComposablePairKeepsLater", func(t *testing.T) {
		first := New(KindInsert, TargetText, 0, 0, "a", "alice", "s1")
		second := New(KindDelete, TargetText, 9, 1, "", "alice", "s1")
		composed, ok := engine.Compose([]Operation{first, second})
		require.True(t, ok)
		assert.Equal(t, second.ID, composed.ID)
	})

	t.Run("Empty", func(t *testing.T) {
		_, ok := engine.Compose(nil)
		assert.False(t, ok)
	})
}

func TestApply(t *testing.T) {
	engine := NewEngine()

	t.Run("TextInsert", func(t *testing.T) {
		op := New(KindInsert, TargetText, 5, 0, " brave", "alice", "s1")
		assert.Equal(t, "hello brave world", engine.Apply("hello world", op))
	})

	t.Run("TextDelete", func(t *testing.T) {
		op := New(KindDelete, TargetText, 5, 6, "", "alice", "s1")
		assert.Equal(t, "hello", engine.Apply("hello world", op))
	})

	t.Run("TextReplace", func(t *testing.T) {
		op := New(KindReplace, TargetText, 6, 5, "there", "alice", "s1")
		assert.Equal(t, "hello there", engine.Apply("hello world", op))
	})

	t.Run("TextDeleteClampedToBounds", func(t *testing.T) {
		op := New(KindDelete, TargetText, 3, 100, "", "alice", "s1")
		assert.Equal(t, "hel", engine.Apply("hello", op))
	})

	t.Run("ObjectSetAndRemove", func(t *testing.T) {
		base := map[string]interface{}{"title": "old"}

		set := New(KindReplace, TargetObject, 0, 0, "", "alice", "s1")
		set.Attributes = map[string]interface{}{"title": "new", "status": "draft"}
		updated, ok := engine.Apply(base, set).(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "new", updated["title"])
		assert.Equal(t, "draft", updated["status"])
		assert.Equal(t, "old", base["title"], "input object is not mutated")

		remove := New(KindDelete, TargetObject, 0, 0, "", "alice", "s1")
		remove.Attributes = map[string]interface{}{"status": nil}
		final, ok := engine.Apply(updated, remove).(map[string]interface{})
		require.True(t, ok)
		_, exists := final["status"]
		assert.False(t, exists)
	})

	t.Run("ArrayInsertDelete", func(t *testing.T) {
		base := []interface{}{"a", "c"}
		ins := New(KindInsert, TargetArray, 1, 0, "b", "alice", "s1")
		withB, ok := engine.Apply(base, ins).([]interface{})
		require.True(t, ok)
		assert.Equal(t, []interface{}{"a", "b", "c"}, withB)

		del := New(KindDelete, TargetArray, 0, 1, "", "alice", "s1")
		trimmed, ok := engine.Apply(withB, del).([]interface{})
		require.True(t, ok)
		assert.Equal(t, []interface{}{"b", "c"}, trimmed)
	})

	t.Run("UnsupportedCombinationIsNoOp", func(t *testing.T) {
		op := New(KindMove, TargetText, 0, 1, "", "alice", "s1")
		assert.Equal(t, "unchanged", engine.Apply("unchanged", op))
	})
}

func TestStateVector(t *testing.T) {
	t.Run("FirstOperationMustBeSequenceOne", func(t *testing.T) {
		sv := NewStateVector()
		op := New(KindInsert, TargetText, 0, 0, "x", "alice", "s1")

		op.Sequence = 2
		assert.False(t, sv.CanApply(op))

		op.Sequence = 1
		assert.True(t, sv.CanApply(op))
	})

	t.Run("SequentialOrdering", func(t *testing.T) {
		sv := NewStateVector()
		op := New(KindInsert, TargetText, 0, 0, "x", "alice", "s1")

		op.Sequence = 1
		require.True(t, sv.CanApply(op))
		sv.Record(op)

		op.Sequence = 1
		assert.False(t, sv.CanApply(op), "duplicates are rejected")
		op.Sequence = 3
		assert.False(t, sv.CanApply(op), "gaps are rejected")
		op.Sequence = 2
		assert.True(t, sv.CanApply(op))
	})

	t.Run("AuthorsTrackedIndependently", func(t *testing.T) {
		sv := NewStateVector()
		a := New(KindInsert, TargetText, 0, 0, "x", "alice", "s1")
		a.Sequence = 1
		sv.Record(a)

		b := New(KindInsert, TargetText, 0, 0, "y", "bob", "s1")
		b.Sequence = 1
		assert.True(t, sv.CanApply(b))
		assert.Equal(t, uint64(1), sv.Sequence("alice"))
		assert.Equal(t, uint64(0), sv.Sequence("bob"))
	})

	t.Run("SnapshotRestore", func(t *testing.T) {
		sv := NewStateVector()
		op := New(KindInsert, TargetText, 0, 0, "x", "alice", "s1")
		op.Sequence = 1
		sv.Record(op)

		restored := RestoreStateVector(sv.Snapshot())
		assert.Equal(t, uint64(1), restored.Sequence("alice"))
	})
}

func TestOperationValidate(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		op := New(KindInsert, TargetText, 0, 0, "x", "alice", "s1")
		assert.NoError(t, op.Validate())
	})

	t.Run("NegativePosition", func(t *testing.T) {
		op := New(KindInsert, TargetText, -1, 0, "x", "alice", "s1")
		assert.Error(t, op.Validate())
	})

	t.Run("InsertWithoutContent", func(t *testing.T) {
		op := New(KindInsert, TargetText, 0, 0, "", "alice", "s1")
		assert.Error(t, op.Validate())
	})

	t.Run("UnknownKind", func(t *testing.T) {
		op := New(Kind("rotate"), TargetText, 0, 0, "x", "alice", "s1")
		assert.Error(t, op.Validate())
	})
}
