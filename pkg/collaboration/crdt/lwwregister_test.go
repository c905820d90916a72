package crdt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWRegisterSet(t *testing.T) {
	reg := NewLWWRegister()
	assert.Nil(t, reg.Get(), "fresh register holds nil")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reg.Set("first", base, "node1")
	assert.Equal(t, "first", reg.Get())

	reg.Set("second", base.Add(time.Second), "node2")
	assert.Equal(t, "second", reg.Get(), "newer write wins")

	reg.Set("stale", base.Add(-time.Minute), "node3")
	assert.Equal(t, "second", reg.Get(), "older write is discarded")
}

func TestLWWRegisterTiebreak(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	reg := NewLWWRegister()
	reg.Set("from node2", ts, "node2")
	reg.Set("from node1", ts, "node1")
	assert.Equal(t, "from node2", reg.Get(), "higher node id wins the tie")

	// Order of arrival must not matter
	other := NewLWWRegister()
	other.Set("from node1", ts, "node1")
	other.Set("from node2", ts, "node2")
	assert.Equal(t, reg.Get(), other.Get())
}

func TestLWWRegisterMerge(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("newer replica wins", func(t *testing.T) {
		a := NewLWWRegister()
		b := NewLWWRegister()
		a.Set("old", base, "node1")
		b.Set("new", base.Add(time.Second), "node2")

		require.NoError(t, a.Merge(b))
		assert.Equal(t, "new", a.Get())

		value, ts, node := a.GetWithMetadata()
		assert.Equal(t, "new", value)
		assert.Equal(t, base.Add(time.Second), ts)
		assert.Equal(t, NodeID("node2"), node)
	})

	t.Run("idempotent", func(t *testing.T) {
		a := NewLWWRegister()
		b := NewLWWRegister()
		a.Set("old", base, "node1")
		b.Set("new", base.Add(time.Second), "node2")

		require.NoError(t, a.Merge(b))
		require.NoError(t, a.Merge(b))
		assert.Equal(t, "new", a.Get())
	})

	t.Run("wrong type rejected", func(t *testing.T) {
		assert.Error(t, NewLWWRegister().Merge(NewGCounter()))
	})
}

func TestLWWRegisterSnapshotRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewLWWRegister()
	reg.Set("persisted", ts, "node1")

	restored := RestoreLWWRegister(reg.Snapshot())

	value, restoredTS, node := restored.GetWithMetadata()
	assert.Equal(t, "persisted", value)
	assert.Equal(t, ts, restoredTS)
	assert.Equal(t, NodeID("node1"), node)

	// A stale write against the restored register is still rejected
	restored.Set("stale", ts.Add(-time.Hour), "node9")
	assert.Equal(t, "persisted", restored.Get())
}

func TestLWWRegisterConcurrentAccess(t *testing.T) {
	reg := NewLWWRegister()
	done := make(chan struct{}, 3)

	go func() {
		for i := 0; i < 100; i++ {
			reg.Set(i, time.Now(), "node1")
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 100; i++ {
			reg.Set(i+1000, time.Now(), "node2")
		}
		done <- struct{}{}
	}()
	go func() {
		for i := 0; i < 100; i++ {
			_ = reg.Get()
		}
		done <- struct{}{}
	}()

	for i := 0; i < 3; i++ {
		<-done
	}
	assert.NotNil(t, reg.Get())
}
