package document

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/cache"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

func newTestManager(t *testing.T, config ManagerConfig) (*Manager, cache.Cache) {
	t.Helper()
	c := cache.NewMemoryCache(100, time.Hour)
	m := NewManager(c, config, observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	return m, c
}

func TestManagerGetOrCreate(t *testing.T) {
	m, _ := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	doc, err := m.Get(ctx, "tenant1", "doc1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "doc1", doc.ID)

	again, err := m.Get(ctx, "tenant1", "doc1")
	require.NoError(t, err)
	assert.Same(t, doc, again, "repeated gets return the same instance")
}

func TestManagerApplyRateLimit(t *testing.T) {
	config := DefaultManagerConfig()
	config.OpsPerMinute = 3
	m, _ := newTestManager(t, config)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		op := ot.New(ot.KindInsert, ot.TargetText, i, 0, "x", "alice", "s1")
		op.Sequence = uint64(i + 1)
		_, err := m.Apply(ctx, "tenant1", "doc1", &op)
		require.NoError(t, err)
	}

	op := ot.New(ot.KindInsert, ot.TargetText, 3, 0, "x", "alice", "s1")
	op.Sequence = 4
	_, err := m.Apply(ctx, "tenant1", "doc1", &op)
	require.Error(t, err, "fourth operation in the window is limited")

	// Another user still has a fresh budget
	op = ot.New(ot.KindInsert, ot.TargetText, 0, 0, "y", "bob", "s1")
	op.Sequence = 1
	_, err = m.Apply(ctx, "tenant1", "doc1", &op)
	assert.NoError(t, err)
}

func TestManagerFlushAndRestore(t *testing.T) {
	m, c := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	op := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "durable", "alice", "s1")
	op.Sequence = 1
	_, err := m.Apply(ctx, "tenant1", "doc1", &op)
	require.NoError(t, err)

	m.FlushDirty(ctx)

	// A fresh manager sharing the cache sees the flushed state
	m2 := NewManager(c, DefaultManagerConfig(), observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	doc, err := m2.Get(ctx, "tenant1", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "durable", doc.Content())
	assert.Equal(t, uint64(1), doc.Version())
}

func TestManagerEvict(t *testing.T) {
	m, c := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()

	op := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "evicted", "alice", "s1")
	op.Sequence = 1
	_, err := m.Apply(ctx, "tenant1", "doc1", &op)
	require.NoError(t, err)

	require.NoError(t, m.Evict(ctx, "doc1"))

	exists, err := c.Exists(ctx, "collab:document:doc1")
	require.NoError(t, err)
	assert.True(t, exists, "eviction persists the snapshot")

	restored, err := m.Get(ctx, "tenant1", "doc1")
	require.NoError(t, err)
	assert.Equal(t, "evicted", restored.Content())
}

func TestManagerClose(t *testing.T) {
	m, c := newTestManager(t, DefaultManagerConfig())
	ctx := context.Background()
	m.Start()

	op := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "final", "alice", "s1")
	op.Sequence = 1
	_, err := m.Apply(ctx, "tenant1", "doc1", &op)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))

	exists, err := c.Exists(ctx, "collab:document:doc1")
	require.NoError(t, err)
	assert.True(t, exists, "close flushes every document")
}

func TestOpLimiterWindowSlides(t *testing.T) {
	l := newOpLimiter(2, 50*time.Millisecond)

	assert.True(t, l.allow("u1"))
	assert.True(t, l.allow("u1"))
	assert.False(t, l.allow("u1"))
	assert.Greater(t, l.retryAfter("u1"), time.Duration(0))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, l.allow("u1"), "budget refills after the window passes")
}
