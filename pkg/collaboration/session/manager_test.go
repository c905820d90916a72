package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/cache"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

func newTestSessionManager(t *testing.T, config ManagerConfig) (*Manager, cache.Cache) {
	t.Helper()
	c := cache.NewMemoryCache(100, time.Hour)
	m := NewManager(c, config, observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	return m, c
}

func TestManagerJoinCreatesSession(t *testing.T) {
	m, c := newTestSessionManager(t, DefaultManagerConfig())
	ctx := context.Background()

	sess, presence, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, StateActive, sess.State())
	assert.True(t, presence.IsActive)

	exists, err := c.Exists(ctx, "collab:session:s1")
	require.NoError(t, err)
	assert.True(t, exists, "joins persist the session")

	again, _, err := m.Join(ctx, "s1", "memory", "doc1", "bob", "Bob", RoleEditor)
	require.NoError(t, err)
	assert.Same(t, sess, again, "second join reuses the live session")
}

func TestManagerLeave(t *testing.T) {
	m, _ := newTestSessionManager(t, DefaultManagerConfig())
	ctx := context.Background()

	sess, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)

	m.Leave(ctx, "s1", "alice")
	assert.Equal(t, StateIdle, sess.State())

	// Unknown session leave is harmless
	m.Leave(ctx, "missing", "alice")
}

func TestManagerTerminateDeletesCacheEntry(t *testing.T) {
	m, c := newTestSessionManager(t, DefaultManagerConfig())
	ctx := context.Background()

	_, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)

	require.NoError(t, m.Terminate(ctx, "s1"))

	exists, err := c.Exists(ctx, "collab:session:s1")
	require.NoError(t, err)
	assert.False(t, exists, "termination removes the persisted copy")

	_, ok := m.Get("s1")
	assert.False(t, ok)

	assert.Error(t, m.Terminate(ctx, "s1"), "double terminate reports unknown session")
}

// journalCache records the order of cache writes so tests can assert
// persist-before-delete sequencing.
type journalCache struct {
	cache.Cache
	ops []string
}

func (j *journalCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	j.ops = append(j.ops, "set "+key)
	return j.Cache.Set(ctx, key, value, ttl)
}

func (j *journalCache) Delete(ctx context.Context, key string) error {
	j.ops = append(j.ops, "delete "+key)
	return j.Cache.Delete(ctx, key)
}

func TestManagerTerminatePersistsFinalStateFirst(t *testing.T) {
	journal := &journalCache{Cache: cache.NewMemoryCache(100, time.Hour)}
	m := NewManager(journal, DefaultManagerConfig(), observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	ctx := context.Background()

	_, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)

	journal.ops = nil
	require.NoError(t, m.Terminate(ctx, "s1"))

	require.Equal(t, []string{"set collab:session:s1", "delete collab:session:s1"}, journal.ops,
		"the terminated snapshot is written before the entry is removed")
}

func TestManagerOnTerminateHook(t *testing.T) {
	config := DefaultManagerConfig()
	config.IdleTimeout = 10 * time.Millisecond
	m, _ := newTestSessionManager(t, config)
	ctx := context.Background()

	var released []string
	m.OnTerminate(func(sessionID string) { released = append(released, sessionID) })

	_, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(ctx, "s1"))
	assert.Equal(t, []string{"s1"}, released, "explicit terminate fires the hook")

	_, _, err = m.Join(ctx, "s2", "memory", "doc2", "bob", "Bob", RoleEditor)
	require.NoError(t, err)
	m.Leave(ctx, "s2", "bob")
	time.Sleep(20 * time.Millisecond)
	m.SweepIdle(ctx)
	assert.Equal(t, []string{"s1", "s2"}, released, "the idle sweep fires the hook too")
}

func TestManagerSweepIdle(t *testing.T) {
	config := DefaultManagerConfig()
	config.IdleTimeout = 10 * time.Millisecond
	m, _ := newTestSessionManager(t, config)
	ctx := context.Background()

	_, _, err := m.Join(ctx, "stale", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)
	m.Leave(ctx, "stale", "alice")

	_, _, err = m.Join(ctx, "busy", "memory", "doc2", "bob", "Bob", RoleEditor)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	// bob keeps his session fresh
	busy, _ := m.Get("busy")
	_, err = busy.UpdateActivity("bob", ActivityTyping, CursorPosition{}, SelectionRange{})
	require.NoError(t, err)

	swept := m.SweepIdle(ctx)
	assert.Equal(t, 1, swept)

	_, ok := m.Get("stale")
	assert.False(t, ok, "stale session is terminated and dropped")
	_, ok = m.Get("busy")
	assert.True(t, ok, "active session survives the sweep")
}

func TestManagerRestoresFromCache(t *testing.T) {
	m, c := newTestSessionManager(t, DefaultManagerConfig())
	ctx := context.Background()

	_, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)

	// A fresh manager sharing the cache restores the session with alice's
	// presence intact
	m2 := NewManager(c, DefaultManagerConfig(), observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	sess, _, err := m2.Join(ctx, "s1", "memory", "doc1", "bob", "Bob", RoleEditor)
	require.NoError(t, err)

	_, ok := sess.Presence("alice")
	assert.True(t, ok, "restored session keeps prior presence records")
	assert.Len(t, sess.Presences(), 2)
}

func TestManagerClose(t *testing.T) {
	m, c := newTestSessionManager(t, DefaultManagerConfig())
	ctx := context.Background()
	m.Start()

	_, _, err := m.Join(ctx, "s1", "memory", "doc1", "alice", "Alice", RoleOwner)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))

	exists, err := c.Exists(ctx, "collab:session:s1")
	require.NoError(t, err)
	assert.True(t, exists)
}
