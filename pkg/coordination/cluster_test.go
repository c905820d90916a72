package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

func newTestCluster(t *testing.T, mr *miniredis.Miniredis, serverID string, config ClusterConfig, loadFn LoadReporter) *ClusterCoordinator {
	t.Helper()
	ps := newTestCoordinator(t, mr, serverID)
	config.ServerID = serverID
	cc := NewClusterCoordinator(ps, config, loadFn, observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
	return cc
}

// heartbeatFrom injects a remote node's heartbeat directly into the node
// table, standing in for a message arriving on the global channel.
func heartbeatFrom(cc *ClusterCoordinator, serverID string, activeSessions int, loadScore float64) {
	msg := NewMessage(TypeHeartbeat, serverID, PriorityLow).WithPayload(map[string]interface{}{
		"host":            "remote-host",
		"port":            float64(9090),
		"active_sessions": float64(activeSessions),
		"load_score":      loadScore,
	})
	cc.handleHeartbeat(context.Background(), msg)
}

func TestClusterDiscoversNodesFromHeartbeats(t *testing.T) {
	mr := miniredis.RunT(t)
	cc := newTestCluster(t, mr, "srv-a", DefaultClusterConfig("srv-a"), nil)

	heartbeatFrom(cc, "srv-b", 3, 0.5)

	node, ok := cc.Node("srv-b")
	require.True(t, ok)
	assert.Equal(t, NodeOnline, node.Status)
	assert.Equal(t, 3, node.ActiveSessions)
	assert.Equal(t, 0.5, node.LoadScore)
	assert.Equal(t, "remote-host", node.Host)
	assert.Equal(t, 9090, node.Port)
}

func TestAssignSessionPicksLeastLoadedNode(t *testing.T) {
	mr := miniredis.RunT(t)
	// Local node reports itself heavily loaded
	cc := newTestCluster(t, mr, "srv-a", DefaultClusterConfig("srv-a"), func() (int, float64) { return 400, 0.9 })
	cc.nodes["srv-a"].LoadScore = 0.9
	cc.nodes["srv-a"].ActiveSessions = 400

	heartbeatFrom(cc, "srv-b", 2, 0.1)

	dist, err := cc.AssignSession("s1", 4)
	require.NoError(t, err)
	assert.Equal(t, "srv-b", dist.PrimaryID)
	assert.Contains(t, dist.Replicas, "srv-a", "the other online node becomes a replica")

	t.Run("AssignmentIsSticky", func(t *testing.T) {
		again, err := cc.AssignSession("s1", 4)
		require.NoError(t, err)
		assert.Equal(t, dist.PrimaryID, again.PrimaryID)
	})
}

func TestAssignSessionNoNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	cc := newTestCluster(t, mr, "srv-a", DefaultClusterConfig("srv-a"), nil)
	cc.nodes["srv-a"].Status = NodeMaintenance

	_, err := cc.AssignSession("s1", 1)
	assert.Error(t, err)
}

func TestHealthMonitorMarksStaleNodesOffline(t *testing.T) {
	mr := miniredis.RunT(t)
	config := DefaultClusterConfig("srv-a")
	config.NodeTimeout = 5 * time.Millisecond
	cc := newTestCluster(t, mr, "srv-a", config, nil)

	heartbeatFrom(cc, "srv-b", 0, 0)
	time.Sleep(10 * time.Millisecond)

	failed := cc.CheckHealth()
	assert.Equal(t, []string{"srv-b"}, failed)

	node, _ := cc.Node("srv-b")
	assert.Equal(t, NodeOffline, node.Status)

	t.Run("LocalNodeIsNeverMarkedOffline", func(t *testing.T) {
		self, _ := cc.Node("srv-a")
		assert.Equal(t, NodeOnline, self.Status)
	})
}

func TestFailoverPromotesReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	config := DefaultClusterConfig("srv-a")
	config.NodeTimeout = 5 * time.Millisecond
	// Local node advertises high load so placement prefers srv-b
	cc := newTestCluster(t, mr, "srv-a", config, nil)
	cc.nodes["srv-a"].LoadScore = 0.9

	heartbeatFrom(cc, "srv-b", 0, 0.0)

	dist, err := cc.AssignSession("s1", 2)
	require.NoError(t, err)
	require.Equal(t, "srv-b", dist.PrimaryID)
	require.Contains(t, dist.Replicas, "srv-a")

	// srv-b goes dark
	time.Sleep(10 * time.Millisecond)
	failed := cc.CheckHealth()
	require.Contains(t, failed, "srv-b")

	moved, ok := cc.Distribution("s1")
	require.True(t, ok)
	assert.Equal(t, "srv-a", moved.PrimaryID, "first online replica is promoted")
	assert.NotContains(t, moved.Replicas, "srv-b")
}

func TestFailoverFreshPlacementWithoutReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	config := DefaultClusterConfig("srv-a")
	config.NodeTimeout = 5 * time.Millisecond
	cc := newTestCluster(t, mr, "srv-a", config, nil)
	cc.nodes["srv-a"].LoadScore = 0.9

	heartbeatFrom(cc, "srv-b", 0, 0.0)

	dist, err := cc.AssignSession("s1", 2)
	require.NoError(t, err)
	require.Equal(t, "srv-b", dist.PrimaryID)

	// Strip the replica list to force fresh placement on failover
	cc.mu.Lock()
	cc.sessions["s1"].Replicas = nil
	cc.mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	cc.CheckHealth()

	moved, ok := cc.Distribution("s1")
	require.True(t, ok)
	assert.Equal(t, "srv-a", moved.PrimaryID, "only remaining online node wins fresh placement")
}

func TestReleaseSession(t *testing.T) {
	mr := miniredis.RunT(t)
	cc := newTestCluster(t, mr, "srv-a", DefaultClusterConfig("srv-a"), nil)

	_, err := cc.AssignSession("s1", 1)
	require.NoError(t, err)
	before, _ := cc.Node("srv-a")

	cc.ReleaseSession("s1")

	_, ok := cc.Distribution("s1")
	assert.False(t, ok)
	after, _ := cc.Node("srv-a")
	assert.Equal(t, before.ActiveSessions-1, after.ActiveSessions)
}

func TestHeartbeatLoopPublishes(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newTestCoordinator(t, mr, "srv-a")
	require.NoError(t, a.Start())
	ccA := NewClusterCoordinator(a, ClusterConfig{ServerID: "srv-a", HeartbeatInterval: 20 * time.Millisecond},
		func() (int, float64) { return 1, 0.25 },
		observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())

	b := newTestCoordinator(t, mr, "srv-b")
	require.NoError(t, b.Start())
	ccB := NewClusterCoordinator(b, ClusterConfig{ServerID: "srv-b"}, nil,
		observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())

	ccA.Start()
	defer ccA.Stop()

	require.Eventually(t, func() bool {
		node, ok := ccB.Node("srv-a")
		return ok && node.ActiveSessions == 1 && node.LoadScore == 0.25
	}, 2*time.Second, 20*time.Millisecond, "srv-b learns about srv-a through heartbeats")
}
