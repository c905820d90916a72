package coordination

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// NodeStatus is a server's health state as seen by the cluster.
type NodeStatus string

const (
	NodeOnline      NodeStatus = "online"
	NodeOffline     NodeStatus = "offline"
	NodeDegraded    NodeStatus = "degraded"
	NodeMaintenance NodeStatus = "maintenance"
)

// ServerNode is one server's registration in the cluster. Heartbeats keep it
// fresh; the health monitor marks it offline after missed heartbeats.
type ServerNode struct {
	ID             string     `json:"id"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Status         NodeStatus `json:"status"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	ActiveSessions int        `json:"active_sessions"`
	LoadScore      float64    `json:"load_score"`
}

// SessionDistribution records which server owns a session and which servers
// hold replicas for failover.
type SessionDistribution struct {
	SessionID    string    `json:"session_id"`
	PrimaryID    string    `json:"primary_id"`
	Replicas     []string  `json:"replicas"`
	UserCount    int       `json:"user_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// ClusterConfig holds cluster coordinator tuning.
type ClusterConfig struct {
	ServerID           string
	Host               string
	Port               int
	HeartbeatInterval  time.Duration
	NodeTimeout        time.Duration // missed heartbeats beyond this mark a node offline
	MonitorInterval    time.Duration
	ReplicaCount       int
	MaxSessionsPerNode int
}

// DefaultClusterConfig returns sensible defaults
func DefaultClusterConfig(serverID string) ClusterConfig {
	return ClusterConfig{
		ServerID:           serverID,
		Host:               "localhost",
		Port:               8080,
		HeartbeatInterval:  5 * time.Second,
		NodeTimeout:        15 * time.Second,
		MonitorInterval:    5 * time.Second,
		ReplicaCount:       2,
		MaxSessionsPerNode: 500,
	}
}

// LoadReporter supplies the local node's current load for heartbeats.
type LoadReporter func() (activeSessions int, loadScore float64)

// ClusterCoordinator distributes sessions across server nodes and fails
// sessions over when their primary goes dark. Every node runs one; node
// tables converge through heartbeats on the global channel.
type ClusterCoordinator struct {
	mu       sync.RWMutex
	nodes    map[string]*ServerNode
	sessions map[string]*SessionDistribution

	pubsub  *PubSubCoordinator
	config  ClusterConfig
	logger  observability.Logger
	metrics observability.MetricsClient
	loadFn  LoadReporter

	loopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewClusterCoordinator registers the local node online and wires heartbeat
// handling into the pub/sub coordinator.
func NewClusterCoordinator(ps *PubSubCoordinator, config ClusterConfig, loadFn LoadReporter, logger observability.Logger, metrics observability.MetricsClient) *ClusterCoordinator {
	defaults := DefaultClusterConfig(config.ServerID)
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.NodeTimeout <= 0 {
		config.NodeTimeout = defaults.NodeTimeout
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = defaults.MonitorInterval
	}
	if config.ReplicaCount <= 0 {
		config.ReplicaCount = defaults.ReplicaCount
	}
	if config.MaxSessionsPerNode <= 0 {
		config.MaxSessionsPerNode = defaults.MaxSessionsPerNode
	}
	if loadFn == nil {
		loadFn = func() (int, float64) { return 0, 0 }
	}

	cc := &ClusterCoordinator{
		nodes:    make(map[string]*ServerNode),
		sessions: make(map[string]*SessionDistribution),
		pubsub:   ps,
		config:   config,
		logger:   logger.WithPrefix("coordination.cluster"),
		metrics:  metrics,
		loadFn:   loadFn,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	cc.nodes[config.ServerID] = &ServerNode{
		ID:            config.ServerID,
		Host:          config.Host,
		Port:          config.Port,
		Status:        NodeOnline,
		LastHeartbeat: time.Now().UTC(),
	}

	ps.RegisterHandler(TypeHeartbeat, cc.handleHeartbeat)
	return cc
}

// Start launches the heartbeat and health monitor loops.
func (cc *ClusterCoordinator) Start() {
	cc.loopOnce.Do(func() {
		go cc.run()
	})
}

func (cc *ClusterCoordinator) run() {
	defer close(cc.done)
	heartbeat := time.NewTicker(cc.config.HeartbeatInterval)
	defer heartbeat.Stop()
	monitor := time.NewTicker(cc.config.MonitorInterval)
	defer monitor.Stop()

	cc.emitHeartbeat(context.Background())
	for {
		select {
		case <-heartbeat.C:
			cc.emitHeartbeat(context.Background())
		case <-monitor.C:
			cc.CheckHealth()
		case <-cc.stop:
			return
		}
	}
}

func (cc *ClusterCoordinator) emitHeartbeat(ctx context.Context) {
	activeSessions, loadScore := cc.loadFn()

	cc.mu.Lock()
	if self, ok := cc.nodes[cc.config.ServerID]; ok {
		self.ActiveSessions = activeSessions
		self.LoadScore = loadScore
		self.LastHeartbeat = time.Now().UTC()
	}
	cc.mu.Unlock()

	msg := NewMessage(TypeHeartbeat, cc.config.ServerID, PriorityLow).WithPayload(map[string]interface{}{
		"host":            cc.config.Host,
		"port":            cc.config.Port,
		"active_sessions": activeSessions,
		"load_score":      loadScore,
	})
	if err := cc.pubsub.Publish(ctx, msg); err != nil {
		cc.logger.Warn("heartbeat publish failed", map[string]interface{}{"error": err.Error()})
	}
}

func (cc *ClusterCoordinator) handleHeartbeat(_ context.Context, msg *Message) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	node, ok := cc.nodes[msg.ServerID]
	if !ok {
		node = &ServerNode{ID: msg.ServerID}
		cc.nodes[msg.ServerID] = node
		cc.logger.Info("discovered cluster node", map[string]interface{}{"server_id": msg.ServerID})
	}
	node.Status = NodeOnline
	node.LastHeartbeat = time.Now().UTC()
	if host, ok := msg.Payload["host"].(string); ok {
		node.Host = host
	}
	if port, ok := msg.Payload["port"].(float64); ok {
		node.Port = int(port)
	}
	if n, ok := msg.Payload["active_sessions"].(float64); ok {
		node.ActiveSessions = int(n)
	}
	if score, ok := msg.Payload["load_score"].(float64); ok {
		node.LoadScore = score
	}
}

// AssignSession places a session on the node with the best composite score
// and selects replicas by consistent hash distance from the primary.
func (cc *ClusterCoordinator) AssignSession(sessionID string, expectedUsers int) (*SessionDistribution, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if dist, ok := cc.sessions[sessionID]; ok {
		dist.LastActivity = time.Now().UTC()
		return dist, nil
	}

	primary := cc.bestNodeLocked(expectedUsers, nil)
	if primary == "" {
		return nil, apperrors.New(apperrors.CodeInternal, "no online nodes available for placement", apperrors.ClassTransient)
	}

	ts := time.Now().UTC()
	dist := &SessionDistribution{
		SessionID:    sessionID,
		PrimaryID:    primary,
		Replicas:     cc.replicasLocked(primary),
		UserCount:    expectedUsers,
		CreatedAt:    ts,
		LastActivity: ts,
	}
	cc.sessions[sessionID] = dist
	if node, ok := cc.nodes[primary]; ok {
		node.ActiveSessions++
	}
	cc.metrics.IncrementCounter("coordination_sessions_assigned", 1)
	cc.logger.Info("session assigned", map[string]interface{}{
		"session_id": sessionID,
		"primary":    primary,
		"replicas":   dist.Replicas,
	})
	return dist, nil
}

// bestNodeLocked scores online nodes by current load, session saturation,
// and the expected size of the new session. Lower wins.
func (cc *ClusterCoordinator) bestNodeLocked(expectedUsers int, exclude map[string]bool) string {
	best := ""
	bestScore := 0.0
	for id, node := range cc.nodes {
		if node.Status != NodeOnline || exclude[id] {
			continue
		}
		ratio := float64(node.ActiveSessions) / float64(cc.config.MaxSessionsPerNode)
		score := node.LoadScore + ratio + float64(expectedUsers)*0.01
		if best == "" || score < bestScore || (score == bestScore && id < best) {
			best = id
			bestScore = score
		}
	}
	return best
}

// replicasLocked returns up to ReplicaCount nodes ordered by hash-ring
// distance from the primary.
func (cc *ClusterCoordinator) replicasLocked(primary string) []string {
	type ringEntry struct {
		id   string
		hash uint32
	}
	ring := make([]ringEntry, 0, len(cc.nodes))
	for id, node := range cc.nodes {
		if node.Status != NodeOnline {
			continue
		}
		ring = append(ring, ringEntry{id: id, hash: hashNode(id)})
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	start := -1
	for i, e := range ring {
		if e.id == primary {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}

	replicas := make([]string, 0, cc.config.ReplicaCount)
	for i := 1; i < len(ring) && len(replicas) < cc.config.ReplicaCount; i++ {
		replicas = append(replicas, ring[(start+i)%len(ring)].id)
	}
	return replicas
}

func hashNode(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}

// CheckHealth marks nodes offline after missed heartbeats and fails over
// their sessions. Returns the ids of nodes newly marked offline.
func (cc *ClusterCoordinator) CheckHealth() []string {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	var failed []string
	cutoff := time.Now().Add(-cc.config.NodeTimeout)
	for id, node := range cc.nodes {
		if id == cc.config.ServerID || node.Status != NodeOnline {
			continue
		}
		if node.LastHeartbeat.Before(cutoff) {
			node.Status = NodeOffline
			failed = append(failed, id)
			cc.logger.Warn("node marked offline after missed heartbeats", map[string]interface{}{
				"server_id":      id,
				"last_heartbeat": node.LastHeartbeat,
			})
		}
	}

	for _, id := range failed {
		cc.failoverLocked(id)
	}
	if len(failed) > 0 {
		cc.metrics.IncrementCounter("coordination_nodes_failed", float64(len(failed)))
	}
	return failed
}

// failoverLocked reassigns every session primaried on the failed node: the
// first online replica is promoted, or the session is re-placed fresh if no
// replica survives.
func (cc *ClusterCoordinator) failoverLocked(failedID string) {
	for _, dist := range cc.sessions {
		if dist.PrimaryID != failedID {
			continue
		}

		promoted := ""
		for _, replica := range dist.Replicas {
			if node, ok := cc.nodes[replica]; ok && node.Status == NodeOnline {
				promoted = replica
				break
			}
		}
		if promoted == "" {
			promoted = cc.bestNodeLocked(dist.UserCount, map[string]bool{failedID: true})
		}
		if promoted == "" {
			cc.logger.Error("no candidate for session failover", map[string]interface{}{
				"session_id": dist.SessionID,
			})
			continue
		}

		dist.PrimaryID = promoted
		dist.Replicas = cc.replicasLocked(promoted)
		dist.LastActivity = time.Now().UTC()
		cc.metrics.IncrementCounter("coordination_sessions_failed_over", 1)
		cc.logger.Info("session failed over", map[string]interface{}{
			"session_id":  dist.SessionID,
			"from":        failedID,
			"new_primary": promoted,
		})
	}
}

// Distribution returns the placement for a session, if assigned.
func (cc *ClusterCoordinator) Distribution(sessionID string) (SessionDistribution, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	dist, ok := cc.sessions[sessionID]
	if !ok {
		return SessionDistribution{}, false
	}
	return *dist, true
}

// ReleaseSession drops a session's placement after it terminates.
func (cc *ClusterCoordinator) ReleaseSession(sessionID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	dist, ok := cc.sessions[sessionID]
	if !ok {
		return
	}
	delete(cc.sessions, sessionID)
	if node, ok := cc.nodes[dist.PrimaryID]; ok && node.ActiveSessions > 0 {
		node.ActiveSessions--
	}
}

// Nodes returns a copy of the current node table.
func (cc *ClusterCoordinator) Nodes() []ServerNode {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	out := make([]ServerNode, 0, len(cc.nodes))
	for _, node := range cc.nodes {
		out = append(out, *node)
	}
	return out
}

// Node returns one node's registration.
func (cc *ClusterCoordinator) Node(serverID string) (ServerNode, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	node, ok := cc.nodes[serverID]
	if !ok {
		return ServerNode{}, false
	}
	return *node, true
}

// Stop halts the heartbeat and monitor loops.
func (cc *ClusterCoordinator) Stop() {
	select {
	case <-cc.stop:
	default:
		close(cc.stop)
	}
	cc.loopOnce.Do(func() { close(cc.done) })
	<-cc.done
}
