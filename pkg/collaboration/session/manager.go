package session

import (
	"context"
	"sync"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/cache"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/crdt"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// ManagerConfig holds session manager tuning.
type ManagerConfig struct {
	NodeID        string
	IdleTimeout   time.Duration // idle sessions older than this are terminated
	SweepInterval time.Duration // how often the idle sweep runs
	SnapshotTTL   time.Duration // cache lifetime of persisted sessions
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NodeID:        "server-1",
		IdleTimeout:   time.Hour,
		SweepInterval: 5 * time.Minute,
		SnapshotTTL:   24 * time.Hour,
	}
}

// Manager owns the live sessions on this server. Sessions are created when
// the first user joins a resource, persisted to the cache on change, and
// terminated by the idle sweep once abandoned.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cache    cache.Cache
	config   ManagerConfig
	logger   observability.Logger
	metrics  observability.MetricsClient

	sweepOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	onTerminate func(sessionID string)
}

// NewManager creates a session manager backed by the given cache.
func NewManager(c cache.Cache, config ManagerConfig, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	defaults := DefaultManagerConfig()
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = defaults.SnapshotTTL
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cache:    c,
		config:   config,
		logger:   logger.WithPrefix("session.manager"),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// OnTerminate registers a hook invoked after a session ends, whether by an
// explicit Terminate or the idle sweep. Used to release cluster placement.
func (m *Manager) OnTerminate(fn func(sessionID string)) {
	m.onTerminate = fn
}

// Start launches the idle sweep loop. Safe to call once.
func (m *Manager) Start() {
	m.sweepOnce.Do(func() {
		go m.sweepLoop()
	})
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SweepIdle(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Join gets or creates the session for a resource and adds the user to it.
func (m *Manager) Join(ctx context.Context, sessionID, resourceType, resourceID, userID, username string, role Role) (*Session, *UserPresence, error) {
	sess, err := m.getOrCreate(ctx, sessionID, resourceType, resourceID)
	if err != nil {
		return nil, nil, err
	}

	presence, err := sess.AddUser(userID, username, role)
	if err != nil {
		return nil, nil, err
	}

	m.persist(ctx, sess)
	m.metrics.IncrementCounter("collaboration_session_joins", 1)
	m.logger.Info("user joined session", map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"role":       role,
		"state":      sess.State(),
	})
	return sess, presence, nil
}

// Leave marks the user inactive in the session. Unknown sessions are a no-op
// so duplicate leave messages stay harmless.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sess.RemoveUser(userID)
	m.persist(ctx, sess)
	m.metrics.IncrementCounter("collaboration_session_leaves", 1)
	m.logger.Info("user left session", map[string]interface{}{
		"session_id": sessionID,
		"user_id":    userID,
		"state":      sess.State(),
	})
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Terminate explicitly ends a session, persists its final state, and drops
// it from memory. The cached copy is deleted since the session is gone.
func (m *Manager) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown session: "+sessionID)
	}

	sess.Terminate()
	m.persist(ctx, sess)
	if err := m.cache.Delete(ctx, sessionKey(sessionID)); err != nil {
		m.logger.Warn("failed deleting terminated session from cache", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	m.metrics.IncrementCounter("collaboration_sessions_terminated", 1)
	m.logger.Info("session terminated", map[string]interface{}{"session_id": sessionID})
	if m.onTerminate != nil {
		m.onTerminate(sessionID)
	}
	return nil
}

// SweepIdle terminates sessions with zero active users that have been
// untouched longer than the idle timeout.
func (m *Manager) SweepIdle(ctx context.Context) int {
	m.mu.RLock()
	stale := make([]string, 0)
	for id, sess := range m.sessions {
		if sess.ActiveUsers() == 0 && time.Since(sess.LastUpdated()) > m.config.IdleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.Terminate(ctx, id); err == nil {
			m.logger.Info("idle session swept", map[string]interface{}{"session_id": id})
		}
	}
	if len(stale) > 0 {
		m.metrics.IncrementCounter("collaboration_sessions_swept", float64(len(stale)))
	}
	return len(stale)
}

// Close stops the sweep loop and persists every live session.
func (m *Manager) Close(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.sweepOnce.Do(func() { close(m.done) })
	<-m.done

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sess := range m.sessions {
		if err := m.cache.Set(ctx, sessionKey(sess.ID), sess.Snapshot(), m.config.SnapshotTTL); err != nil {
			return apperrors.NewTransport("final session flush", err)
		}
	}
	return nil
}

func (m *Manager) getOrCreate(ctx context.Context, sessionID, resourceType, resourceID string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return sess, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		return sess, nil
	}

	var snap Snapshot
	err := m.cache.Get(ctx, sessionKey(sessionID), &snap)
	switch {
	case err == nil && snap.State != StateTerminated:
		sess = Restore(snap, crdt.NodeID(m.config.NodeID))
	case err == nil || err == cache.ErrNotFound:
		sess = New(sessionID, resourceType, resourceID, crdt.NodeID(m.config.NodeID))
		m.logger.Info("session created", map[string]interface{}{
			"session_id":    sessionID,
			"resource_type": resourceType,
			"resource_id":   resourceID,
		})
	default:
		return nil, apperrors.NewTransport("loading session snapshot", err)
	}

	m.sessions[sessionID] = sess
	m.metrics.RecordGauge("collaboration_sessions_live", float64(len(m.sessions)), nil)
	return sess, nil
}

func (m *Manager) persist(ctx context.Context, sess *Session) {
	if err := m.cache.Set(ctx, sessionKey(sess.ID), sess.Snapshot(), m.config.SnapshotTTL); err != nil {
		m.logger.Warn("session persist failed", map[string]interface{}{
			"session_id": sess.ID,
			"error":      err.Error(),
		})
	}
}

func sessionKey(sessionID string) string {
	return "collab:session:" + sessionID
}
