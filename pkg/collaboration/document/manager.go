package document

import (
	"context"
	"sync"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/cache"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// ManagerConfig holds document manager tuning.
type ManagerConfig struct {
	NodeID        string        // identity of this server in CRDT merges
	OpsPerMinute  int           // per-user operation budget
	FlushInterval time.Duration // how often dirty documents are persisted
	SnapshotTTL   time.Duration // cache lifetime of persisted snapshots
}

// DefaultManagerConfig returns sensible defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NodeID:        "server-1",
		OpsPerMinute:  10,
		FlushInterval: 30 * time.Second,
		SnapshotTTL:   24 * time.Hour,
	}
}

// Manager owns the in-memory working set of collaborative documents. It
// loads snapshots from the cache on first access, applies operations under a
// per-user rate limit, and periodically flushes dirty documents back.
type Manager struct {
	mu      sync.RWMutex
	docs    map[string]*Document
	cache   cache.Cache
	config  ManagerConfig
	limiter *opLimiter
	logger  observability.Logger
	metrics observability.MetricsClient

	flushOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewManager creates a document manager backed by the given cache.
func NewManager(c cache.Cache, config ManagerConfig, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if config.OpsPerMinute <= 0 {
		config.OpsPerMinute = DefaultManagerConfig().OpsPerMinute
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultManagerConfig().FlushInterval
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = DefaultManagerConfig().SnapshotTTL
	}
	return &Manager{
		docs:    make(map[string]*Document),
		cache:   c,
		config:  config,
		limiter: newOpLimiter(config.OpsPerMinute, time.Minute),
		logger:  logger.WithPrefix("document.manager"),
		metrics: metrics,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Safe to call once.
func (m *Manager) Start() {
	m.flushOnce.Do(func() {
		go m.flushLoop()
	})
}

func (m *Manager) flushLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.FlushDirty(context.Background())
		case <-m.stop:
			return
		}
	}
}

// Get returns the document, loading it from the cache or creating it empty.
func (m *Manager) Get(ctx context.Context, tenantID, docID string) (*Document, error) {
	m.mu.RLock()
	doc, ok := m.docs[docID]
	m.mu.RUnlock()
	if ok {
		return doc, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[docID]; ok {
		return doc, nil
	}

	var snap Snapshot
	err := m.cache.Get(ctx, snapshotKey(docID), &snap)
	switch {
	case err == nil:
		doc = Restore(snap, crdt.NodeID(m.config.NodeID))
		m.logger.Debug("document restored from cache", map[string]interface{}{
			"document_id": docID,
			"version":     doc.Version(),
		})
	case err == cache.ErrNotFound:
		doc = NewDocument(docID, tenantID, crdt.NodeID(m.config.NodeID))
		m.logger.Info("document created", map[string]interface{}{
			"document_id": docID,
			"tenant_id":   tenantID,
		})
	default:
		return nil, apperrors.NewTransport("loading document snapshot", err)
	}

	m.docs[docID] = doc
	m.metrics.RecordGauge("collaboration_documents_loaded", float64(len(m.docs)), nil)
	return doc, nil
}

// Apply runs one operation against a document under the per-user rate limit.
// First application pins text operations with a placement, see Document.Apply.
func (m *Manager) Apply(ctx context.Context, tenantID, docID string, op *ot.Operation) (*ApplyResult, error) {
	if !m.limiter.allow(op.AuthorID) {
		m.metrics.IncrementCounter("collaboration_operations_rate_limited", 1)
		return nil, apperrors.NewRateLimit("operation rate limit exceeded", m.limiter.retryAfter(op.AuthorID))
	}

	doc, err := m.Get(ctx, tenantID, docID)
	if err != nil {
		return nil, err
	}

	result, err := doc.Apply(op)
	if err != nil {
		m.metrics.IncrementCounter("collaboration_operations_rejected", 1)
		return nil, err
	}
	m.metrics.IncrementCounter("collaboration_operations_applied", 1)
	return result, nil
}

// FlushDirty persists every document that changed since its last snapshot.
func (m *Manager) FlushDirty(ctx context.Context) {
	m.mu.RLock()
	dirty := make([]*Document, 0, len(m.docs))
	for _, doc := range m.docs {
		if doc.Dirty() {
			dirty = append(dirty, doc)
		}
	}
	m.mu.RUnlock()

	for _, doc := range dirty {
		snap := doc.Snapshot()
		if err := m.cache.Set(ctx, snapshotKey(doc.ID), snap, m.config.SnapshotTTL); err != nil {
			m.logger.Warn("document flush failed", map[string]interface{}{
				"document_id": doc.ID,
				"error":       err.Error(),
			})
			continue
		}
		m.metrics.IncrementCounter("collaboration_documents_flushed", 1)
	}
}

// Evict flushes a document and drops it from the working set.
func (m *Manager) Evict(ctx context.Context, docID string) error {
	m.mu.Lock()
	doc, ok := m.docs[docID]
	delete(m.docs, docID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	snap := doc.Snapshot()
	return m.cache.Set(ctx, snapshotKey(docID), snap, m.config.SnapshotTTL)
}

// Close stops the flush loop and performs a final flush of every document.
func (m *Manager) Close(ctx context.Context) error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.flushOnce.Do(func() { close(m.done) })
	<-m.done

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.docs {
		snap := doc.Snapshot()
		if err := m.cache.Set(ctx, snapshotKey(doc.ID), snap, m.config.SnapshotTTL); err != nil {
			return apperrors.NewTransport("final document flush", err)
		}
	}
	return nil
}

func snapshotKey(docID string) string {
	return "collab:document:" + docID
}

// opLimiter is a sliding window counter per user. Entries are pruned on each
// check so idle users cost nothing after one window.
type opLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	history map[string][]time.Time
}

func newOpLimiter(limit int, window time.Duration) *opLimiter {
	return &opLimiter{
		window:  window,
		limit:   limit,
		history: make(map[string][]time.Time),
	}
}

func (l *opLimiter) allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.window)
	kept := l.history[userID][:0]
	for _, ts := range l.history[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.limit {
		l.history[userID] = kept
		return false
	}
	l.history[userID] = append(kept, time.Now())
	return true
}

// retryAfter reports how long until the oldest recorded operation leaves the
// window.
func (l *opLimiter) retryAfter(userID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	hist := l.history[userID]
	if len(hist) == 0 {
		return 0
	}
	wait := time.Until(hist[0].Add(l.window))
	if wait < 0 {
		return 0
	}
	return wait
}
