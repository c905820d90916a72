package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/auth"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/conflict"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/document"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/session"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/coordination"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// roleConnectionLimits caps simultaneous connections per user by role.
var roleConnectionLimits = map[session.Role]int{
	session.RoleOwner:        10,
	session.RoleEditor:       5,
	session.RoleCollaborator: 3,
	session.RoleViewer:       1,
}

// ServerConfig tunes the gateway's per-connection behavior.
type ServerConfig struct {
	SendBuffer      int
	MessageRate     float64
	MessageBurst    int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	LivenessTimeout time.Duration
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SendBuffer:      64,
		MessageRate:     20,
		MessageBurst:    40,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		LivenessTimeout: 90 * time.Second,
	}
}

type connClaims struct {
	userID   string
	username string
	tenantID string
	role     session.Role
}

// SessionPlacer records which cluster node owns each live session. Satisfied
// by coordination.ClusterCoordinator.
type SessionPlacer interface {
	AssignSession(sessionID string, expectedUsers int) (*coordination.SessionDistribution, error)
	ReleaseSession(sessionID string)
}

// Server is the WebSocket gateway. It authenticates clients, fans edits
// through the conflict pipeline into the document store, and relays
// presence and operations both to local connections and across servers.
type Server struct {
	config      ServerConfig
	verifier    *auth.Verifier
	sessions    *session.Manager
	docs        *document.Manager
	detector    *conflict.Detector
	resolver    *conflict.Resolver
	coordinator *coordination.PubSubCoordinator
	placer      SessionPlacer
	logger      observability.Logger
	metrics     observability.MetricsClient

	mu        sync.RWMutex
	conns     map[uuid.UUID]*Connection
	bySession map[string]map[uuid.UUID]*Connection
	byUser    map[string]int

	pendingMu        sync.Mutex
	pendingConflicts map[string]*conflict.Conflict

	// outbox decouples the reliable publish path, with its confirmation
	// waits and retries, from the connection read pumps. A single worker
	// drains it so cross-server message order matches local apply order.
	outbox    chan *coordination.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer wires the gateway and registers its cross-server handlers.
func NewServer(
	config ServerConfig,
	verifier *auth.Verifier,
	sessions *session.Manager,
	docs *document.Manager,
	detector *conflict.Detector,
	resolver *conflict.Resolver,
	coordinator *coordination.PubSubCoordinator,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Server {
	s := &Server{
		config:           config,
		verifier:         verifier,
		sessions:         sessions,
		docs:             docs,
		detector:         detector,
		resolver:         resolver,
		coordinator:      coordinator,
		logger:           logger.WithPrefix("gateway"),
		metrics:          metrics,
		conns:            make(map[uuid.UUID]*Connection),
		bySession:        make(map[string]map[uuid.UUID]*Connection),
		byUser:           make(map[string]int),
		pendingConflicts: make(map[string]*conflict.Conflict),
		outbox:           make(chan *coordination.Message, 256),
		done:             make(chan struct{}),
	}
	coordinator.RegisterHandler(coordination.TypeOperation, s.handleRemoteOperation)
	coordinator.RegisterHandler(coordination.TypeUserJoin, s.handleRemotePresence)
	coordinator.RegisterHandler(coordination.TypeUserLeave, s.handleRemotePresence)
	coordinator.RegisterHandler(coordination.TypeUserActivity, s.handleRemotePresence)
	coordinator.RegisterHandler(coordination.TypeConflict, s.handleRemoteConflict)
	coordinator.RegisterHandler(coordination.TypeConflictResolved, s.handleRemoteConflictResolved)
	go s.publishLoop()
	return s
}

// SetPlacer attaches the cluster coordinator's placement surface. It is wired
// after construction because the coordinator's load reporter reads gateway
// counters, so neither side can be built first with the other in hand.
func (s *Server) SetPlacer(p SessionPlacer) {
	s.placer = p
}

func (s *Server) publishLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbox:
			if err := s.coordinator.Publish(context.Background(), msg); err != nil {
				s.metrics.IncrementCounter("gateway_publish_failures", 1)
				s.logger.Error("cross-server publication failed", map[string]interface{}{
					"message_id": msg.ID.String(),
					"type":       string(msg.Type),
					"error":      err.Error(),
				})
			}
		}
	}
}

func (s *Server) enqueue(msg *coordination.Message) {
	select {
	case <-s.done:
	case s.outbox <- msg:
	default:
		s.metrics.IncrementCounter("gateway_outbox_dropped", 1)
		s.logger.Error("outbox full, dropping message", map[string]interface{}{
			"message_id": msg.ID.String(),
			"type":       string(msg.Type),
		})
	}
}

// Handle upgrades a client request on /ws/:tenant_id/:memory_id. The token
// comes from the query string because browsers cannot set headers on
// WebSocket upgrades.
func (s *Server) Handle(c *gin.Context) {
	tenantID := c.Param("tenant_id")
	memoryID := c.Param("memory_id")
	if tenantID == "" || memoryID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id and memory_id are required"})
		return
	}

	claims, err := s.verifier.Verify(c.Query("token"))
	if err != nil {
		s.metrics.IncrementCounter("gateway_auth_failures", 1)
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if claims.TenantID != tenantID {
		c.JSON(http.StatusForbidden, gin.H{"error": "token is not valid for this tenant"})
		return
	}
	role := session.Role(claims.Role)

	if !s.admitUser(claims.UserID, role) {
		s.metrics.IncrementCounter("gateway_connection_limit_rejections", 1)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "connection limit reached for role " + claims.Role})
		return
	}

	wsConn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.releaseUser(claims.UserID)
		s.logger.Warn("websocket accept failed", map[string]interface{}{"error": err.Error()})
		return
	}

	sessionID := tenantID + ":" + memoryID
	ctx := c.Request.Context()

	sess, presence, err := s.sessions.Join(ctx, sessionID, "memory", memoryID, claims.UserID, claims.Username, role)
	if err != nil {
		s.releaseUser(claims.UserID)
		_ = wsConn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	conn := newConnection(s, wsConn, connClaims{
		userID:   claims.UserID,
		username: claims.Username,
		tenantID: tenantID,
		role:     role,
	}, sessionID, memoryID)
	s.register(conn)

	if err := s.coordinator.JoinSession(sessionID); err != nil {
		s.logger.Warn("session channel subscription failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	}
	if s.placer != nil {
		if _, err := s.placer.AssignSession(sessionID, sess.ActiveUsers()); err != nil {
			s.logger.Warn("session placement failed", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
		}
	}

	s.metrics.IncrementCounter("gateway_connections_opened", 1)
	s.logger.Info("connection established", map[string]interface{}{
		"connection_id": conn.ID.String(),
		"user_id":       claims.UserID,
		"session_id":    sessionID,
		"role":          claims.Role,
	})

	go conn.writePump()

	s.sendSyncState(context.Background(), conn, sess)
	s.broadcastPresence(conn, sess, *presence, "joined")
	s.publishPresence(coordination.TypeUserJoin, conn, *presence)

	conn.readPump()
}

func (s *Server) admitUser(userID string, role session.Role) bool {
	limit, ok := roleConnectionLimits[role]
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byUser[userID] >= limit {
		return false
	}
	s.byUser[userID]++
	return true
}

func (s *Server) releaseUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byUser[userID] > 1 {
		s.byUser[userID]--
	} else {
		delete(s.byUser, userID)
	}
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
	if s.bySession[conn.SessionID] == nil {
		s.bySession[conn.SessionID] = make(map[uuid.UUID]*Connection)
	}
	s.bySession[conn.SessionID][conn.ID] = conn
}

// dropConnection tears down one connection. Safe to call from both pumps;
// only the first call does the work.
func (s *Server) dropConnection(conn *Connection, reason string) {
	s.mu.Lock()
	if _, ok := s.conns[conn.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn.ID)
	delete(s.bySession[conn.SessionID], conn.ID)
	sessionEmpty := len(s.bySession[conn.SessionID]) == 0
	if sessionEmpty {
		delete(s.bySession, conn.SessionID)
	}
	userConnsLeft := false
	for _, other := range s.conns {
		if other.UserID == conn.UserID && other.SessionID == conn.SessionID {
			userConnsLeft = true
			break
		}
	}
	s.mu.Unlock()

	s.releaseUser(conn.UserID)
	conn.close(websocket.StatusNormalClosure, reason)

	ctx := context.Background()
	if !userConnsLeft {
		if sess, ok := s.sessions.Get(conn.SessionID); ok {
			if presence, found := sess.Presence(conn.UserID); found {
				s.sessions.Leave(ctx, conn.SessionID, conn.UserID)
				presence.IsActive = false
				s.broadcastPresence(conn, sess, presence, "left")
				s.publishPresence(coordination.TypeUserLeave, conn, presence)
			}
		}
	}
	if sessionEmpty {
		s.coordinator.LeaveSession(conn.SessionID)
	}

	s.metrics.IncrementCounter("gateway_connections_closed", 1)
	s.logger.Debug("connection closed", map[string]interface{}{
		"connection_id": conn.ID.String(),
		"user_id":       conn.UserID,
		"reason":        reason,
	})
}

func (s *Server) handleMessage(ctx context.Context, conn *Connection, msg *WireMessage) {
	switch msg.Type {
	case MsgEditOperation:
		s.handleEdit(ctx, conn, msg.Data)
	case MsgCursorUpdate:
		s.handleCursor(ctx, conn, msg.Data)
	case MsgPresenceUpdate:
		s.handlePresence(ctx, conn, msg.Data)
	case MsgConflictResolution:
		s.handleConflictResolution(ctx, conn, msg.Data)
	case MsgSyncRequest:
		s.handleSyncRequest(ctx, conn)
	default:
		conn.sendError(apperrors.CodeInvalidMessage, "unknown message type "+msg.Type, false)
	}
}

// handleEdit runs one edit through the full pipeline: validate, detect
// conflicts against other users' in-flight operations, resolve, apply to
// the document, then acknowledge and fan out.
func (s *Server) handleEdit(ctx context.Context, conn *Connection, data json.RawMessage) {
	if conn.Role == session.RoleViewer {
		conn.sendError(apperrors.CodePermissionDenied, "viewers cannot edit", false)
		return
	}

	var d EditOperationData
	if err := json.Unmarshal(data, &d); err != nil {
		conn.sendError(apperrors.CodeInvalidMessage, "malformed edit payload", false)
		return
	}

	sess, ok := s.sessions.Get(conn.SessionID)
	if !ok {
		conn.sendError(apperrors.CodeSessionCorrupted, "session no longer exists", false)
		return
	}
	doc, err := s.docs.Get(ctx, conn.TenantID, conn.DocID)
	if err != nil {
		conn.sendError(apperrors.CodeTransportFailure, "document unavailable", true)
		return
	}

	op := ot.New(ot.Kind(d.Kind), ot.Target(d.Target), d.Position, d.Length, d.Content, conn.UserID, conn.SessionID)
	op.Attributes = d.Attributes
	op.Sequence = d.Sequence
	if op.Sequence == 0 {
		op.Sequence = doc.NextSequence(conn.UserID)
	}
	if err := op.Validate(); err != nil {
		conn.sendError(apperrors.CodeValidationFailed, err.Error(), false)
		return
	}

	// Registered before resolution and apply so concurrent edits from other
	// users see this one as in flight. Committed only once the document
	// accepted it, discarded on any other outcome.
	sess.RegisterOperation(op)

	if !s.resolveAgainstPending(conn, sess, &op) {
		sess.DiscardOperation(op.ID)
		return
	}

	// Apply pins the operation's placement, the broadcast and publish below
	// carry it so every replica holds the same rendition.
	result, err := s.docs.Apply(ctx, conn.TenantID, conn.DocID, &op)
	if err != nil {
		sess.DiscardOperation(op.ID)
		s.sendApplyError(conn, err)
		return
	}

	if err := sess.CommitOperation(op.ID); err != nil {
		s.logger.Warn("commit of applied operation failed", map[string]interface{}{
			"operation_id": op.ID.String(),
			"error":        err.Error(),
		})
	}
	s.metrics.IncrementCounter("gateway_operations_applied", 1)

	conn.sendPayload(MsgOperationApplied, OperationAppliedData{
		OperationID: op.ID.String(),
		Version:     result.Version,
		Sequence:    op.Sequence,
		AppliedAt:   result.AppliedAt,
	})
	s.broadcastOperation(conn.SessionID, conn.ID, op, result.Version)
	s.publishOperation(conn, op, result.Version)
}

// resolveAgainstPending checks the incoming operation against other users'
// uncommitted operations. Returns false when the edit must not proceed,
// either because it lost the resolution or because a user has to decide.
func (s *Server) resolveAgainstPending(conn *Connection, sess *session.Session, op *ot.Operation) bool {
	for _, pending := range sess.PendingOperations() {
		if pending.AuthorID == conn.UserID {
			continue
		}
		conf := s.detector.Detect(conn.SessionID, pending, *op)
		if conf == nil {
			continue
		}

		sess.TrackConflict(conf.ID)
		s.broadcastConflict(conn.SessionID, conf)
		s.publishConflict(conn, conf)

		res, err := s.resolver.Resolve(conf, conflict.Context{
			SessionID:  conn.SessionID,
			DocumentID: conn.DocID,
		}, "")
		if err != nil {
			conn.sendError(apperrors.CodeConflictDetected, "conflict resolution failed: "+err.Error(), true)
			return false
		}
		if res.RequiresUser {
			s.pendingMu.Lock()
			s.pendingConflicts[conf.ID.String()] = conf
			s.pendingMu.Unlock()
			return false
		}

		sess.ResolveConflict(conf.ID)
		s.broadcastResolution(conn.SessionID, res)
		s.publishResolution(conn, res)

		survived := false
		for _, resolved := range res.ResolvedOps {
			if resolved.ID == op.ID && resolved.Kind != ot.KindRetain {
				*op = resolved
				survived = true
				break
			}
		}
		if !survived {
			// A merged resolution folds both sides into one fresh operation,
			// but the pending side is applied by its own handler. Only the
			// incoming author's share is applied here, placed after the
			// pending content when that content sorts first.
			for _, resolved := range res.ResolvedOps {
				if resolved.ID == pending.ID || resolved.Kind == ot.KindRetain {
					continue
				}
				if pending.Position <= op.Position {
					op.Position = resolved.Position + len([]rune(pending.Content))
				} else {
					op.Position = resolved.Position
				}
				survived = true
				break
			}
		}
		if !survived {
			return false
		}
	}
	return true
}

func (s *Server) sendApplyError(conn *Connection, err error) {
	var classified *apperrors.ClassifiedError
	if errors.As(err, &classified) {
		retry := classified.Code == apperrors.CodeRateLimited || classified.Code == apperrors.CodeConflictDetected
		conn.sendError(classified.Code, classified.Message, retry)
		return
	}
	conn.sendError(apperrors.CodeInternal, err.Error(), false)
}

func (s *Server) handleCursor(_ context.Context, conn *Connection, data json.RawMessage) {
	var d CursorUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		conn.sendError(apperrors.CodeInvalidMessage, "malformed cursor payload", false)
		return
	}
	sess, ok := s.sessions.Get(conn.SessionID)
	if !ok {
		return
	}

	activity := session.ActivityTyping
	if d.SelectionStart != d.SelectionEnd {
		activity = session.ActivitySelecting
	}
	presence, err := sess.UpdateActivity(conn.UserID, activity,
		session.CursorPosition{Position: d.Position, Line: d.Line, Column: d.Column},
		session.SelectionRange{Start: d.SelectionStart, End: d.SelectionEnd})
	if err != nil {
		conn.sendError(apperrors.CodeValidationFailed, err.Error(), false)
		return
	}

	s.broadcastToSession(conn.SessionID, conn.ID, MsgCursorBroadcast, CursorBroadcastData{
		UserID:    conn.UserID,
		Username:  conn.Username,
		Cursor:    presence.Cursor,
		Selection: presence.Selection,
		Color:     presence.Color,
	})
	s.publishPresence(coordination.TypeUserActivity, conn, *presence)
}

func (s *Server) handlePresence(_ context.Context, conn *Connection, data json.RawMessage) {
	var d PresenceUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		conn.sendError(apperrors.CodeInvalidMessage, "malformed presence payload", false)
		return
	}
	sess, ok := s.sessions.Get(conn.SessionID)
	if !ok {
		return
	}

	current, found := sess.Presence(conn.UserID)
	if !found {
		conn.sendError(apperrors.CodeSessionCorrupted, "no presence record for user", false)
		return
	}
	presence, err := sess.UpdateActivity(conn.UserID, session.ActivityKind(d.Activity), current.Cursor, current.Selection)
	if err != nil {
		conn.sendError(apperrors.CodeValidationFailed, err.Error(), false)
		return
	}

	s.broadcastPresence(conn, sess, *presence, "updated")
	s.publishPresence(coordination.TypeUserActivity, conn, *presence)
}

// handleConflictResolution applies a user's verdict on a conflict that was
// parked for manual review.
func (s *Server) handleConflictResolution(_ context.Context, conn *Connection, data json.RawMessage) {
	var d ConflictResolutionData
	if err := json.Unmarshal(data, &d); err != nil {
		conn.sendError(apperrors.CodeInvalidMessage, "malformed resolution payload", false)
		return
	}

	s.pendingMu.Lock()
	conf, ok := s.pendingConflicts[d.ConflictID]
	if ok {
		delete(s.pendingConflicts, d.ConflictID)
	}
	s.pendingMu.Unlock()
	if !ok {
		conn.sendError(apperrors.CodeValidationFailed, "no pending conflict "+d.ConflictID, false)
		return
	}

	strategy := conflict.Strategy(d.Strategy)
	if strategy == conflict.StrategyManualReview {
		conn.sendError(apperrors.CodeValidationFailed, "manual review cannot resolve itself", false)
		return
	}
	res, err := s.resolver.Resolve(conf, conflict.Context{
		SessionID:  conn.SessionID,
		DocumentID: conn.DocID,
	}, strategy)
	if err != nil {
		s.pendingMu.Lock()
		s.pendingConflicts[d.ConflictID] = conf
		s.pendingMu.Unlock()
		conn.sendError(apperrors.CodeConflictDetected, err.Error(), true)
		return
	}

	if sess, found := s.sessions.Get(conn.SessionID); found {
		sess.ResolveConflict(conf.ID)
	}
	s.broadcastResolution(conn.SessionID, res)
	s.publishResolution(conn, res)
}

func (s *Server) handleSyncRequest(ctx context.Context, conn *Connection) {
	sess, ok := s.sessions.Get(conn.SessionID)
	if !ok {
		conn.sendError(apperrors.CodeSessionCorrupted, "session no longer exists", false)
		return
	}
	s.sendSyncState(ctx, conn, sess)
}

func (s *Server) sendSyncState(ctx context.Context, conn *Connection, sess *session.Session) {
	doc, err := s.docs.Get(ctx, conn.TenantID, conn.DocID)
	if err != nil {
		conn.sendError(apperrors.CodeTransportFailure, "document unavailable", true)
		return
	}
	conn.sendPayload(MsgSyncState, SyncStateData{
		DocumentID:   conn.DocID,
		Content:      doc.Content(),
		Title:        doc.Title(),
		Metadata:     doc.Metadata(),
		Tags:         doc.Tags(),
		Version:      doc.Version(),
		NextSequence: doc.NextSequence(conn.UserID),
		Presences:    sess.Presences(),
		SessionState: string(sess.State()),
	})
}

// Local fan-out helpers. excludeID skips the originating connection; pass
// uuid.Nil to reach everyone in the session.

func (s *Server) broadcastToSession(sessionID string, excludeID uuid.UUID, msgType string, payload interface{}) {
	frame, err := NewWireMessage(msgType, payload)
	if err != nil {
		s.logger.Error("failed encoding broadcast", map[string]interface{}{
			"type":  msgType,
			"error": err.Error(),
		})
		return
	}

	s.mu.RLock()
	targets := make([]*Connection, 0, len(s.bySession[sessionID]))
	for _, conn := range s.bySession[sessionID] {
		if conn.ID != excludeID {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if !conn.Send(frame) {
			s.dropConnection(conn, "send buffer full")
		}
	}
}

func (s *Server) broadcastOperation(sessionID string, excludeID uuid.UUID, op ot.Operation, version uint64) {
	s.broadcastToSession(sessionID, excludeID, MsgOperationBroadcast, OperationBroadcastData{
		OperationID: op.ID.String(),
		AuthorID:    op.AuthorID,
		Kind:        string(op.Kind),
		Target:      string(op.Target),
		Position:    op.Position,
		Length:      op.Length,
		Content:     op.Content,
		Attributes:  op.Attributes,
		Version:     version,
	})
}

func (s *Server) broadcastPresence(conn *Connection, sess *session.Session, presence session.UserPresence, event string) {
	s.broadcastToSession(conn.SessionID, conn.ID, MsgPresenceBroadcast, PresenceBroadcastData{
		Event:    event,
		Presence: presence,
		Active:   sess.Presences(),
	})
}

func (s *Server) broadcastConflict(sessionID string, conf *conflict.Conflict) {
	s.broadcastToSession(sessionID, uuid.Nil, MsgConflictDetected, ConflictDetectedData{
		ConflictID:  conf.ID.String(),
		Category:    string(conf.Category),
		Severity:    string(conf.Severity),
		Description: conf.Description,
		LocalAuthor: conf.LocalOp.AuthorID,
		OtherAuthor: conf.RemoteOp.AuthorID,
	})
}

func (s *Server) broadcastResolution(sessionID string, res conflict.Resolution) {
	s.broadcastToSession(sessionID, uuid.Nil, MsgConflictResolved, ConflictResolvedData{
		ConflictID:   res.ConflictID.String(),
		Strategy:     string(res.Strategy),
		WinnerID:     res.WinnerID,
		Confidence:   res.Confidence,
		RequiresUser: res.RequiresUser,
		Explanation:  res.Explanation,
	})
}

// Cross-server publication. Everything goes through the outbox; operations
// and conflict outcomes ride the reliable high-priority path, presence is
// fire-and-forget.

func (s *Server) publishOperation(conn *Connection, op ot.Operation, version uint64) {
	payload := map[string]interface{}{
		"operation":   toPayload(op),
		"version":     version,
		"tenant_id":   conn.TenantID,
		"document_id": conn.DocID,
	}
	s.enqueue(coordination.NewMessage(coordination.TypeOperation, s.coordinator.ServerID(), coordination.PriorityHigh).
		WithSession(conn.SessionID).
		WithPayload(payload))
}

func (s *Server) publishPresence(msgType coordination.MessageType, conn *Connection, presence session.UserPresence) {
	s.enqueue(coordination.NewMessage(msgType, s.coordinator.ServerID(), coordination.PriorityNormal).
		WithSession(conn.SessionID).
		WithUser(conn.UserID).
		WithPayload(map[string]interface{}{"presence": toPayload(presence)}))
}

func (s *Server) publishConflict(conn *Connection, conf *conflict.Conflict) {
	s.enqueue(coordination.NewMessage(coordination.TypeConflict, s.coordinator.ServerID(), coordination.PriorityHigh).
		WithSession(conn.SessionID).
		WithPayload(map[string]interface{}{"conflict": toPayload(conf)}))
}

func (s *Server) publishResolution(conn *Connection, res conflict.Resolution) {
	s.enqueue(coordination.NewMessage(coordination.TypeConflictResolved, s.coordinator.ServerID(), coordination.PriorityHigh).
		WithSession(conn.SessionID).
		WithPayload(map[string]interface{}{"resolution": toPayload(res)}))
}

// Remote handlers replay other servers' traffic to local connections.

func (s *Server) handleRemoteOperation(ctx context.Context, msg *coordination.Message) {
	var op ot.Operation
	if err := fromPayload(msg.Payload["operation"], &op); err != nil {
		s.logger.Warn("undecodable remote operation", map[string]interface{}{"error": err.Error()})
		return
	}
	tenantID, _ := msg.Payload["tenant_id"].(string)
	docID, _ := msg.Payload["document_id"].(string)
	if tenantID == "" || docID == "" {
		return
	}

	result, err := s.docs.Apply(ctx, tenantID, docID, &op)
	if err != nil {
		s.logger.Warn("remote operation rejected by local replica", map[string]interface{}{
			"operation_id": op.ID.String(),
			"error":        err.Error(),
		})
		return
	}
	if sess, ok := s.sessions.Get(msg.SessionID); ok {
		sess.RegisterOperation(op)
		_ = sess.CommitOperation(op.ID)
	}
	s.broadcastOperation(msg.SessionID, uuid.Nil, op, result.Version)
}

func (s *Server) handleRemotePresence(_ context.Context, msg *coordination.Message) {
	var presence session.UserPresence
	if err := fromPayload(msg.Payload["presence"], &presence); err != nil {
		return
	}
	event := "updated"
	switch msg.Type {
	case coordination.TypeUserJoin:
		event = "joined"
	case coordination.TypeUserLeave:
		event = "left"
	}
	s.broadcastToSession(msg.SessionID, uuid.Nil, MsgPresenceBroadcast, PresenceBroadcastData{
		Event:    event,
		Presence: presence,
	})
}

func (s *Server) handleRemoteConflict(_ context.Context, msg *coordination.Message) {
	var conf conflict.Conflict
	if err := fromPayload(msg.Payload["conflict"], &conf); err != nil {
		return
	}
	s.broadcastConflict(msg.SessionID, &conf)
}

func (s *Server) handleRemoteConflictResolved(_ context.Context, msg *coordination.Message) {
	var res conflict.Resolution
	if err := fromPayload(msg.Payload["resolution"], &res); err != nil {
		return
	}
	s.broadcastResolution(msg.SessionID, res)
}

// ConnectionCount reports open connections, for health reporting.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// SessionCount reports sessions with at least one local connection.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

// Close stops the publish worker and drops every open connection.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.dropConnection(conn, "server shutting down")
	}
}

// toPayload converts a typed value into the generic map form coordination
// messages carry, via JSON.
func toPayload(v interface{}) map[string]interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func fromPayload(raw interface{}, dst interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
