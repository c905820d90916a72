package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/session"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// Connection is one client's WebSocket attachment to a session. Writes go
// through the buffered send channel so slow clients never block the edit
// pipeline; a full buffer drops that client's connection.
type Connection struct {
	ID        uuid.UUID
	UserID    string
	Username  string
	TenantID  string
	Role      session.Role
	SessionID string
	DocID     string

	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	limiter *rate.Limiter

	mu       sync.Mutex
	lastPing time.Time
	closed   bool
}

func newConnection(server *Server, conn *websocket.Conn, claims connClaims, sessionID, docID string) *Connection {
	return &Connection{
		ID:        uuid.New(),
		UserID:    claims.userID,
		Username:  claims.username,
		TenantID:  claims.tenantID,
		Role:      claims.role,
		SessionID: sessionID,
		DocID:     docID,
		conn:      conn,
		send:      make(chan []byte, server.config.SendBuffer),
		server:    server,
		limiter:   rate.NewLimiter(rate.Limit(server.config.MessageRate), server.config.MessageBurst),
		lastPing:  time.Now(),
	}
}

// Send queues a frame for delivery. Returns false when the client's buffer
// is full, which the caller should treat as a dead connection.
func (c *Connection) Send(frame []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Connection) sendPayload(msgType string, payload interface{}) {
	frame, err := NewWireMessage(msgType, payload)
	if err != nil {
		c.server.logger.Error("failed encoding frame", map[string]interface{}{
			"type":  msgType,
			"error": err.Error(),
		})
		return
	}
	if !c.Send(frame) {
		c.server.dropConnection(c, "send buffer full")
	}
}

func (c *Connection) sendError(code, message string, retry bool) {
	c.sendPayload(MsgError, ErrorData{Code: code, Message: message, Retry: retry})
}

// readPump reads frames until the connection dies, dispatching each through
// the server's message pipeline.
func (c *Connection) readPump() {
	defer c.server.dropConnection(c, "read loop exited")

	ctx := context.Background()
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				websocket.CloseStatus(err) != websocket.StatusGoingAway {
				c.server.logger.Debug("read error", map[string]interface{}{
					"connection_id": c.ID.String(),
					"error":         err.Error(),
				})
			}
			return
		}
		if msgType != websocket.MessageText {
			c.sendError(apperrors.CodeInvalidMessage, "only text frames are supported", false)
			continue
		}

		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()

		if !c.limiter.Allow() {
			c.server.metrics.IncrementCounter("gateway_messages_rate_limited", 1)
			c.sendError(apperrors.CodeRateLimited, "message rate limit exceeded", true)
			continue
		}

		var msg WireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(apperrors.CodeInvalidMessage, "malformed message envelope", false)
			continue
		}
		c.server.handleMessage(ctx, c, &msg)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with pings. A failed write or an overdue client closes the
// connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.server.dropConnection(c, "write loop exited")
	}()

	ctx := context.Background()
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, c.server.config.WriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.server.logger.Debug("write error", map[string]interface{}{
					"connection_id": c.ID.String(),
					"error":         err.Error(),
				})
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPing) > c.server.config.LivenessTimeout
			c.mu.Unlock()
			if stale {
				c.server.logger.Info("closing unresponsive connection", map[string]interface{}{
					"connection_id": c.ID.String(),
					"user_id":       c.UserID,
				})
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, c.server.config.WriteTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *Connection) close(status websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close(status, reason)
}
