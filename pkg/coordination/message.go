package coordination

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// MessageType classifies cross-server coordination messages.
type MessageType string

const (
	TypeUserJoin         MessageType = "user_join"
	TypeUserLeave        MessageType = "user_leave"
	TypeUserActivity     MessageType = "user_activity"
	TypeOperation        MessageType = "operation"
	TypeConflict         MessageType = "conflict"
	TypeConflictResolved MessageType = "conflict_resolved"
	TypeSessionState     MessageType = "session_state"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeServerStatus     MessageType = "server_status"
)

// Priority orders message handling and selects the delivery guarantee. High
// and critical messages require delivery confirmation from a receiving
// server.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Message is the envelope for everything published between servers.
type Message struct {
	ID         uuid.UUID              `json:"id"`
	Type       MessageType            `json:"type"`
	SessionID  string                 `json:"session_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	ServerID   string                 `json:"server_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Priority   Priority               `json:"priority"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
}

// NewMessage builds an envelope originating from the given server.
func NewMessage(msgType MessageType, serverID string, priority Priority) *Message {
	return &Message{
		ID:         uuid.New(),
		Type:       msgType,
		ServerID:   serverID,
		Timestamp:  time.Now().UTC(),
		Priority:   priority,
		MaxRetries: defaultMaxRetries(priority),
	}
}

func defaultMaxRetries(p Priority) int {
	switch p {
	case PriorityCritical:
		return 5
	case PriorityHigh:
		return 3
	default:
		return 0
	}
}

// WithSession scopes the message to a session.
func (m *Message) WithSession(sessionID string) *Message {
	m.SessionID = sessionID
	return m
}

// WithUser scopes the message to a user.
func (m *Message) WithUser(userID string) *Message {
	m.UserID = userID
	return m
}

// WithPayload attaches the message body.
func (m *Message) WithPayload(payload map[string]interface{}) *Message {
	m.Payload = payload
	return m
}

// WithExpiry sets an absolute expiry after which the message is dropped
// instead of delivered or retried.
func (m *Message) WithExpiry(d time.Duration) *Message {
	t := time.Now().UTC().Add(d)
	m.ExpiresAt = &t
	return m
}

// Expired reports whether the message is past its expiry.
func (m *Message) Expired() bool {
	return m.ExpiresAt != nil && time.Now().After(*m.ExpiresAt)
}

// NeedsConfirmation reports whether delivery must be confirmed by a
// receiving server.
func (m *Message) NeedsConfirmation() bool {
	return m.Priority == PriorityHigh || m.Priority == PriorityCritical
}

// Validate checks the envelope before publishing.
func (m *Message) Validate() error {
	if m.Type == "" {
		return apperrors.NewValidation(apperrors.CodeInvalidMessage, "message type is required")
	}
	if m.ServerID == "" {
		return apperrors.NewValidation(apperrors.CodeInvalidMessage, "originating server id is required")
	}
	if m.Type != TypeServerStatus && m.Type != TypeHeartbeat && m.SessionID == "" && m.UserID == "" {
		return apperrors.NewValidation(apperrors.CodeInvalidMessage,
			"session or user scope is required for "+string(m.Type))
	}
	return nil
}

// Channel returns the broker channel the message routes to: server status
// and heartbeats go to the global channel, everything else to a session or
// user scoped channel.
func (m *Message) Channel() string {
	switch {
	case m.Type == TypeServerStatus || m.Type == TypeHeartbeat:
		return GlobalChannel
	case m.SessionID != "":
		return SessionChannel(m.SessionID)
	default:
		return UserChannel(m.UserID)
	}
}

const channelPrefix = "collab:channel:"

// GlobalChannel carries cluster-wide server status traffic.
const GlobalChannel = channelPrefix + "global"

// SessionChannel returns the channel for one session's traffic.
func SessionChannel(sessionID string) string {
	return channelPrefix + "session:" + sessionID
}

// UserChannel returns the channel for one user's direct traffic.
func UserChannel(userID string) string {
	return channelPrefix + "user:" + userID
}
