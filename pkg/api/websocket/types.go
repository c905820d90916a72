package websocket

import (
	"encoding/json"
	"time"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/session"
)

// Client to server message types.
const (
	MsgEditOperation      = "edit_operation"
	MsgCursorUpdate       = "cursor_update"
	MsgPresenceUpdate     = "presence_update"
	MsgConflictResolution = "conflict_resolution"
	MsgSyncRequest        = "sync_request"
)

// Server to client message types.
const (
	MsgOperationApplied   = "operation_applied"
	MsgOperationBroadcast = "operation_broadcast"
	MsgCursorBroadcast    = "cursor_broadcast"
	MsgPresenceBroadcast  = "presence_broadcast"
	MsgConflictDetected   = "conflict_detected"
	MsgConflictResolved   = "conflict_resolved"
	MsgSyncState          = "sync_state"
	MsgError              = "error"
)

// WireMessage is the envelope for every frame in both directions.
type WireMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewWireMessage wraps a payload for sending. Marshal failures surface as a
// nil Data field rather than a dropped frame.
func NewWireMessage(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WireMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// EditOperationData is the client's edit payload, converted to an Operation
// before entering the pipeline.
type EditOperationData struct {
	Kind       string                 `json:"kind"`
	Target     string                 `json:"target"`
	Position   int                    `json:"position"`
	Length     int                    `json:"length"`
	Content    string                 `json:"content,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Sequence   uint64                 `json:"sequence"`
}

// CursorUpdateData carries caret and selection movement.
type CursorUpdateData struct {
	Position       int `json:"position"`
	Line           int `json:"line,omitempty"`
	Column         int `json:"column,omitempty"`
	SelectionStart int `json:"selection_start"`
	SelectionEnd   int `json:"selection_end"`
}

// PresenceUpdateData carries an activity change.
type PresenceUpdateData struct {
	Activity string `json:"activity"`
}

// ConflictResolutionData is a user's manual-review verdict.
type ConflictResolutionData struct {
	ConflictID string `json:"conflict_id"`
	Strategy   string `json:"strategy"`
}

// OperationAppliedData acknowledges the sender's accepted edit.
type OperationAppliedData struct {
	OperationID string    `json:"operation_id"`
	Version     uint64    `json:"version"`
	Sequence    uint64    `json:"sequence"`
	AppliedAt   time.Time `json:"applied_at"`
}

// OperationBroadcastData relays an accepted edit to other participants.
type OperationBroadcastData struct {
	OperationID string                 `json:"operation_id"`
	AuthorID    string                 `json:"author_id"`
	Kind        string                 `json:"kind"`
	Target      string                 `json:"target"`
	Position    int                    `json:"position"`
	Length      int                    `json:"length"`
	Content     string                 `json:"content,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Version     uint64                 `json:"version"`
}

// CursorBroadcastData relays a user's cursor to other participants.
type CursorBroadcastData struct {
	UserID    string                 `json:"user_id"`
	Username  string                 `json:"username"`
	Cursor    session.CursorPosition `json:"cursor"`
	Selection session.SelectionRange `json:"selection"`
	Color     string                 `json:"color"`
}

// PresenceBroadcastData relays presence changes to other participants.
type PresenceBroadcastData struct {
	Event    string                 `json:"event"` // joined, left, updated
	Presence session.UserPresence   `json:"presence"`
	Active   []session.UserPresence `json:"active,omitempty"`
}

// ConflictDetectedData notifies participants of a detected conflict.
type ConflictDetectedData struct {
	ConflictID  string `json:"conflict_id"`
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	LocalAuthor string `json:"local_author"`
	OtherAuthor string `json:"other_author"`
}

// ConflictResolvedData notifies participants of a resolution outcome.
type ConflictResolvedData struct {
	ConflictID   string  `json:"conflict_id"`
	Strategy     string  `json:"strategy"`
	WinnerID     string  `json:"winner_id,omitempty"`
	Confidence   float64 `json:"confidence"`
	RequiresUser bool    `json:"requires_user"`
	Explanation  string  `json:"explanation,omitempty"`
}

// SyncStateData is the full document and presence state, sent on join and on
// explicit sync requests.
type SyncStateData struct {
	DocumentID   string                 `json:"document_id"`
	Content      string                 `json:"content"`
	Title        string                 `json:"title"`
	Metadata     map[string]interface{} `json:"metadata"`
	Tags         []string               `json:"tags"`
	Version      uint64                 `json:"version"`
	NextSequence uint64                 `json:"next_sequence"`
	Presences    []session.UserPresence `json:"presences"`
	SessionState string                 `json:"session_state"`
}

// ErrorData reports a rejected message to the client.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry"`
}
