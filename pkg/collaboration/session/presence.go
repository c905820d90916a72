package session

import "time"

// Role grants a user capabilities within a session.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleEditor       Role = "editor"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleEditor, RoleCollaborator, RoleViewer:
		return true
	}
	return false
}

// ActivityKind is what a user is currently doing in the session.
type ActivityKind string

const (
	ActivityViewing   ActivityKind = "viewing"
	ActivityTyping    ActivityKind = "typing"
	ActivitySelecting ActivityKind = "selecting"
	ActivityIdle      ActivityKind = "idle"
)

// CursorPosition is a user's caret location in the document body.
type CursorPosition struct {
	Position int `json:"position"`
	Line     int `json:"line,omitempty"`
	Column   int `json:"column,omitempty"`
}

// SelectionRange is a highlighted span, empty when Start == End.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// UserPresence is one user's live status within a session. Records are kept
// after the user leaves, flagged inactive, so late messages referencing the
// user still resolve.
type UserPresence struct {
	UserID       string         `json:"user_id"`
	Username     string         `json:"username"`
	Role         Role           `json:"role"`
	SessionID    string         `json:"session_id"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastActivity time.Time      `json:"last_activity"`
	IsActive     bool           `json:"is_active"`
	Activity     ActivityKind   `json:"activity"`
	Cursor       CursorPosition `json:"cursor"`
	Selection    SelectionRange `json:"selection"`
	Color        string         `json:"color"`
}

// displayColors is the palette cycled through as users join. Assignment is
// by join order so reconnecting users usually keep their color.
var displayColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

func colorForIndex(i int) string {
	return displayColors[i%len(displayColors)]
}
