package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
)

// Category classifies what kind of conflict was detected.
type Category string

const (
	// CategoryContent covers overlapping edits to the same text range.
	CategoryContent Category = "content"
	// CategorySemantic covers edits whose contents contradict each other
	// even when the ranges differ.
	CategorySemantic Category = "semantic"
	// CategoryIntent covers structural operations that undo each other,
	// such as a move against a delete of the moved range.
	CategoryIntent Category = "intent"
)

// Severity grades how disruptive a conflict is to collaborators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	StrategyLastWriterWins  Strategy = "last_writer_wins"
	StrategyFirstWriterWins Strategy = "first_writer_wins"
	StrategyMergeContent    Strategy = "merge_content"
	StrategyUserPriority    Strategy = "user_priority"
	StrategySemanticMerge   Strategy = "semantic_merge"
	StrategyManualReview    Strategy = "manual_review"
)

// Conflict describes a detected collision between two concurrent operations.
type Conflict struct {
	ID          uuid.UUID    `json:"id"`
	SessionID   string       `json:"session_id"`
	Category    Category     `json:"category"`
	Severity    Severity     `json:"severity"`
	LocalOp     ot.Operation `json:"local_op"`
	RemoteOp    ot.Operation `json:"remote_op"`
	Description string       `json:"description"`
	DetectedAt  time.Time    `json:"detected_at"`
}

// Context carries per-resolution inputs that are not part of either
// operation, such as user priority weights.
type Context struct {
	SessionID      string         `json:"session_id"`
	DocumentID     string         `json:"document_id"`
	UserPriorities map[string]int `json:"user_priorities,omitempty"`
}

// Resolution is the outcome of resolving one conflict. ResolvedOps holds the
// operations that should actually be applied, in order. RollbackOps holds the
// discarded side(s), so an operator can replay a dropped edit after review.
type Resolution struct {
	ConflictID   uuid.UUID      `json:"conflict_id"`
	Strategy     Strategy       `json:"strategy"`
	ResolvedOps  []ot.Operation `json:"resolved_ops"`
	RollbackOps  []ot.Operation `json:"rollback_ops,omitempty"`
	WinnerID     string         `json:"winner_id,omitempty"`
	Confidence   float64        `json:"confidence"`
	RequiresUser bool           `json:"requires_user"`
	Explanation  string         `json:"explanation,omitempty"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}
