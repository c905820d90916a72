// Package ot implements operational transformation for concurrent edits to
// shared memory documents. The Engine is pure: transforming two operations
// performs no I/O and has no hidden state, so the same inputs always produce
// the same result.
package ot

import (
	"time"

	"github.com/google/uuid"

	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// Kind is the closed set of operation kinds
type Kind string

const (
	KindInsert    Kind = "insert"
	KindDelete    Kind = "delete"
	KindRetain    Kind = "retain"
	KindReplace   Kind = "replace"
	KindMove      Kind = "move"
	KindAttribute Kind = "attribute"
	KindFormat    Kind = "format"
)

// Target is the closed set of operation targets
type Target string

const (
	TargetText      Target = "text"
	TargetObject    Target = "object"
	TargetArray     Target = "array"
	TargetAttribute Target = "attribute"
	TargetMetadata  Target = "metadata"
)

// Priority selects the winning side when two concurrent operations conflict
type Priority string

const (
	PriorityLeft  Priority = "left"
	PriorityRight Priority = "right"
)

// Placement pins a text operation to concrete character positions and
// identities. The replica that first applies the operation fills it in, every
// other replica replays it verbatim, so all replicas hold the same rendition.
type Placement struct {
	// Positions carries the fractional position of each inserted rune.
	Positions []float64 `json:"positions,omitempty"`
	// Removed carries the character IDs a delete tombstones.
	Removed []uuid.UUID `json:"removed,omitempty"`
}

// Operation is an immutable description of a single edit against a field of
// a document. Transformations never mutate an Operation in place; they
// produce new values.
type Operation struct {
	ID         uuid.UUID              `json:"id"`
	Kind       Kind                   `json:"kind"`
	Target     Target                 `json:"target"`
	Position   int                    `json:"position"`
	Length     int                    `json:"length"`
	Content    string                 `json:"content,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Placement  *Placement             `json:"placement,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	AuthorID   string                 `json:"author_id"`
	SessionID  string                 `json:"session_id"`
	Sequence   uint64                 `json:"sequence"`
}

// New creates an operation with a fresh id and timestamp
func New(kind Kind, target Target, position, length int, content, authorID, sessionID string) Operation {
	return Operation{
		ID:        uuid.New(),
		Kind:      kind,
		Target:    target,
		Position:  position,
		Length:    length,
		Content:   content,
		Timestamp: time.Now(),
		AuthorID:  authorID,
		SessionID: sessionID,
	}
}

// Validate checks the operation invariants: non-negative position and
// length, and content present for insert/replace.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "operation position must be non-negative")
	}
	if op.Length < 0 {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "operation length must be non-negative")
	}
	switch op.Kind {
	case KindInsert, KindReplace:
		if op.Content == "" {
			return apperrors.NewValidation(apperrors.CodeValidationFailed, "content is required for insert and replace operations")
		}
	case KindDelete, KindRetain, KindMove, KindAttribute, KindFormat:
		// content optional or ignored
	default:
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown operation kind: "+string(op.Kind))
	}
	switch op.Target {
	case TargetText, TargetObject, TargetArray, TargetAttribute, TargetMetadata:
	default:
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown operation target: "+string(op.Target))
	}
	return nil
}

// WithPosition returns a copy of the operation at a new position
func (op Operation) WithPosition(position int) Operation {
	op.Position = position
	return op
}

// AsRetain returns a copy of the operation neutralized to a no-op
func (op Operation) AsRetain() Operation {
	op.Kind = KindRetain
	op.Content = ""
	return op
}

// span returns the effective extent of the operation in its target. Inserts
// span the inserted content even when Length was left zero by the client.
func (op Operation) span() int {
	if op.Kind == KindInsert && op.Length == 0 {
		return len(op.Content)
	}
	return op.Length
}

// end returns the exclusive end of the operation's range
func (op Operation) end() int {
	return op.Position + op.span()
}

// overlaps reports whether the two operations' [position, end) ranges
// intersect. Zero-length ranges overlap when they touch the same position.
func (op Operation) overlaps(other Operation) bool {
	aStart, aEnd := op.Position, op.end()
	bStart, bEnd := other.Position, other.end()
	if aStart == bStart {
		return true
	}
	return aStart < bEnd && bStart < aEnd
}
