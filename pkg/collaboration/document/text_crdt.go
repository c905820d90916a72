package document

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
)

// charNode is one character of the document body. Characters carry fractional
// positions so concurrent inserts between the same neighbors interleave
// deterministically, and deletions tombstone rather than remove so late
// arriving operations still find their anchors.
type charNode struct {
	ID       uuid.UUID        `json:"id"`
	OpID     uuid.UUID        `json:"op_id"`
	Char     rune             `json:"char"`
	Position float64          `json:"position"`
	Deleted  bool             `json:"deleted"`
	Author   crdt.NodeID      `json:"author"`
	Clock    crdt.VectorClock `json:"clock"`
}

// TextCRDT holds the collaborative document body as a sequence of fractionally
// indexed characters. All exported methods are safe for concurrent use.
type TextCRDT struct {
	mu      sync.RWMutex
	nodeID  crdt.NodeID
	clock   crdt.VectorClock
	chars   []charNode
	applied map[uuid.UUID]bool
	// tombstoned remembers removals whose characters have not arrived yet,
	// so a delete landing before its insert still takes effect.
	tombstoned map[uuid.UUID]bool
}

// NewTextCRDT creates an empty text body owned by the given node.
func NewTextCRDT(nodeID crdt.NodeID) *TextCRDT {
	return &TextCRDT{
		nodeID:     nodeID,
		clock:      crdt.NewVectorClock(),
		applied:    make(map[uuid.UUID]bool),
		tombstoned: make(map[uuid.UUID]bool),
	}
}

// charID derives the identity of the i-th character of an operation from the
// operation ID, so every replica mints the same character identities.
func charID(opID uuid.UUID, i int) uuid.UUID {
	return uuid.NewSHA1(opID, []byte(strconv.Itoa(i)))
}

// Apply applies a text operation. The first replica to apply an operation
// pins it: the fractional positions of inserted runes and the identities of
// removed characters are written back into op.Placement, and every other
// replica replays that placement verbatim. Duplicate operation IDs are
// ignored so redelivered operations stay idempotent. Replace is delete plus
// insert at the same anchor.
func (t *TextCRDT) Apply(op *ot.Operation) error {
	if op.Target != ot.TargetText {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "text body only accepts text operations")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.applied[op.ID] {
		return nil
	}

	t.clock.Increment(crdt.NodeID(op.AuthorID))

	switch op.Kind {
	case ot.KindInsert:
		if op.Placement == nil {
			op.Placement = &ot.Placement{Positions: t.placeInsert(op.Position, runeLen(op.Content))}
		}
		if err := t.insert(op); err != nil {
			return err
		}
	case ot.KindDelete:
		if op.Placement == nil {
			op.Placement = &ot.Placement{Removed: t.placeDelete(op.Position, op.Length)}
		}
		t.remove(op.Placement.Removed)
	case ot.KindReplace:
		if op.Placement == nil {
			op.Placement = &ot.Placement{Removed: t.placeDelete(op.Position, op.Length)}
			t.remove(op.Placement.Removed)
			op.Placement.Positions = t.placeInsert(op.Position, runeLen(op.Content))
		} else {
			t.remove(op.Placement.Removed)
		}
		if err := t.insert(op); err != nil {
			return err
		}
	case ot.KindRetain, ot.KindFormat, ot.KindAttribute, ot.KindMove:
		// No effect on the character sequence
	default:
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown text operation kind: "+string(op.Kind))
	}

	t.applied[op.ID] = true
	return nil
}

func runeLen(s string) int {
	return len([]rune(s))
}

// placeInsert picks one fractional position per inserted rune before the
// visible index.
func (t *TextCRDT) placeInsert(index, n int) []float64 {
	start, step := t.positionsFor(index, n)
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// placeDelete resolves a visible range to the character identities it covers.
func (t *TextCRDT) placeDelete(index, length int) []uuid.UUID {
	visible := t.visible()
	if index >= len(visible) {
		return nil
	}
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}
	ids := make([]uuid.UUID, 0, end-index)
	for i := index; i < end; i++ {
		ids = append(ids, visible[i].ID)
	}
	return ids
}

func (t *TextCRDT) insert(op *ot.Operation) error {
	runes := []rune(op.Content)
	if len(op.Placement.Positions) != len(runes) {
		return apperrors.NewValidation(apperrors.CodeValidationFailed,
			"operation placement does not cover its content")
	}
	for i, r := range runes {
		id := charID(op.ID, i)
		t.chars = append(t.chars, charNode{
			ID:       id,
			OpID:     op.ID,
			Char:     r,
			Position: op.Placement.Positions[i],
			Deleted:  t.tombstoned[id],
			Author:   crdt.NodeID(op.AuthorID),
			Clock:    t.clock.Clone(),
		})
	}
	return nil
}

func (t *TextCRDT) remove(ids []uuid.UUID) {
	doomed := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	for j := range t.chars {
		if doomed[t.chars[j].ID] {
			t.chars[j].Deleted = true
			delete(doomed, t.chars[j].ID)
		}
	}
	// Characters not seen yet stay marked so their insert lands deleted
	for id := range doomed {
		t.tombstoned[id] = true
	}
}

// positionsFor picks a fractional start position and per-character step for an
// insert of n characters before visible index. The step keeps inserted runs
// strictly inside the gap between the two neighbors.
func (t *TextCRDT) positionsFor(index, n int) (float64, float64) {
	if n == 0 {
		n = 1
	}
	visible := t.visible()

	var lo, hi float64
	switch {
	case len(visible) == 0:
		return 1.0, 1.0
	case index <= 0:
		hi = visible[0].Position
		lo = hi - float64(n) - 1.0
	case index >= len(visible):
		lo = visible[len(visible)-1].Position
		return lo + 1.0, 1.0
	default:
		lo = visible[index-1].Position
		hi = visible[index].Position
	}

	step := (hi - lo) / float64(n+1)
	return lo + step, step
}

func (t *TextCRDT) visible() []charNode {
	out := make([]charNode, 0, len(t.chars))
	for _, c := range t.chars {
		if !c.Deleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		// Position ties order by character identity so replicas agree
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// String returns the current visible document body.
func (t *TextCRDT) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	visible := t.visible()
	runes := make([]rune, len(visible))
	for i, c := range visible {
		runes[i] = c.Char
	}
	return string(runes)
}

// Len returns the number of visible characters.
func (t *TextCRDT) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.visible())
}

// Merge folds another text body into this one. Characters are unioned by ID,
// tombstones win over live characters.
func (t *TextCRDT) Merge(other crdt.CRDT) error {
	o, ok := other.(*TextCRDT)
	if !ok {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "cannot merge text body with "+other.GetType())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	o.mu.RLock()
	defer o.mu.RUnlock()

	byID := make(map[uuid.UUID]int, len(t.chars))
	for i, c := range t.chars {
		byID[c.ID] = i
	}
	for _, c := range o.chars {
		if i, seen := byID[c.ID]; seen {
			if c.Deleted {
				t.chars[i].Deleted = true
			}
			continue
		}
		if t.tombstoned[c.ID] {
			c.Deleted = true
		}
		t.chars = append(t.chars, c)
	}
	for id := range o.tombstoned {
		t.tombstoned[id] = true
		if i, seen := byID[id]; seen {
			t.chars[i].Deleted = true
		}
	}
	for id := range o.applied {
		t.applied[id] = true
	}
	t.clock.Update(o.clock)
	return nil
}

// Clone returns a deep copy.
func (t *TextCRDT) Clone() crdt.CRDT {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := NewTextCRDT(t.nodeID)
	c.clock = t.clock.Clone()
	c.chars = make([]charNode, len(t.chars))
	copy(c.chars, t.chars)
	for id := range t.applied {
		c.applied[id] = true
	}
	for id := range t.tombstoned {
		c.tombstoned[id] = true
	}
	return c
}

// GetType identifies this CRDT kind.
func (t *TextCRDT) GetType() string {
	return "TextCRDT"
}

// TextSnapshot is the persisted form of a text body.
type TextSnapshot struct {
	NodeID     string            `json:"node_id"`
	Clock      map[string]uint64 `json:"clock"`
	Chars      []charNode        `json:"chars"`
	Applied    []string          `json:"applied"`
	Tombstoned []string          `json:"tombstoned,omitempty"`
}

// Snapshot captures the full state for persistence.
func (t *TextCRDT) Snapshot() TextSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := TextSnapshot{
		NodeID: string(t.nodeID),
		Clock:  make(map[string]uint64, len(t.clock)),
		Chars:  make([]charNode, len(t.chars)),
	}
	for node, count := range t.clock {
		snap.Clock[string(node)] = count
	}
	copy(snap.Chars, t.chars)
	for id := range t.applied {
		snap.Applied = append(snap.Applied, id.String())
	}
	for id := range t.tombstoned {
		snap.Tombstoned = append(snap.Tombstoned, id.String())
	}
	return snap
}

// RestoreTextCRDT rebuilds a text body from a snapshot. Malformed applied IDs
// are dropped rather than failing the whole restore.
func RestoreTextCRDT(snap TextSnapshot) *TextCRDT {
	t := NewTextCRDT(crdt.NodeID(snap.NodeID))
	for node, count := range snap.Clock {
		t.clock[crdt.NodeID(node)] = count
	}
	t.chars = make([]charNode, len(snap.Chars))
	copy(t.chars, snap.Chars)
	for _, raw := range snap.Applied {
		if id, err := uuid.Parse(raw); err == nil {
			t.applied[id] = true
		}
	}
	for _, raw := range snap.Tombstoned {
		if id, err := uuid.Parse(raw); err == nil {
			t.tombstoned[id] = true
		}
	}
	return t
}

var _ crdt.CRDT = (*TextCRDT)(nil)

// clock source for fallback timestamps
var now = time.Now
