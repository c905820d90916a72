package ot

// TransformResult is the outcome of transforming two concurrent operations
// against each other. It is produced once per pairwise transform call and is
// not persisted.
type TransformResult struct {
	OpA      Operation `json:"op_a"`
	OpB      Operation `json:"op_b"`
	Conflict bool      `json:"conflict"`
	Reason   string    `json:"reason,omitempty"`
	Strategy string    `json:"strategy,omitempty"`
}

// conflictingKinds holds the kind pairs that always collide when their
// operations share a target and overlapping ranges.
var conflictingKinds = map[[2]Kind]bool{
	{KindInsert, KindDelete}:  true,
	{KindDelete, KindInsert}:  true,
	{KindReplace, KindDelete}: true,
	{KindReplace, KindInsert}: true,
	{KindMove, KindDelete}:    true,
	{KindMove, KindInsert}:    true,
}

// Engine transforms concurrent operations so their combined effect is
// order-independent. All methods are deterministic and free of I/O.
type Engine struct{}

// NewEngine creates a transform engine
func NewEngine() *Engine {
	return &Engine{}
}

// Transform rewrites two concurrent operations relative to each other and
// reports whether they conflicted. priority selects the winning side on the
// conflict path.
func (e *Engine) Transform(a, b Operation, priority Priority) TransformResult {
	conflict, reason := e.detectConflict(a, b)
	if !conflict {
		ta, tb := e.transformCompatible(a, b)
		return TransformResult{OpA: ta, OpB: tb}
	}

	ta, tb, strategy := e.transformConflicting(a, b, priority)
	return TransformResult{
		OpA:      ta,
		OpB:      tb,
		Conflict: true,
		Reason:   reason,
		Strategy: strategy,
	}
}

// detectConflict reports whether two operations collide. Different targets
// never conflict.
func (e *Engine) detectConflict(a, b Operation) (bool, string) {
	if a.Target != b.Target {
		return false, ""
	}
	if a.Kind == b.Kind && a.overlaps(b) {
		return true, "overlapping " + string(a.Kind) + " operations on " + string(a.Target)
	}
	if conflictingKinds[[2]Kind{a.Kind, b.Kind}] && a.overlaps(b) {
		return true, string(a.Kind) + "/" + string(b.Kind) + " collision on " + string(a.Target)
	}
	return false, ""
}

// transformCompatible applies the classic position-shift rules to two
// operations that do not conflict.
func (e *Engine) transformCompatible(a, b Operation) (Operation, Operation) {
	if a.Target != b.Target {
		return a, b
	}
	ta := shiftAgainst(a, b)
	tb := shiftAgainst(b, a)
	return ta, tb
}

// shiftAgainst adjusts op's position for the effect of other having been
// applied first. Inserts before op shift it forward; deletes before op shift
// it backward, clamping positions that fall inside the deleted range.
func shiftAgainst(op, other Operation) Operation {
	switch other.Kind {
	case KindInsert:
		if other.Position <= op.Position {
			return op.WithPosition(op.Position + other.span())
		}
	case KindDelete:
		if other.end() <= op.Position {
			return op.WithPosition(op.Position - other.span())
		}
		if other.Position < op.Position {
			// op's position falls inside the deleted range
			return op.WithPosition(other.Position)
		}
	case KindReplace:
		// Replacement with differing length behaves like delete+insert
		delta := len(other.Content) - other.span()
		if delta != 0 && other.end() <= op.Position {
			return op.WithPosition(op.Position + delta)
		}
	}
	return op
}

// transformConflicting dispatches by kind pair to produce a conflict-free
// pair. The returned strategy names the rule applied.
func (e *Engine) transformConflicting(a, b Operation, priority Priority) (Operation, Operation, string) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return e.resolveInsertDelete(a, b, priority)
	case a.Kind == KindDelete && b.Kind == KindInsert:
		tb, ta, strategy := e.resolveInsertDelete(b, a, flip(priority))
		return ta, tb, strategy
	case a.Kind == KindReplace && b.Kind == KindReplace:
		// Loser becomes a no-op
		if priority == PriorityLeft {
			return a, b.AsRetain(), "replace_priority"
		}
		return a.AsRetain(), b, "replace_priority"
	default:
		// Priority-driven adjustment of the losing operation only
		if priority == PriorityLeft {
			return a, shiftAgainst(b, a), "priority_shift"
		}
		return shiftAgainst(a, b), b, "priority_shift"
	}
}

// resolveInsertDelete resolves an insert/delete collision. The winning side
// applies unchanged; the losing side is repositioned relative to the winner.
func (e *Engine) resolveInsertDelete(insert, del Operation, priority Priority) (Operation, Operation, string) {
	if priority == PriorityLeft {
		// Insert wins: the delete shifts forward past the inserted content
		return insert, shiftAgainst(del, insert), "insert_priority"
	}
	// Delete wins: the insert is adjusted for the removed range
	return shiftAgainst(insert, del), del, "delete_priority"
}

func flip(p Priority) Priority {
	if p == PriorityLeft {
		return PriorityRight
	}
	return PriorityLeft
}

// Compose folds a sequence of operations into one. Adjacent inserts on the
// same target with contiguous ranges concatenate; adjacent deletes at the
// same position accumulate length. Any other pairing keeps the later
// operation, treating it as fully overriding the earlier one. This is a
// documented simplification, not a general CRDT merge.
func (e *Engine) Compose(ops []Operation) (Operation, bool) {
	if len(ops) == 0 {
		return Operation{}, false
	}

	acc := ops[0]
	for _, next := range ops[1:] {
		switch {
		case acc.Kind == KindInsert && next.Kind == KindInsert &&
			acc.Target == next.Target && acc.end() == next.Position:
			acc.Content += next.Content
			acc.Length = acc.span() + next.span()
		case acc.Kind == KindDelete && next.Kind == KindDelete &&
			acc.Target == next.Target && acc.Position == next.Position:
			acc.Length = acc.span() + next.span()
		default:
			acc = next
		}
	}
	return acc, true
}

// Apply applies one operation to a text, object, or array value.
// Unsupported target/kind combinations return the input unchanged.
func (e *Engine) Apply(content interface{}, op Operation) interface{} {
	switch op.Target {
	case TargetText:
		if text, ok := content.(string); ok {
			return applyText(text, op)
		}
	case TargetObject, TargetMetadata, TargetAttribute:
		if obj, ok := content.(map[string]interface{}); ok {
			return applyObject(obj, op)
		}
	case TargetArray:
		if arr, ok := content.([]interface{}); ok {
			return applyArray(arr, op)
		}
	}
	return content
}

func applyText(text string, op Operation) string {
	pos := clamp(op.Position, 0, len(text))
	switch op.Kind {
	case KindInsert:
		return text[:pos] + op.Content + text[pos:]
	case KindDelete:
		end := clamp(pos+op.span(), pos, len(text))
		return text[:pos] + text[end:]
	case KindReplace:
		end := clamp(pos+op.span(), pos, len(text))
		return text[:pos] + op.Content + text[end:]
	default:
		return text
	}
}

func applyObject(obj map[string]interface{}, op Operation) map[string]interface{} {
	result := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		result[k] = v
	}
	switch op.Kind {
	case KindInsert, KindReplace, KindAttribute, KindFormat:
		for k, v := range op.Attributes {
			result[k] = v
		}
	case KindDelete:
		for k := range op.Attributes {
			delete(result, k)
		}
	}
	return result
}

func applyArray(arr []interface{}, op Operation) []interface{} {
	pos := clamp(op.Position, 0, len(arr))
	switch op.Kind {
	case KindInsert:
		result := make([]interface{}, 0, len(arr)+1)
		result = append(result, arr[:pos]...)
		result = append(result, op.Content)
		result = append(result, arr[pos:]...)
		return result
	case KindDelete:
		end := clamp(pos+op.span(), pos, len(arr))
		result := make([]interface{}, 0, len(arr))
		result = append(result, arr[:pos]...)
		result = append(result, arr[end:]...)
		return result
	default:
		return arr
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
