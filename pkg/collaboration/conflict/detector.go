package conflict

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

// antonymPairs drives the semantic contradiction heuristic. Two operations
// that write opposing words to the same document are flagged even when their
// ranges do not overlap.
var antonymPairs = [][2]string{
	{"enable", "disable"},
	{"true", "false"},
	{"add", "remove"},
	{"start", "stop"},
	{"open", "close"},
	{"public", "private"},
	{"allow", "deny"},
}

// Detector classifies collisions between concurrent operations. Detection is
// layered: positional overlap first, then content contradiction, then
// structural intent.
type Detector struct {
	engine  *ot.Engine
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewDetector creates a conflict detector
func NewDetector(logger observability.Logger, metrics observability.MetricsClient) *Detector {
	return &Detector{
		engine:  ot.NewEngine(),
		logger:  logger.WithPrefix("conflict.detector"),
		metrics: metrics,
	}
}

// Detect examines a pair of concurrent operations and returns a Conflict if
// they collide, or nil if they can be applied independently.
func (d *Detector) Detect(sessionID string, local, remote ot.Operation) *Conflict {
	if local.AuthorID == remote.AuthorID {
		// One author's operations are serialized by sequence number
		return nil
	}

	category, description := d.classify(local, remote)
	if category == "" {
		return nil
	}

	c := &Conflict{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Category:    category,
		Severity:    d.severity(category, local, remote),
		LocalOp:     local,
		RemoteOp:    remote,
		Description: description,
		DetectedAt:  time.Now().UTC(),
	}

	d.metrics.IncrementCounterWithLabels("collaboration_conflicts_detected", 1, map[string]string{
		"category": string(category),
		"severity": string(c.Severity),
	})
	d.logger.Debug("conflict detected", map[string]interface{}{
		"conflict_id": c.ID.String(),
		"session_id":  sessionID,
		"category":    category,
		"severity":    c.Severity,
	})
	return c
}

func (d *Detector) classify(local, remote ot.Operation) (Category, string) {
	result := d.engine.Transform(local, remote, ot.PriorityLeft)
	if result.Conflict {
		return CategoryContent, result.Reason
	}
	if d.semanticContradiction(local, remote) {
		return CategorySemantic, "operations write contradictory content"
	}
	if d.intentConflict(local, remote) {
		return CategoryIntent, "structural operations undo each other"
	}
	return "", ""
}

// semanticContradiction checks whether the two contents contain opposing
// words from the antonym table.
func (d *Detector) semanticContradiction(local, remote ot.Operation) bool {
	if local.Target != remote.Target || local.Content == "" || remote.Content == "" {
		return false
	}
	a := strings.ToLower(local.Content)
	b := strings.ToLower(remote.Content)
	for _, pair := range antonymPairs {
		if (strings.Contains(a, pair[0]) && strings.Contains(b, pair[1])) ||
			(strings.Contains(a, pair[1]) && strings.Contains(b, pair[0])) {
			return true
		}
	}
	return false
}

// intentConflict fires when both users declared an editing intent and those
// intents differ over the same neighborhood, or when a move and a format
// reorganize the same region. Neither case collides positionally, but the
// edits work against each other.
func (d *Detector) intentConflict(local, remote ot.Operation) bool {
	if local.Target != remote.Target {
		return false
	}
	localIntent, lok := local.Attributes["intent"].(string)
	remoteIntent, rok := remote.Attributes["intent"].(string)
	if lok && rok && localIntent != remoteIntent {
		return rangesNear(local, remote)
	}
	pair := [2]ot.Kind{local.Kind, remote.Kind}
	switch pair {
	case [2]ot.Kind{ot.KindMove, ot.KindFormat}, [2]ot.Kind{ot.KindFormat, ot.KindMove}:
		return rangesNear(local, remote)
	}
	return false
}

// rangesNear reports whether two operations touch the same neighborhood of
// the document. Used for intent conflicts where exact overlap is too strict.
func rangesNear(a, b ot.Operation) bool {
	const slack = 5
	aStart, aEnd := a.Position-slack, a.Position+a.Length+slack
	return b.Position < aEnd && b.Position+b.Length > aStart
}

func (d *Detector) severity(category Category, local, remote ot.Operation) Severity {
	switch category {
	case CategorySemantic:
		return SeverityHigh
	case CategoryIntent:
		return SeverityMedium
	}
	span := local.Length + remote.Length + len(local.Content) + len(remote.Content)
	switch {
	case span > 100:
		return SeverityHigh
	case span > 10:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
