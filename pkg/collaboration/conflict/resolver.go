package conflict

import (
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	apperrors "github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/errors"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

const historySize = 1024

// Resolver applies a resolution strategy to a detected conflict. Every
// resolution is verified before it is returned; a failed verification demotes
// the conflict to manual review, and a panicking strategy falls back to
// last-writer-wins, which always produces a safe single-winner outcome.
type Resolver struct {
	engine          *ot.Engine
	logger          observability.Logger
	metrics         observability.MetricsClient
	defaultStrategy Strategy
	history         *lru.Cache[string, Resolution]
}

// NewResolver creates a resolver with the given default strategy. Resolved
// conflicts are kept in a bounded LRU history for audit queries.
func NewResolver(defaultStrategy Strategy, logger observability.Logger, metrics observability.MetricsClient) (*Resolver, error) {
	history, err := lru.New[string, Resolution](historySize)
	if err != nil {
		return nil, errors.Wrap(err, "creating resolution history")
	}
	return &Resolver{
		engine:          ot.NewEngine(),
		logger:          logger.WithPrefix("conflict.resolver"),
		metrics:         metrics,
		defaultStrategy: defaultStrategy,
		history:         history,
	}, nil
}

// Resolve resolves the conflict with the given strategy. An empty strategy
// lets the resolver pick one from the conflict's severity and category.
func (r *Resolver) Resolve(c *Conflict, ctx Context, strategy Strategy) (res Resolution, err error) {
	if strategy == "" {
		strategy = r.selectStrategy(c, ctx)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("resolution strategy panicked, falling back to last writer wins", map[string]interface{}{
				"conflict_id": c.ID.String(),
				"strategy":    strategy,
				"panic":       rec,
			})
			r.metrics.IncrementCounter("collaboration_resolution_panics", 1)
			res = r.lastWriterWins(c)
			err = nil
		}
	}()

	switch strategy {
	case StrategyLastWriterWins:
		res = r.lastWriterWins(c)
	case StrategyFirstWriterWins:
		res = r.firstWriterWins(c)
	case StrategyMergeContent:
		res = r.mergeContent(c)
	case StrategyUserPriority:
		res = r.userPriority(c, ctx)
	case StrategySemanticMerge:
		res = r.semanticMerge(c)
	case StrategyManualReview:
		res = r.manualReview(c)
	default:
		return Resolution{}, apperrors.NewValidation(apperrors.CodeValidationFailed, "unknown resolution strategy: "+string(strategy))
	}

	if verr := r.verify(c, res); verr != nil {
		r.logger.Warn("resolution failed verification, demoting to manual review", map[string]interface{}{
			"conflict_id": c.ID.String(),
			"strategy":    strategy,
			"error":       verr.Error(),
		})
		r.metrics.IncrementCounterWithLabels("collaboration_resolution_fallbacks", 1, map[string]string{
			"strategy": string(strategy),
		})
		res = r.manualReview(c)
	}

	r.history.Add(c.ID.String(), res)
	r.metrics.IncrementCounterWithLabels("collaboration_conflicts_resolved", 1, map[string]string{
		"strategy": string(res.Strategy),
	})
	return res, nil
}

// selectStrategy picks a strategy for conflicts that arrive without an
// explicit one. Critical conflicts always go to a human. Semantic conflicts
// are merged by position order, content overlaps by transform. A user
// conflicting with their own concurrent edit takes the newest write, and
// authors with differing priority weights are ranked by weight.
func (r *Resolver) selectStrategy(c *Conflict, ctx Context) Strategy {
	switch {
	case c.Severity == SeverityCritical:
		return StrategyManualReview
	case c.Category == CategorySemantic:
		return StrategySemanticMerge
	case c.Category == CategoryContent:
		return StrategyMergeContent
	case c.LocalOp.AuthorID == c.RemoteOp.AuthorID:
		return StrategyLastWriterWins
	case ctx.UserPriorities[c.LocalOp.AuthorID] != ctx.UserPriorities[c.RemoteOp.AuthorID]:
		return StrategyUserPriority
	default:
		return r.defaultStrategy
	}
}

// History returns the recorded resolution for a conflict, if it is still in
// the bounded history window.
func (r *Resolver) History(conflictID string) (Resolution, bool) {
	return r.history.Get(conflictID)
}

func (r *Resolver) lastWriterWins(c *Conflict) Resolution {
	winner, loser := c.LocalOp, c.RemoteOp
	if loser.Timestamp.After(winner.Timestamp) {
		winner, loser = loser, winner
	}
	return Resolution{
		ConflictID:  c.ID,
		Strategy:    StrategyLastWriterWins,
		ResolvedOps: []ot.Operation{winner},
		RollbackOps: []ot.Operation{loser},
		WinnerID:    winner.AuthorID,
		Confidence:  1.0,
		Explanation: "kept the newer edit from " + winner.AuthorID + ", discarded the earlier edit from " + loser.AuthorID,
		ResolvedAt:  time.Now().UTC(),
	}
}

func (r *Resolver) firstWriterWins(c *Conflict) Resolution {
	winner, loser := c.LocalOp, c.RemoteOp
	if loser.Timestamp.Before(winner.Timestamp) {
		winner, loser = loser, winner
	}
	return Resolution{
		ConflictID:  c.ID,
		Strategy:    StrategyFirstWriterWins,
		ResolvedOps: []ot.Operation{winner},
		RollbackOps: []ot.Operation{loser},
		WinnerID:    winner.AuthorID,
		Confidence:  1.0,
		Explanation: "kept the earlier edit from " + winner.AuthorID + ", discarded the later edit from " + loser.AuthorID,
		ResolvedAt:  time.Now().UTC(),
	}
}

// mergeContent keeps both operations by transforming them against each
// other. Confidence is lower when the transform itself reported a conflict,
// since the positional adjustment may not match user intent.
func (r *Resolver) mergeContent(c *Conflict) Resolution {
	priority := ot.PriorityLeft
	if c.RemoteOp.Timestamp.Before(c.LocalOp.Timestamp) {
		priority = ot.PriorityRight
	}
	result := r.engine.Transform(c.LocalOp, c.RemoteOp, priority)

	confidence := 0.9
	if result.Conflict {
		confidence = 0.7
	}
	return Resolution{
		ConflictID:  c.ID,
		Strategy:    StrategyMergeContent,
		ResolvedOps: []ot.Operation{result.OpA, result.OpB},
		Confidence:  confidence,
		Explanation: "kept both edits with positions transformed against each other",
		ResolvedAt:  time.Now().UTC(),
	}
}

// userPriority picks the author with the higher priority weight from the
// resolution context. Tied or absent weights keep both sides, leaving the
// overlap check to decide whether the pair is safe to apply together.
func (r *Resolver) userPriority(c *Conflict, ctx Context) Resolution {
	localPri := ctx.UserPriorities[c.LocalOp.AuthorID]
	remotePri := ctx.UserPriorities[c.RemoteOp.AuthorID]
	if localPri == remotePri {
		return Resolution{
			ConflictID:  c.ID,
			Strategy:    StrategyUserPriority,
			ResolvedOps: []ot.Operation{c.LocalOp, c.RemoteOp},
			Confidence:  0.8,
			Explanation: "equal priority weights, kept both edits",
			ResolvedAt:  time.Now().UTC(),
		}
	}
	winner, loser := c.LocalOp, c.RemoteOp
	if remotePri > localPri {
		winner, loser = loser, winner
	}
	return Resolution{
		ConflictID:  c.ID,
		Strategy:    StrategyUserPriority,
		ResolvedOps: []ot.Operation{winner},
		RollbackOps: []ot.Operation{loser},
		WinnerID:    winner.AuthorID,
		Confidence:  0.95,
		Explanation: "kept the edit from " + winner.AuthorID + ", the higher priority author",
		ResolvedAt:  time.Now().UTC(),
	}
}

// semanticMerge folds both text edits into one insert carrying the combined
// content, ordered by position so earlier text comes first. Non-text
// operations have no content to merge and fall back to a positional merge.
func (r *Resolver) semanticMerge(c *Conflict) Resolution {
	if c.LocalOp.Target != ot.TargetText || c.RemoteOp.Target != ot.TargetText {
		res := r.mergeContent(c)
		res.Strategy = StrategySemanticMerge
		return res
	}

	first, second := c.LocalOp, c.RemoteOp
	if second.Position < first.Position {
		first, second = second, first
	}
	merged := ot.New(ot.KindInsert, ot.TargetText, first.Position, 0,
		first.Content+second.Content, first.AuthorID, first.SessionID)
	return Resolution{
		ConflictID:  c.ID,
		Strategy:    StrategySemanticMerge,
		ResolvedOps: []ot.Operation{merged},
		RollbackOps: []ot.Operation{first, second},
		Confidence:  0.75,
		Explanation: "combined both text edits into one insert, earlier position first",
		ResolvedAt:  time.Now().UTC(),
	}
}

// manualReview produces no operations. Both sides are held until a user
// picks a winner through the conflict_resolution message.
func (r *Resolver) manualReview(c *Conflict) Resolution {
	return Resolution{
		ConflictID:   c.ID,
		Strategy:     StrategyManualReview,
		ResolvedOps:  nil,
		Confidence:   0.0,
		RequiresUser: true,
		Explanation:  "held for user review, no automatic outcome was safe",
		ResolvedAt:   time.Now().UTC(),
	}
}

// verify rejects resolutions that would corrupt document state: operations
// with missing identity or negative geometry, text operations whose resolved
// ranges still overlap, or a merge that silently drops more than half of the
// distinct content the two sides wrote.
func (r *Resolver) verify(c *Conflict, res Resolution) error {
	if res.RequiresUser {
		return nil
	}
	if len(res.ResolvedOps) == 0 {
		return apperrors.NewValidation(apperrors.CodeValidationFailed, "resolution produced no operations")
	}

	for _, op := range res.ResolvedOps {
		if op.AuthorID == "" || op.SessionID == "" {
			return apperrors.NewValidation(apperrors.CodeValidationFailed, "resolved operation lost its identity")
		}
		if op.Position < 0 || op.Length < 0 {
			return apperrors.NewValidation(apperrors.CodeValidationFailed, "resolved operation has negative geometry")
		}
	}

	if err := r.verifyContentLoss(c, res); err != nil {
		return err
	}
	return r.verifyTextOverlap(res.ResolvedOps)
}

// verifyContentLoss enforces the 50 percent guard: a resolution may drop one
// side of a conflict, but never the majority of the combined distinct
// content.
func (r *Resolver) verifyContentLoss(c *Conflict, res Resolution) error {
	inputs := map[string]int{}
	if c.LocalOp.Content != "" {
		inputs[c.LocalOp.Content] = len(c.LocalOp.Content)
	}
	if c.RemoteOp.Content != "" {
		inputs[c.RemoteOp.Content] = len(c.RemoteOp.Content)
	}
	if len(inputs) == 0 {
		return nil
	}

	total := 0
	for _, n := range inputs {
		total += n
	}

	kept := 0
	for _, op := range res.ResolvedOps {
		if op.Kind == ot.KindRetain {
			continue
		}
		// A merged operation carries its inputs as substrings
		for content, n := range inputs {
			if strings.Contains(op.Content, content) {
				kept += n
				delete(inputs, content)
			}
		}
	}

	lost := total - kept
	if lost*2 > total {
		return apperrors.New(apperrors.CodeConflictDetected,
			"resolution would discard the majority of edited content", apperrors.ClassConflict)
	}
	return nil
}

func (r *Resolver) verifyTextOverlap(ops []ot.Operation) error {
	textOps := make([]ot.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Target == ot.TargetText && op.Kind != ot.KindRetain {
			textOps = append(textOps, op)
		}
	}
	sort.Slice(textOps, func(i, j int) bool {
		return textOps[i].Position < textOps[j].Position
	})
	for i := 1; i < len(textOps); i++ {
		prev, cur := textOps[i-1], textOps[i]
		if prev.Kind == ot.KindInsert || cur.Kind == ot.KindInsert {
			// Inserts occupy no existing range
			continue
		}
		if prev.Position+prev.Length > cur.Position {
			return apperrors.New(apperrors.CodeConflictDetected,
				"resolved text operations still overlap", apperrors.ClassConflict)
		}
	}
	return nil
}
