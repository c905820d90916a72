package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/collaboration/ot"
	"github.com/elementalcollision/GraphMemory-IDE-sub001/pkg/observability"
)

func newTestDetector() *Detector {
	return NewDetector(observability.NewNoopLogger(), observability.NewInMemoryMetricsClient())
}

func TestDetectContentConflict(t *testing.T) {
	d := newTestDetector()

	local := ot.New(ot.KindInsert, ot.TargetText, 5, 0, "abc", "alice", "s1")
	remote := ot.New(ot.KindDelete, ot.TargetText, 3, 10, "", "bob", "s1")

	c := d.Detect("s1", local, remote)
	require.NotNil(t, c)
	assert.Equal(t, CategoryContent, c.Category)
	assert.Equal(t, "s1", c.SessionID)
	assert.NotEmpty(t, c.Description)
}

func TestDetectNoConflict(t *testing.T) {
	d := newTestDetector()

	t.Run("DisjointRanges", func(t *testing.T) {
		local := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "abc", "alice", "s1")
		remote := ot.New(ot.KindInsert, ot.TargetText, 50, 0, "def", "bob", "s1")
		assert.Nil(t, d.Detect("s1", local, remote))
	})

	t.Run("DifferentTargets", func(t *testing.T) {
		local := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "abc", "alice", "s1")
		remote := ot.New(ot.KindReplace, ot.TargetMetadata, 0, 0, "def", "bob", "s1")
		assert.Nil(t, d.Detect("s1", local, remote))
	})

	t.Run("SameAuthor", func(t *testing.T) {
		local := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "abc", "alice", "s1")
		remote := ot.New(ot.KindDelete, ot.TargetText, 0, 3, "", "alice", "s1")
		assert.Nil(t, d.Detect("s1", local, remote))
	})
}

func TestDetectSemanticConflict(t *testing.T) {
	d := newTestDetector()

	local := ot.New(ot.KindReplace, ot.TargetText, 0, 4, "enable logging", "alice", "s1")
	remote := ot.New(ot.KindReplace, ot.TargetText, 100, 4, "disable logging", "bob", "s1")

	c := d.Detect("s1", local, remote)
	require.NotNil(t, c)
	assert.Equal(t, CategorySemantic, c.Category)
	assert.Equal(t, SeverityHigh, c.Severity, "semantic conflicts always grade high")
}

func TestDetectIntentConflict(t *testing.T) {
	d := newTestDetector()

	t.Run("MoveAgainstFormat", func(t *testing.T) {
		move := ot.New(ot.KindMove, ot.TargetText, 10, 5, "", "alice", "s1")
		format := ot.New(ot.KindFormat, ot.TargetText, 12, 4, "", "bob", "s1")

		c := d.Detect("s1", move, format)
		require.NotNil(t, c)
		assert.Equal(t, CategoryIntent, c.Category)
		assert.Equal(t, SeverityMedium, c.Severity)
	})

	t.Run("DeclaredIntentsDiffer", func(t *testing.T) {
		// Ranges are near but not overlapping, so no positional conflict
		local := ot.New(ot.KindFormat, ot.TargetText, 10, 2, "", "alice", "s1")
		local.Attributes = map[string]interface{}{"intent": "refactor"}
		remote := ot.New(ot.KindFormat, ot.TargetText, 15, 2, "", "bob", "s1")
		remote.Attributes = map[string]interface{}{"intent": "cleanup"}

		c := d.Detect("s1", local, remote)
		require.NotNil(t, c)
		assert.Equal(t, CategoryIntent, c.Category)
	})

	t.Run("MatchingIntentsDoNotConflict", func(t *testing.T) {
		local := ot.New(ot.KindFormat, ot.TargetText, 10, 2, "", "alice", "s1")
		local.Attributes = map[string]interface{}{"intent": "refactor"}
		remote := ot.New(ot.KindFormat, ot.TargetText, 15, 2, "", "bob", "s1")
		remote.Attributes = map[string]interface{}{"intent": "refactor"}

		assert.Nil(t, d.Detect("s1", local, remote))
	})
}

func TestSeverityScalesWithSpan(t *testing.T) {
	d := newTestDetector()

	t.Run("SmallEditsAreLow", func(t *testing.T) {
		local := ot.New(ot.KindInsert, ot.TargetText, 0, 0, "ab", "alice", "s1")
		remote := ot.New(ot.KindDelete, ot.TargetText, 0, 2, "", "bob", "s1")
		c := d.Detect("s1", local, remote)
		require.NotNil(t, c)
		assert.Equal(t, SeverityLow, c.Severity)
	})

	t.Run("LargeEditsAreHigh", func(t *testing.T) {
		local := ot.New(ot.KindDelete, ot.TargetText, 0, 80, "", "alice", "s1")
		remote := ot.New(ot.KindDelete, ot.TargetText, 10, 60, "", "bob", "s1")
		c := d.Detect("s1", local, remote)
		require.NotNil(t, c)
		assert.Equal(t, SeverityHigh, c.Severity)
	})
}
