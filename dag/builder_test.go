package dag

import (
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestStageIDValidate(t *testing.T) {
	assert.NoError(t, StageID("load_bronze").Validate())
	assert.True(t, errors.Is(StageID("").Validate(), ErrInvalidStageID))
	assert.True(t, errors.Is(StageID("has space").Validate(), ErrInvalidStageID))
}

func TestBuild(t *testing.T) {
	t.Run("linear chain", func(t *testing.T) {
		g, err := NewBuilder().
			AddStage("c", Dep("b")).
			AddStage("b", Dep("a")).
			AddStage("a").
			Build()
		assert.NoError(t, err)
		assert.Equal(t, []StageID{"a", "b", "c"}, g.Stages())
		assert.Equal(t, []StageID{"a"}, g.Roots())
		assert.Equal(t, []Edge{{From: "a", Kind: Requires}}, g.Upstreams("b"))
		assert.Equal(t, []StageID{"c"}, g.Downstreams("b"))
		assert.Equal(t, []StageID{"b", "c"}, g.Descendants("a"))
	})

	t.Run("deterministic order among ready stages", func(t *testing.T) {
		g := NewBuilder().
			AddStage("root").
			AddStage("zeta", Dep("root")).
			AddStage("alpha", Dep("root")).
			AddStage("mid", Dep("root")).
			AddStage("sink", Dep("zeta"), Dep("alpha"), Dep("mid")).
			MustBuild()
		assert.Equal(t, []StageID{"root", "alpha", "mid", "zeta", "sink"}, g.Stages())
		assert.Equal(t, []StageID{"alpha", "mid", "zeta"}, g.Downstreams("root"))
	})

	t.Run("edge kinds are kept", func(t *testing.T) {
		g := NewBuilder().
			AddStage("a").
			AddStage("b").
			AddStage("c", Dep("a"), Optional("b")).
			MustBuild()
		ups := g.Upstreams("c")
		assert.Equal(t, 2, len(ups))
		assert.Equal(t, Requires, ups[0].Kind)
		assert.Equal(t, AllowSkipped, ups[1].Kind)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := NewBuilder().AddStage("b", Dep("missing")).Build()
		assert.True(t, errors.Is(err, ErrStageNotFound))
	})

	t.Run("duplicate stage", func(t *testing.T) {
		_, err := NewBuilder().AddStage("a").AddStage("a").Build()
		assert.True(t, errors.Is(err, ErrStageAlreadyExists))
	})

	t.Run("duplicate edge", func(t *testing.T) {
		_, err := NewBuilder().AddStage("a").AddStage("b", Dep("a"), Optional("a")).Build()
		assert.True(t, errors.Is(err, ErrDuplicateEdge))
	})

	t.Run("invalid id", func(t *testing.T) {
		_, err := NewBuilder().AddStage("").Build()
		assert.True(t, errors.Is(err, ErrInvalidStageID))
	})

	t.Run("empty graph", func(t *testing.T) {
		_, err := NewBuilder().Build()
		assert.True(t, errors.Is(err, ErrEmptyGraph))
	})

	t.Run("self dependency", func(t *testing.T) {
		_, err := NewBuilder().AddStage("a", Dep("a")).Build()
		assert.True(t, errors.Is(err, ErrCycleDetected))
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := NewBuilder().
			AddStage("root").
			AddStage("a", Dep("root"), Dep("c")).
			AddStage("b", Dep("a")).
			AddStage("c", Dep("b")).
			Build()
		assert.True(t, errors.Is(err, ErrCycleDetected))
		assert.True(t, strings.Contains(err.Error(), "a -> b -> c -> a"), err.Error())
	})
}

func TestMustBuildPanics(t *testing.T) {
	defer func() {
		assert.NotZero(t, recover())
	}()
	NewBuilder().AddStage("a", Dep("nope")).MustBuild()
}

func TestGraphIsolatedFromBuilder(t *testing.T) {
	b := NewBuilder().AddStage("a")
	g := b.MustBuild()
	b.AddStage("b", Dep("a"))
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, 0, len(g.Downstreams("a")))

	stages := g.Stages()
	stages[0] = "mutated"
	assert.Equal(t, []StageID{"a"}, g.Stages())
}
