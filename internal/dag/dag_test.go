package dag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/models"
)

func st(id string, priority int, deps ...string) models.SubTask {
	return models.SubTask{
		ID:           id,
		Description:  "subtask " + id + " does something",
		Priority:     priority,
		Dependencies: deps,
	}
}

func ids(subtasks []models.SubTask) []string {
	out := make([]string, len(subtasks))
	for i, s := range subtasks {
		out[i] = s.ID
	}
	return out
}

func TestBuild(t *testing.T) {
	t.Parallel()

	t.Run("UnknownDependency", func(t *testing.T) {
		_, err := dag.Build([]models.SubTask{st("a", 5, "ghost")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown subtask")
	})

	t.Run("SelfDependency", func(t *testing.T) {
		_, err := dag.Build([]models.SubTask{st("a", 5, "a")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "depends on itself")
	})

	t.Run("DuplicateID", func(t *testing.T) {
		_, err := dag.Build([]models.SubTask{st("a", 5), st("a", 3)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("LinearChain", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{st("a", 5), st("b", 5, "a"), st("c", 5, "b")})
		require.NoError(t, err)
		require.NoError(t, g.Validate())
	})

	t.Run("Diamond", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{
			st("a", 5), st("b", 5, "a"), st("c", 5, "a"), st("d", 5, "b", "c"),
		})
		require.NoError(t, err)
		require.NoError(t, g.Validate())
	})

	t.Run("TwoNodeCycle", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{st("a", 5, "b"), st("b", 5, "a")})
		require.NoError(t, err)
		assert.ErrorIs(t, g.Validate(), dag.ErrCycle)
	})

	t.Run("LongerCycle", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{
			st("a", 5), st("b", 5, "a", "d"), st("c", 5, "b"), st("d", 5, "c"),
		})
		require.NoError(t, err)
		assert.ErrorIs(t, g.Validate(), dag.ErrCycle)
	})
}

func TestReady(t *testing.T) {
	t.Parallel()

	t.Run("RootsOnly", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{st("a", 3), st("b", 9), st("c", 5, "a")})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, ids(g.Roots()))
	})

	t.Run("PriorityDescStable", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{st("a", 5), st("b", 5), st("c", 8)})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "a", "b"}, ids(g.Ready(map[string]bool{})))
	})

	t.Run("UnblockedByDone", func(t *testing.T) {
		g, err := dag.Build([]models.SubTask{
			st("a", 5), st("b", 5, "a"), st("c", 5, "a", "b"),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids(g.Ready(map[string]bool{"a": true})))
		assert.Equal(t, []string{"c"}, ids(g.Ready(map[string]bool{"a": true, "b": true})))
	})
}

func TestNewlyReady(t *testing.T) {
	t.Parallel()

	g, err := dag.Build([]models.SubTask{
		st("a", 5), st("b", 5), st("c", 7, "a", "b"), st("d", 2, "a"),
	})
	require.NoError(t, err)

	// Completing a unblocks only d; c still waits on b.
	got := g.NewlyReady("a", map[string]bool{"a": true})
	assert.Equal(t, []string{"d"}, ids(got))

	// Completing b last unblocks c even though a finished earlier.
	got = g.NewlyReady("b", map[string]bool{"a": true, "b": true})
	assert.Equal(t, []string{"c"}, ids(got))
}

func TestDownstream(t *testing.T) {
	t.Parallel()

	g, err := dag.Build([]models.SubTask{
		st("a", 5), st("b", 5, "a"), st("c", 5, "b"), st("d", 5), st("e", 5, "d"),
	})
	require.NoError(t, err)

	blocked := g.Downstream("a")
	assert.Equal(t, map[string]bool{"b": true, "c": true}, blocked)

	assert.Empty(t, g.Downstream("c"))
	assert.Equal(t, map[string]bool{"e": true}, g.Downstream("d"))
}
