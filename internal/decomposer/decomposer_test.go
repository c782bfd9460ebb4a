package decomposer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/decomposer"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/planner"
)

type fakePlanner struct {
	steps []planner.PlanStep
	err   error
}

func (f *fakePlanner) Plan(_ context.Context, _ string) ([]planner.PlanStep, error) {
	return f.steps, f.err
}

func step(desc string, caps []string, deps []int, priority int) planner.PlanStep {
	return planner.PlanStep{
		Description:          desc,
		RequiredCapabilities: caps,
		DependsOn:            deps,
		Priority:             priority,
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	t.Run("RewritesIndicesToIDs", func(t *testing.T) {
		subtasks, err := decomposer.Normalize([]planner.PlanStep{
			step("collect the raw inputs", []string{"web_scraping"}, nil, 7),
			step("analyze collected inputs", []string{"data_analysis"}, []int{0}, 5),
		})
		require.NoError(t, err)
		require.Len(t, subtasks, 2)
		assert.NotEmpty(t, subtasks[0].ID)
		assert.NotEqual(t, subtasks[0].ID, subtasks[1].ID)
		assert.Equal(t, []string{subtasks[0].ID}, subtasks[1].Dependencies)
	})

	t.Run("ClampsPriority", func(t *testing.T) {
		subtasks, err := decomposer.Normalize([]planner.PlanStep{
			step("priority far above the cap", []string{"data_analysis"}, nil, 99),
			step("priority below the floor", []string{"data_analysis"}, nil, -3),
		})
		require.NoError(t, err)
		assert.Equal(t, 10, subtasks[0].Priority)
		assert.Equal(t, 0, subtasks[1].Priority)
	})

	t.Run("DropsSelfAndDuplicateDeps", func(t *testing.T) {
		subtasks, err := decomposer.Normalize([]planner.PlanStep{
			step("first of the two steps", []string{"data_analysis"}, nil, 5),
			step("second depends once only", []string{"data_analysis"}, []int{0, 0, 1}, 5),
		})
		require.NoError(t, err)
		assert.Equal(t, []string{subtasks[0].ID}, subtasks[1].Dependencies)
	})

	t.Run("DropsUnknownCapabilityStep", func(t *testing.T) {
		subtasks, err := decomposer.Normalize([]planner.PlanStep{
			step("uses a made up capability", []string{"telepathy"}, nil, 5),
			step("uses a real capability", []string{"code_generation"}, []int{0}, 5),
		})
		require.NoError(t, err)
		require.Len(t, subtasks, 1)
		assert.Empty(t, subtasks[0].Dependencies)
	})

	t.Run("DropsOutOfRangeDeps", func(t *testing.T) {
		subtasks, err := decomposer.Normalize([]planner.PlanStep{
			step("references a missing index", []string{"data_analysis"}, []int{5, -1}, 5),
		})
		require.NoError(t, err)
		assert.Empty(t, subtasks[0].Dependencies)
	})

	t.Run("CyclicPlan", func(t *testing.T) {
		_, err := decomposer.Normalize([]planner.PlanStep{
			step("depends on the second step", []string{"data_analysis"}, []int{1}, 5),
			step("depends on the first step", []string{"data_analysis"}, []int{0}, 5),
		})
		assert.ErrorIs(t, err, decomposer.ErrCyclic)
	})

	t.Run("NothingSurvives", func(t *testing.T) {
		_, err := decomposer.Normalize([]planner.PlanStep{
			step("short", []string{"data_analysis"}, nil, 5),
			step("valid description but bad capability", []string{"nope"}, nil, 5),
		})
		assert.ErrorIs(t, err, decomposer.ErrBadPlan)
	})
}

func TestDecompose(t *testing.T) {
	t.Parallel()
	const description = "build a report from the quarterly sales data"

	t.Run("UsesPlannerOutput", func(t *testing.T) {
		d := decomposer.New(&fakePlanner{steps: []planner.PlanStep{
			step("extract sales data from the warehouse", []string{"database_operations"}, nil, 8),
			step("summarize the extracted sales data", []string{"data_analysis"}, []int{0}, 6),
		}})
		subtasks, err := d.Decompose(context.Background(), description)
		require.NoError(t, err)
		assert.Len(t, subtasks, 2)
	})

	t.Run("FallbackOnPlannerError", func(t *testing.T) {
		d := decomposer.New(&fakePlanner{err: errors.New("connection refused")})
		subtasks, err := d.Decompose(context.Background(), description)
		require.NoError(t, err)
		require.Len(t, subtasks, 1)
		assert.Equal(t, description, subtasks[0].Description)
		assert.Equal(t, []models.Capability{models.CapabilityCodeGeneration}, subtasks[0].RequiredCapabilities)
		assert.Equal(t, 5, subtasks[0].Priority)
	})

	t.Run("FallbackOnCyclicPlan", func(t *testing.T) {
		d := decomposer.New(&fakePlanner{steps: []planner.PlanStep{
			step("depends on the second step", []string{"data_analysis"}, []int{1}, 5),
			step("depends on the first step", []string{"data_analysis"}, []int{0}, 5),
		}})
		subtasks, err := d.Decompose(context.Background(), description)
		require.NoError(t, err)
		require.Len(t, subtasks, 1)
		assert.Equal(t, description, subtasks[0].Description)
	})

	t.Run("FallbackOnEmptyPlan", func(t *testing.T) {
		d := decomposer.New(&fakePlanner{steps: nil, err: planner.ErrUnparsable})
		subtasks, err := d.Decompose(context.Background(), description)
		require.NoError(t, err)
		assert.Len(t, subtasks, 1)
	})
}
