package planner_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/planner"
)

func TestParsePlan(t *testing.T) {
	t.Parallel()

	t.Run("PlainArray", func(t *testing.T) {
		steps, err := planner.ParsePlan(`[
			{"description": "fetch the dataset from the source", "required_capabilities": ["web_scraping"], "depends_on": [], "priority": 7},
			{"description": "analyze the fetched dataset", "required_capabilities": ["data_analysis"], "depends_on": [0], "priority": 5}
		]`)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, []string{"web_scraping"}, steps[0].RequiredCapabilities)
		assert.Equal(t, []int{0}, steps[1].DependsOn)
	})

	t.Run("CodeFence", func(t *testing.T) {
		steps, err := planner.ParsePlan("Here is the plan:\n```json\n" +
			`[{"description": "do the only step of the plan", "required_capabilities": ["code_generation"], "priority": 5}]` +
			"\n```\nLet me know if you need changes.")
		require.NoError(t, err)
		assert.Len(t, steps, 1)
	})

	t.Run("BracketsInsideStrings", func(t *testing.T) {
		steps, err := planner.ParsePlan(
			`[{"description": "parse the [raw] log lines properly", "required_capabilities": ["file_processing"], "priority": 3}]`)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Contains(t, steps[0].Description, "[raw]")
	})

	t.Run("NoArray", func(t *testing.T) {
		_, err := planner.ParsePlan("I cannot help with that.")
		assert.ErrorIs(t, err, planner.ErrUnparsable)
	})

	t.Run("MalformedArray", func(t *testing.T) {
		_, err := planner.ParsePlan(`[{"description": 42}]broken`)
		assert.Error(t, err)
	})

	t.Run("EmptyArray", func(t *testing.T) {
		_, err := planner.ParsePlan(`[]`)
		assert.ErrorIs(t, err, planner.ErrUnparsable)
	})
}

func TestPlanTimesOutOnHungEndpoint(t *testing.T) {
	t.Parallel()

	// The handler never replies until the request is abandoned. The body
	// must be drained first: the server only watches for client disconnects
	// (and cancels the request context) once the body has been read.
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := planner.NewOpenAI(config.Planner{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1",
		Model:   "gpt-4o-mini",
		Timeout: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := p.Plan(context.Background(), "collect public pricing data and summarize it")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFallbackPlan(t *testing.T) {
	t.Parallel()

	steps := planner.FallbackPlan("rebuild the reporting pipeline end to end")
	require.Len(t, steps, 1)
	assert.Equal(t, "rebuild the reporting pipeline end to end", steps[0].Description)
	assert.Equal(t, []string{string(models.CapabilityCodeGeneration)}, steps[0].RequiredCapabilities)
	assert.Equal(t, 5, steps[0].Priority)
	assert.Empty(t, steps[0].DependsOn)
}
