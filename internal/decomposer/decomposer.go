// Package decomposer turns a validated task description into a DAG of
// subtasks. It normalizes the planner's raw plan, mints subtask ids,
// rewrites index-based dependencies, and falls back to a single-subtask
// plan whenever the planner's output is unusable.
package decomposer

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/models"
	"github.com/taskmesh/taskmesh/internal/planner"
	"github.com/taskmesh/taskmesh/internal/stringutil"
)

// ErrBadPlan is returned by Normalize when no usable subtask survives
// normalization.
var ErrBadPlan = errors.New("plan contains no usable subtasks")

// ErrCyclic is returned by Normalize when the plan's dependency graph
// contains a cycle.
var ErrCyclic = errors.New("plan dependency graph is cyclic")

// Decomposer builds subtask DAGs from task descriptions.
type Decomposer struct {
	planner planner.Planner
}

// New creates a Decomposer backed by the given planner.
func New(p planner.Planner) *Decomposer {
	return &Decomposer{planner: p}
}

// Decompose produces a validated, acyclic subtask list for the description.
// Planner failures of any kind degrade to the fallback plan; the user sees
// a successful submission with a single subtask.
func (d *Decomposer) Decompose(ctx context.Context, description string) ([]models.SubTask, error) {
	steps, err := d.planner.Plan(ctx, description)
	if err != nil {
		logger.Warn(ctx, "Planner failed, using fallback plan",
			"err", err, "description", stringutil.TruncString(description, 64))
		steps = planner.FallbackPlan(description)
	}

	subtasks, err := Normalize(steps)
	if err != nil {
		logger.Warn(ctx, "Plan rejected, using fallback plan", "err", err)
		subtasks, err = Normalize(planner.FallbackPlan(description))
		if err != nil {
			// The fallback is a single valid subtask; this cannot happen
			// unless the description itself is out of bounds.
			return nil, fmt.Errorf("fallback plan invalid: %w", err)
		}
	}
	return subtasks, nil
}

// Normalize converts raw plan steps into subtasks: fresh ids, dependencies
// rewritten from 0-based indices to ids, priorities clamped into 0..10,
// self and duplicate dependencies dropped. Steps with an unknown capability
// or an out-of-bounds description are dropped whole; dependencies on
// dropped steps are dropped with them. Returns ErrBadPlan when nothing
// survives and ErrCyclic when the surviving graph has a cycle.
func Normalize(steps []planner.PlanStep) ([]models.SubTask, error) {
	// First pass: keep usable steps and mint their ids, so that a later
	// step can depend on an earlier one and vice versa. Cycles introduced
	// by bad index references are caught below, not here.
	idByIndex := make(map[int]string, len(steps))
	kept := make([]int, 0, len(steps))
	var subtasks []models.SubTask

	for i, step := range steps {
		if len(step.Description) < models.MinSubTaskDescription ||
			len(step.Description) > models.MaxSubTaskDescription {
			continue
		}
		caps, err := models.ParseCapabilities(step.RequiredCapabilities)
		if err != nil || len(caps) == 0 {
			continue
		}

		st := models.SubTask{
			ID:                   models.NewSubTaskID(),
			Description:          step.Description,
			RequiredCapabilities: caps,
			Priority:             clampPriority(step.Priority),
		}
		if step.EstimatedDuration > 0 {
			st.EstimatedDuration = step.EstimatedDuration
		}

		idByIndex[i] = st.ID
		kept = append(kept, i)
		subtasks = append(subtasks, st)
	}

	// Second pass: rewrite index dependencies to ids. Self references,
	// duplicates, and references to dropped or out-of-range steps are
	// discarded.
	for n, i := range kept {
		step := steps[i]
		seen := make(map[int]bool, len(step.DependsOn))
		for _, depIdx := range step.DependsOn {
			if depIdx == i || seen[depIdx] {
				continue
			}
			seen[depIdx] = true
			if depID, ok := idByIndex[depIdx]; ok {
				subtasks[n].Dependencies = append(subtasks[n].Dependencies, depID)
			}
		}
	}

	if len(subtasks) == 0 {
		return nil, ErrBadPlan
	}

	g, err := dag.Build(subtasks)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadPlan, err)
	}
	if err := g.Validate(); err != nil {
		return nil, ErrCyclic
	}
	return subtasks, nil
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}
