// Package dag provides dependency-graph analysis over a task's subtasks:
// cycle detection, ready-set computation, and downstream closure. The graph
// is rebuilt from the subtask list on every call; task fan-outs are small
// enough that caching would buy nothing.
package dag

import (
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/internal/models"
)

// ErrCycle is returned when the dependency graph is not acyclic.
var ErrCycle = fmt.Errorf("dependency graph contains a cycle")

// Graph is the adjacency view of one task's subtasks.
type Graph struct {
	nodes    map[string]*models.SubTask
	order    []string            // subtask IDs in declaration order
	edges    map[string][]string // dependency -> dependents
	inDegree map[string]int
}

// Build constructs the graph and validates edge targets. Unknown dependency
// references are an error here; the decomposer drops them before this point,
// so hitting one means corrupted state.
func Build(subtasks []models.SubTask) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[string]*models.SubTask, len(subtasks)),
		order:    make([]string, 0, len(subtasks)),
		edges:    make(map[string][]string),
		inDegree: make(map[string]int, len(subtasks)),
	}
	for i := range subtasks {
		st := &subtasks[i]
		if _, dup := g.nodes[st.ID]; dup {
			return nil, fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		g.nodes[st.ID] = st
		g.order = append(g.order, st.ID)
		g.inDegree[st.ID] = 0
	}
	for i := range subtasks {
		st := &subtasks[i]
		for _, dep := range st.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, fmt.Errorf("subtask %q depends on unknown subtask %q", st.ID, dep)
			}
			if dep == st.ID {
				return nil, fmt.Errorf("subtask %q depends on itself", st.ID)
			}
			g.edges[dep] = append(g.edges[dep], st.ID)
			g.inDegree[st.ID]++
		}
	}
	return g, nil
}

// Validate runs Kahn's algorithm and returns ErrCycle when not every node
// can be topologically ordered.
func (g *Graph) Validate() error {
	inDeg := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		inDeg[id] = d
	}
	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if inDeg[id] == 0 {
			queue = append(queue, id)
		}
	}
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range g.edges[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if seen != len(g.order) {
		return ErrCycle
	}
	return nil
}

// Ready returns the subtasks whose dependencies are all in the done set and
// which are not themselves done, ordered by priority descending. The sort is
// stable so equal-priority subtasks keep declaration order.
func (g *Graph) Ready(done map[string]bool) []models.SubTask {
	var ready []models.SubTask
	for _, id := range g.order {
		if done[id] {
			continue
		}
		st := g.nodes[id]
		ok := true
		for _, dep := range st.Dependencies {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *st)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

// NewlyReady returns the subset of Ready(done) that becomes unblocked only
// once just completed: every returned subtask depends on it, directly.
// The result processor uses this after persisting a completion so that a
// subtask is enqueued exactly once, by the completion of its last dependency.
func (g *Graph) NewlyReady(justCompleted string, done map[string]bool) []models.SubTask {
	var ready []models.SubTask
	for _, id := range g.edges[justCompleted] {
		if done[id] {
			continue
		}
		st := g.nodes[id]
		ok := true
		for _, dep := range st.Dependencies {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, *st)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})
	return ready
}

// Downstream returns every subtask ID transitively reachable from id along
// dependency edges. A failed subtask blocks this entire set.
func (g *Graph) Downstream(id string) map[string]bool {
	blocked := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.edges[cur] {
			if !blocked[next] {
				blocked[next] = true
				stack = append(stack, next)
			}
		}
	}
	return blocked
}

// Roots returns the subtasks with no dependencies, priority descending.
func (g *Graph) Roots() []models.SubTask {
	return g.Ready(map[string]bool{})
}

// Len returns the node count.
func (g *Graph) Len() int { return len(g.order) }
