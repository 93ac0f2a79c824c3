package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Iron-Ham/orchard/internal/errors"
)

// CycleError reports a dependency cycle found during graph construction.
// Path lists the cycle exactly as traversed, with the first task ID
// repeated at the end.
type CycleError struct {
	Path []string
}

// Error returns the formatted cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Is matches the ErrDependencyCycle sentinel.
func (e *CycleError) Is(target error) bool {
	return target == errors.ErrDependencyCycle
}

// Graph is the validated, acyclic dependency graph of a plan.
// It holds forward and reverse adjacency plus in-degree counts, and is
// immutable once built.
type Graph struct {
	// Dependencies maps a task ID to the IDs it depends on.
	Dependencies map[string][]string

	// Dependents maps a task ID to the IDs that depend on it.
	Dependents map[string][]string

	// InDegree maps a task ID to its number of dependencies.
	InDegree map[string]int

	// order preserves the declared task order for deterministic traversal.
	order []string
}

// BuildGraph validates the task set and constructs its dependency graph.
//
// Validation runs before cycle search: duplicate IDs, self-references, and
// references to nonexistent tasks are rejected as a ValidationError. A
// dependency cycle is reported as a *CycleError. Construction is fatal on
// error and performs no writes of any kind; the caller must not initialize
// plan state when BuildGraph fails.
func BuildGraph(tasks []Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, errors.NewValidationError("plan has no tasks")
	}

	byID := make(map[string]*Task, len(tasks))
	order := make([]string, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return nil, errors.NewValidationError("task has empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, errors.NewValidationError("duplicate task id").WithTask(t.ID)
		}
		byID[t.ID] = t
		order = append(order, t.ID)
	}

	g := &Graph{
		Dependencies: make(map[string][]string, len(tasks)),
		Dependents:   make(map[string][]string, len(tasks)),
		InDegree:     make(map[string]int, len(tasks)),
		order:        order,
	}

	for _, id := range order {
		g.Dependencies[id] = nil
		g.InDegree[id] = 0
	}

	for _, id := range order {
		t := byID[id]
		for _, depID := range t.DependsOn {
			if depID == id {
				return nil, errors.NewValidationError("task depends on itself").
					WithTask(id).WithField("depends_on")
			}
			if _, ok := byID[depID]; !ok {
				return nil, errors.NewValidationError(
					fmt.Sprintf("dependency %q does not exist", depID)).
					WithTask(id).WithField("depends_on")
			}
			g.Dependencies[id] = append(g.Dependencies[id], depID)
			g.Dependents[depID] = append(g.Dependents[depID], id)
			g.InDegree[id]++
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	return g, nil
}

// findCycle runs a depth-first search over forward (dependent) edges in
// declared order. It returns the cycle as traversed, first ID repeated at
// the end, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(id string) []string
	dfs = func(id string) []string {
		visited[id] = true
		recStack[id] = true

		for _, depID := range g.Dependents[id] {
			if !visited[depID] {
				parent[depID] = id
				if cycle := dfs(depID); cycle != nil {
					return cycle
				}
			} else if recStack[depID] {
				// Found a back edge; walk parents to reconstruct the cycle.
				cycle := []string{depID}
				current := id
				for current != depID {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				cycle = append([]string{depID}, cycle...)
				return cycle
			}
		}

		recStack[id] = false
		return nil
	}

	for _, id := range g.order {
		if !visited[id] {
			if cycle := dfs(id); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

// ExecutionGroups returns tasks grouped into parallelizable batches via a
// BFS topological sort: group 0 has no dependencies, each later group
// depends only on earlier ones. Within a group, tasks are ordered by phase
// then index.
func (g *Graph) ExecutionGroups() [][]string {
	inDegree := make(map[string]int, len(g.InDegree))
	for id, deg := range g.InDegree {
		inDegree[id] = deg
	}

	var groups [][]string
	var current []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return Less(current[i], current[j]) })
		groups = append(groups, current)

		var next []string
		for _, id := range current {
			for _, depID := range g.Dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					next = append(next, depID)
				}
			}
		}
		current = next
	}

	return groups
}

// TransitiveDependencies returns every task ID the given task directly or
// indirectly depends on.
func (g *Graph) TransitiveDependencies(taskID string) map[string]bool {
	result := make(map[string]bool)
	var walk func(id string)
	walk = func(id string) {
		for _, depID := range g.Dependencies[id] {
			if !result[depID] {
				result[depID] = true
				walk(depID)
			}
		}
	}
	walk(taskID)
	return result
}
