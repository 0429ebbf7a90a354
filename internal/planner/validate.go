package planner

import (
	"fmt"
	"sort"

	"manageragent/internal/types"
)

// Validate checks plan integrity: unique task IDs, resolvable dependency
// references, and an acyclic dependency graph.
func Validate(plan *types.Plan) error {
	tasks := plan.Tasks()
	if len(tasks) == 0 {
		return fmt.Errorf("plan %s has no tasks", plan.ID)
	}

	byID := make(map[string]*types.Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		if t.ID == "" {
			return fmt.Errorf("plan %s has a task with an empty ID", plan.ID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task ID %s", t.ID)
		}
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("task %s depends on itself", t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}

	if cycle := findCycle(tasks); cycle != nil {
		return fmt.Errorf("dependency cycle: %v", cycle)
	}
	return nil
}

// findCycle runs a three-color DFS over the dependency graph and returns
// one cycle if present.
func findCycle(tasks []types.Task) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)

	deps := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
		ids = append(ids, t.ID)
	}
	sort.Strings(ids) // deterministic traversal

	color := make(map[string]int, len(tasks))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Slice the cycle out of the current path.
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, id, dep}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns task IDs ordered so every task appears after its
// dependencies. Ties break by task order, then ID, so the result is stable.
func TopologicalOrder(plan *types.Plan) ([]string, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}

	tasks := plan.Tasks()
	byID := make(map[string]types.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	ready := make([]string, 0, len(tasks))
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		ta, tb := byID[a], byID[b]
		if ta.Order != tb.Order {
			return ta.Order < tb.Order
		}
		return a < b
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(tasks) {
		// Validate catches cycles, so this indicates a bug.
		return nil, fmt.Errorf("topological sort left %d tasks unordered", len(tasks)-len(order))
	}
	return order, nil
}
