package registry

import (
	"fmt"
	"sort"
)

// depsByID indexes a Taskset's tasks by id for graph algorithms.
func depsByID(ts *Taskset) map[string]*Task {
	idx := make(map[string]*Task, len(ts.Tasks))
	for i := range ts.Tasks {
		idx[ts.Tasks[i].ID] = &ts.Tasks[i]
	}
	return idx
}

// detectCycle runs a DFS-based cycle check over the dependency graph,
// grounded on the teacher's TaskGraph.DetectCycles. Returns the cycle as a
// slice of task ids (closed loop) if found, or nil.
func detectCycle(ts *Taskset) []string {
	idx := depsByID(ts)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(idx))
	parent := make(map[string]string, len(idx))

	var cyclePath []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		task := idx[id]
		if task != nil {
			for _, dep := range task.Dependencies {
				if _, ok := idx[dep]; !ok {
					continue // unknown deps are reported separately by validation
				}
				switch color[dep] {
				case white:
					parent[dep] = id
					if dfs(dep) {
						return true
					}
				case gray:
					// Found a back-edge: reconstruct the cycle from id back to dep.
					cyclePath = []string{dep}
					cur := id
					for cur != dep {
						cyclePath = append(cyclePath, cur)
						cur = parent[cur]
					}
					cyclePath = append(cyclePath, dep)
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	ids := sortedIDs(idx)
	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				return cyclePath
			}
		}
	}
	return nil
}

func sortedIDs(idx map[string]*Task) []string {
	ids := make([]string, 0, len(idx))
	for id := range idx {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// unknownDependency returns the first dependency id referenced by any task
// that does not exist in the taskset, or "" if all references resolve.
func unknownDependency(ts *Taskset) string {
	idx := depsByID(ts)
	for _, t := range ts.Tasks {
		for _, dep := range t.Dependencies {
			if _, ok := idx[dep]; !ok {
				return dep
			}
		}
	}
	return ""
}

// executionOrder computes topological layering: level k contains every task
// whose longest dependency-path depth is k (spec.md §4.1 "Query engine").
func executionOrder(ts *Taskset) ([][]string, error) {
	if cyc := detectCycle(ts); cyc != nil {
		return nil, fmt.Errorf("circular dependency: %v", cyc)
	}

	idx := depsByID(ts)
	depth := make(map[string]int, len(idx))

	var resolve func(id string) int
	resolve = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		task := idx[id]
		maxParent := -1
		if task != nil {
			for _, dep := range task.Dependencies {
				if _, ok := idx[dep]; !ok {
					continue
				}
				if d := resolve(dep); d > maxParent {
					maxParent = d
				}
			}
		}
		depth[id] = maxParent + 1
		return depth[id]
	}

	maxDepth := 0
	for _, id := range sortedIDs(idx) {
		d := resolve(id)
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range sortedIDs(idx) {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels, nil
}
