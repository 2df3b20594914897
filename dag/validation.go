package dag

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Validation limits to prevent pathological cases
const (
	MaxStages = 1000
	MaxDepth  = 200
)

func (g *Graph) validate() error {
	if len(g.nodes) > MaxStages {
		return fmt.Errorf("%w: stage count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.nodes), MaxStages)
	}
	if err := g.detectCycles(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}
	return nil
}

// detectCycles uses depth-first search and reports the first cycle found
// as a path. Stages are visited in sorted order so the message is stable.
func (g *Graph) detectCycles() error {
	visited := make(map[StageID]bool, len(g.nodes))
	recStack := make(map[StageID]bool, len(g.nodes))

	var dfs func(StageID, []StageID, int) error
	dfs = func(id StageID, path []StageID, depth int) error {
		if depth > MaxDepth {
			return fmt.Errorf("%w: maximum depth %d exceeded", ErrInvalidTopology, MaxDepth)
		}

		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		children := slices.Clone(g.nodes[id].children)
		slices.Sort(children)
		for _, child := range children {
			if !visited[child] {
				if err := dfs(child, path, depth+1); err != nil {
					return err
				}
			} else if recStack[child] {
				cycle := append(path, child)
				parts := make([]string, len(cycle))
				for i, id := range cycle {
					parts[i] = string(id)
				}
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(parts, " -> "))
			}
		}

		recStack[id] = false
		return nil
	}

	ids := make([]StageID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !visited[id] {
			if err := dfs(id, nil, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertSorted inserts an item into a sorted slice maintaining sort order.
func insertSorted(slice []StageID, item StageID) []StageID {
	idx := sort.Search(len(slice), func(i int) bool {
		return slice[i] >= item
	})
	return slices.Insert(slice, idx, item)
}

// topologicalSort creates a deterministic topological ordering using Kahn's
// algorithm. Ready stages are taken in lexical order.
func (g *Graph) topologicalSort() ([]StageID, error) {
	inDegree := make(map[StageID]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.parents)
	}

	queue := make([]StageID, 0, len(g.nodes))
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	slices.Sort(queue)

	result := make([]StageID, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)

		for _, child := range g.nodes[id].children {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = insertSorted(queue, child)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, fmt.Errorf("%w: topological sort failed", ErrCycleDetected)
	}
	return result, nil
}
