package dag

import (
	"fmt"
	"slices"
	"strings"
)

// StageID is a strongly-typed identifier for stages.
// StageIDs must be non-empty and cannot contain whitespace.
type StageID string

// Validate checks if the StageID is valid.
// Returns ErrInvalidStageID if the ID is empty or contains whitespace.
func (id StageID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: StageID cannot be empty", ErrInvalidStageID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: StageID %q cannot contain whitespace", ErrInvalidStageID, id)
	}
	return nil
}

// Kind is the dependency kind of an edge.
type Kind int

const (
	// Requires makes the downstream stage skip when the upstream does not
	// succeed.
	Requires Kind = iota
	// AllowSkipped lets the downstream stage run when the upstream was
	// skipped. A failed upstream still skips it.
	AllowSkipped
)

func (k Kind) String() string {
	switch k {
	case Requires:
		return "Requires"
	case AllowSkipped:
		return "AllowSkipped"
	default:
		return "Unknown"
	}
}

// Edge is a dependency of one stage on an upstream stage.
type Edge struct {
	From StageID
	Kind Kind
}

// Dep declares a Requires dependency.
func Dep(id StageID) Edge { return Edge{From: id, Kind: Requires} }

// Optional declares an AllowSkipped dependency.
func Optional(id StageID) Edge { return Edge{From: id, Kind: AllowSkipped} }

// node is the build-time representation of a stage.
type node struct {
	id       StageID
	parents  []Edge
	children []StageID
}

// Graph is a validated, immutable stage graph. It is safe for concurrent
// use.
type Graph struct {
	nodes map[StageID]*node
	order []StageID
}

// Stages returns all stage IDs in deterministic topological order.
func (g *Graph) Stages() []StageID {
	return slices.Clone(g.order)
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.order) }

// Has reports whether id is part of the graph.
func (g *Graph) Has(id StageID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Upstreams returns the dependencies of id in declaration order.
func (g *Graph) Upstreams(id StageID) []Edge {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(n.parents)
}

// Downstreams returns the sorted IDs of stages that depend on id.
func (g *Graph) Downstreams(id StageID) []StageID {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := slices.Clone(n.children)
	slices.Sort(out)
	return out
}

// Roots returns the stages without dependencies, sorted.
func (g *Graph) Roots() []StageID {
	var roots []StageID
	for _, id := range g.order {
		if len(g.nodes[id].parents) == 0 {
			roots = append(roots, id)
		}
	}
	slices.Sort(roots)
	return roots
}

// Descendants returns every stage reachable from id, sorted.
func (g *Graph) Descendants(id StageID) []StageID {
	visited := make(map[StageID]bool)
	var dfs func(StageID)
	dfs = func(cur StageID) {
		for _, child := range g.nodes[cur].children {
			if !visited[child] {
				visited[child] = true
				dfs(child)
			}
		}
	}
	if g.Has(id) {
		dfs(id)
	}
	out := make([]StageID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
