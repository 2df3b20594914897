package dag

import (
	"errors"
	"fmt"
)

// Builder constructs a stage graph.
//
// Builder is NOT safe for concurrent use. Dependencies may name stages that
// are added later; they are resolved by Build. The resulting Graph is
// immutable and safe to use concurrently.
type Builder struct {
	nodes map[StageID]*node
	order []StageID
	errs  []error
}

// NewBuilder creates a new graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[StageID]*node),
		order: make([]StageID, 0),
	}
}

// AddStage adds a stage with its dependencies. Errors are collected and
// reported by Build.
func (b *Builder) AddStage(id StageID, deps ...Edge) *Builder {
	if err := id.Validate(); err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	if _, exists := b.nodes[id]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: stage %q", ErrStageAlreadyExists, id))
		return b
	}

	seen := make(map[StageID]bool, len(deps))
	parents := make([]Edge, 0, len(deps))
	for _, dep := range deps {
		if seen[dep.From] {
			b.errs = append(b.errs, fmt.Errorf("%w: %s -> %s declared twice", ErrDuplicateEdge, dep.From, id))
			continue
		}
		seen[dep.From] = true
		parents = append(parents, dep)
	}

	b.nodes[id] = &node{id: id, parents: parents}
	b.order = append(b.order, id)
	return b
}

// Build validates and finalizes the graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmptyGraph
	}

	nodes := make(map[StageID]*node, len(b.nodes))
	for id, n := range b.nodes {
		nodes[id] = &node{id: id, parents: n.parents}
	}
	for _, id := range b.order {
		for _, dep := range nodes[id].parents {
			parent, ok := nodes[dep.From]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrStageNotFound, id, dep.From)
			}
			if dep.From == id {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrCycleDetected, id)
			}
			parent.children = append(parent.children, id)
		}
	}

	g := &Graph{nodes: nodes}
	if err := g.validate(); err != nil {
		return nil, err
	}
	order, err := g.topologicalSort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}

// Sentinel errors for common failure cases.
var (
	ErrStageAlreadyExists = errors.New("stage already exists")
	ErrStageNotFound      = errors.New("stage not found")
	ErrCycleDetected      = errors.New("cycle detected in graph")
	ErrInvalidStageID     = errors.New("invalid stage ID")
	ErrDuplicateEdge      = errors.New("duplicate dependency")
	ErrEmptyGraph         = errors.New("graph has no stages")
	ErrInvalidTopology    = errors.New("invalid topology")
)
