package hgraph

import (
	"errors"
	"fmt"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hfunc"
)

// Builder constructs a Graph.
//
// IMPORTANT: Builder is NOT safe for concurrent use. The resulting Graph is
// immutable and safe to use concurrently.
type Builder struct {
	graph *Graph
	built bool
}

// NewBuilder creates a new graph builder.
func NewBuilder() *Builder {
	return &Builder{
		graph: &Graph{
			nodes: make(map[NodeID]*Node),
			order: make([]NodeID, 0),
		},
	}
}

// AddNode adds a node. Parents and Children are derived from edges and must be
// empty.
func (b *Builder) AddNode(node Node) error {
	if b.built {
		return ErrBuilderUsed
	}
	if err := node.ID.Validate(); err != nil {
		return err
	}
	if _, exists := b.graph.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyExists, node.ID)
	}
	if node.Arity < 0 || node.Arity > MaxArity {
		return fmt.Errorf("%w: node %s has arity %d, want 0..%d", ErrInvalidTopology, node.ID, node.Arity, MaxArity)
	}
	if node.Kind.IsBoundary() && node.Boundary == "" {
		return fmt.Errorf("%w: boundary node %s has no channel", ErrInvalidTopology, node.ID)
	}
	n := node
	n.Parents = []NodeID{}
	n.Children = []NodeID{}
	b.graph.nodes[n.ID] = &n
	b.graph.order = append(b.graph.order, n.ID)
	return nil
}

// AddProducer declares a producer emitting arity scalars per epoch.
func (b *Builder) AddProducer(name string, arity int) error {
	return b.AddNode(Node{ID: NodeID(name), Kind: KindProducer, Arity: arity, Placement: hbackend.Auto, Rank: NoRank})
}

// AddConsumer declares a consumer. Arity zero leaves its width unchecked.
func (b *Builder) AddConsumer(name string, arity int) error {
	return b.AddNode(Node{ID: NodeID(name), Kind: KindConsumer, Arity: arity, Placement: hbackend.Auto, Rank: NoRank})
}

// AddLayer declares a layer.
func (b *Builder) AddLayer(name string) error {
	return b.AddNode(Node{ID: NodeID(name), Kind: KindLayer, Placement: hbackend.Auto, Rank: NoRank})
}

// AddEdge adds a directed edge from parent to child. fn may be empty.
func (b *Builder) AddEdge(parentID, childID NodeID, fn string) error {
	if b.built {
		return ErrBuilderUsed
	}
	parent, ok := b.graph.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}
	child, ok := b.graph.nodes[childID]
	if !ok {
		return fmt.Errorf("%w: child %s", ErrNodeNotFound, childID)
	}
	if fn != "" && !hfunc.Known(fn) {
		return fmt.Errorf("cannot connect %s -> %s: %w: %q", parentID, childID, hfunc.ErrUnknownFunction, fn)
	}

	b.graph.edges = append(b.graph.edges, Edge{
		From: parentID,
		To:   childID,
		Func: fn,
		Seq:  len(b.graph.edges),
	})
	parent.Children = append(parent.Children, childID)
	child.Parents = append(child.Parents, parentID)
	return nil
}

// SetPartition attaches partition metadata to the graph being built.
func (b *Builder) SetPartition(index int, backend hbackend.Backend) {
	b.graph.partition = &PartitionInfo{Index: index, Backend: backend}
}

// Has reports whether a node with the given ID was already added.
func (b *Builder) Has(id NodeID) bool {
	_, ok := b.graph.nodes[id]
	return ok
}

// Build finalizes the graph. Structural validation that needs the whole graph
// (cycles, orphans) is left to Validate, which runtimes and the partitioner
// call before any epoch runs.
func (b *Builder) Build() (*Graph, error) {
	if b.built {
		return nil, ErrBuilderUsed
	}
	b.built = true
	return b.graph, nil
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
	ErrNodeAlreadyExists = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrCycleDetected     = errors.New("cycle detected in propagation order")
	ErrOrphanedNodes     = errors.New("orphaned nodes found")
	ErrInvalidNodeID     = errors.New("invalid node ID")
	ErrInvalidTopology   = errors.New("invalid topology")
	ErrBuilderUsed       = errors.New("builder already built")
)
