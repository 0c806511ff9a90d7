package hgraph

import (
	"fmt"
	"strings"

	"github.com/birdayz/harmonics/hbackend"
)

// NodeID is the unique name of a node within one graph.
// NodeIDs must be non-empty and cannot contain whitespace.
type NodeID string

// Validate checks if the NodeID is valid.
// Returns ErrInvalidNodeID if the ID is empty or contains whitespace.
func (id NodeID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: NodeID cannot be empty", ErrInvalidNodeID)
	}
	if strings.ContainsAny(string(id), " \t\n\r") {
		return fmt.Errorf("%w: NodeID %q cannot contain whitespace", ErrInvalidNodeID, id)
	}
	return nil
}

// NodeKind represents the kind of node in the graph.
type NodeKind int

const (
	KindProducer NodeKind = iota
	KindConsumer
	KindLayer
	// KindSend is the synthetic end of a cross-partition edge in the partition
	// holding the edge's source. It behaves like a consumer.
	KindSend
	// KindReceive is the synthetic end of a cross-partition edge in the
	// partition holding the edge's destination. It behaves like a producer.
	KindReceive
)

func (k NodeKind) String() string {
	switch k {
	case KindProducer:
		return "Producer"
	case KindConsumer:
		return "Consumer"
	case KindLayer:
		return "Layer"
	case KindSend:
		return "Send"
	case KindReceive:
		return "Receive"
	default:
		return "Unknown"
	}
}

// IsSource reports whether nodes of this kind originate values in an epoch.
func (k NodeKind) IsSource() bool {
	return k == KindProducer || k == KindReceive
}

// IsSink reports whether nodes of this kind terminate values in an epoch.
func (k NodeKind) IsSink() bool {
	return k == KindConsumer || k == KindSend
}

// IsBoundary reports whether the kind is one of the synthetic boundary kinds.
func (k NodeKind) IsBoundary() bool {
	return k == KindSend || k == KindReceive
}

// NoRank marks a node whose global topological rank is unknown.
const NoRank = -1

// Node is a declared vertex of the graph.
type Node struct {
	ID   NodeID
	Kind NodeKind

	// Arity is the declared scalar count for producers and consumers.
	// Zero means unspecified.
	Arity int

	// Placement pins the node to partitions running on that backend.
	// hbackend.Auto means unconstrained.
	Placement hbackend.Backend

	// Boundary names the cross-partition channel of send/receive nodes.
	Boundary string

	// Rank is the position of the node in a topological order of the graph the
	// node was originally declared in. Partitions keep the ranks of the
	// unpartitioned graph so that every partition processes nodes in one
	// global order.
	Rank int

	// Parent edges (incoming)
	Parents []NodeID

	// Child edges (outgoing)
	Children []NodeID
}

func (n *Node) clone() *Node {
	c := *n
	c.Parents = append([]NodeID(nil), n.Parents...)
	c.Children = append([]NodeID(nil), n.Children...)
	return &c
}

// Edge connects two nodes and optionally applies a transfer function.
type Edge struct {
	From NodeID
	To   NodeID

	// Func is the transfer function name exactly as declared. Empty means the
	// plain `->` operator, which applies the identity function.
	Func string

	// Seq is the declaration index of the edge in its graph.
	Seq int
}

func (e Edge) String() string {
	if e.Func == "" {
		return fmt.Sprintf("%s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("%s -(%s)-> %s", e.From, e.Func, e.To)
}

// PartitionInfo is attached to graphs produced by the partitioner.
type PartitionInfo struct {
	Index   int
	Backend hbackend.Backend
}

// Graph is a directed multigraph of producers, layers and consumers.
//
// A Graph is immutable once built. Accessors return copies, so callers cannot
// change a graph that is shared between runtimes.
type Graph struct {
	nodes map[NodeID]*Node
	order []NodeID
	edges []Edge

	partition *PartitionInfo
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Has reports whether id is declared in the graph.
func (g *Graph) Has(id NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// NodeOrder returns node IDs in declaration order.
func (g *Graph) NodeOrder() []NodeID {
	return append([]NodeID(nil), g.order...)
}

// Nodes returns copies of all nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.order))
	for i, id := range g.order {
		out[i] = g.nodes[id].clone()
	}
	return out
}

// NodesOfKind returns copies of all nodes of kind k in declaration order.
func (g *Graph) NodesOfKind(k NodeKind) []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Kind == k {
			out = append(out, n.clone())
		}
	}
	return out
}

// Edges returns all edges in declaration order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// InEdges returns the edges ending at id in declaration order.
func (g *Graph) InEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	return out
}

// OutEdges returns the edges starting at id in declaration order.
func (g *Graph) OutEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Partition returns the partition metadata, or nil for a graph that was not
// produced by the partitioner.
func (g *Graph) Partition() *PartitionInfo {
	if g.partition == nil {
		return nil
	}
	p := *g.partition
	return &p
}

// Ranked reports whether every node carries a global topological rank.
func (g *Graph) Ranked() bool {
	for _, n := range g.nodes {
		if n.Rank == NoRank {
			return false
		}
	}
	return len(g.nodes) > 0
}

// index returns declaration positions used for deterministic tie-breaks.
func (g *Graph) index() map[NodeID]int {
	idx := make(map[NodeID]int, len(g.order))
	for i, id := range g.order {
		idx[id] = i
	}
	return idx
}
