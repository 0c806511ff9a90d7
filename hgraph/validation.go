package hgraph

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Validation limits to prevent pathological cases
const (
	MaxNodesPerGraph   = 10000
	MaxChildrenPerNode = 1000
	MaxArity           = 1 << 20
)

// Validate performs all structural validations needed before execution: size
// limits, node kind rules, cycle detection and orphan detection.
// Returns early on first error.
func (g *Graph) Validate() error {
	if len(g.nodes) > MaxNodesPerGraph {
		return fmt.Errorf("%w: node count %d exceeds maximum %d",
			ErrInvalidTopology, len(g.nodes), MaxNodesPerGraph)
	}

	if err := g.validateKinds(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	if err := g.validateNoOrphans(); err != nil {
		return fmt.Errorf("graph validation failed: %w", err)
	}

	return nil
}

// validateKinds checks the in/out rules of each node kind.
func (g *Graph) validateKinds() error {
	for _, id := range g.order {
		node := g.nodes[id]
		if len(node.Children) > MaxChildrenPerNode {
			return fmt.Errorf("%w: node %s has %d children, exceeds maximum %d",
				ErrInvalidTopology, id, len(node.Children), MaxChildrenPerNode)
		}
		switch node.Kind {
		case KindProducer, KindReceive:
			if len(node.Parents) > 0 {
				return fmt.Errorf("%w: %s %s has inputs from %s",
					ErrInvalidTopology, strings.ToLower(node.Kind.String()), id, joinIDs(node.Parents))
			}
		case KindConsumer:
			if len(node.Children) > 0 {
				return fmt.Errorf("%w: consumer %s has outputs to %s",
					ErrInvalidTopology, id, joinIDs(node.Children))
			}
		case KindSend:
			if len(node.Children) > 0 || len(node.Parents) != 1 {
				return fmt.Errorf("%w: send %s must have exactly one input and no outputs",
					ErrInvalidTopology, id)
			}
		}
	}
	return nil
}

// validateNoOrphans checks that all nodes are reachable from at least one
// producer or receive node.
// Returns ErrOrphanedNodes if unreachable nodes are found.
func (g *Graph) validateNoOrphans() error {
	reachable := make(map[NodeID]bool, len(g.nodes))

	for _, id := range g.order {
		if g.nodes[id].Kind.IsSource() {
			g.markReachable(id, reachable)
		}
	}

	var orphans []NodeID
	for _, id := range g.order {
		if !reachable[id] {
			orphans = append(orphans, id)
		}
	}

	if len(orphans) > 0 {
		return fmt.Errorf("%w (unreachable from producers): %s",
			ErrOrphanedNodes, joinIDs(orphans))
	}

	return nil
}

// markReachable recursively marks all nodes reachable from the given node.
func (g *Graph) markReachable(nodeID NodeID, reachable map[NodeID]bool) {
	if reachable[nodeID] {
		return
	}

	reachable[nodeID] = true
	for _, childID := range g.nodes[nodeID].Children {
		g.markReachable(childID, reachable)
	}
}

// insertSorted inserts an item into a slice kept sorted by declaration index.
func insertSorted(slice []NodeID, item NodeID, idx map[NodeID]int) []NodeID {
	pos := sort.Search(len(slice), func(i int) bool {
		return idx[slice[i]] >= idx[item]
	})
	return slices.Insert(slice, pos, item)
}

// TopologicalOrder returns a deterministic topological ordering using Kahn's
// algorithm. Ready nodes are taken in declaration order.
// Returns ErrCycleDetected, naming the nodes left on a cycle, if the graph is
// not acyclic.
func (g *Graph) TopologicalOrder() ([]NodeID, error) {
	idx := g.index()

	inDegree := make(map[NodeID]int, len(g.nodes))
	for _, e := range g.edges {
		inDegree[e.To]++
	}

	queue := make([]NodeID, 0, len(g.nodes)/4)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		result = append(result, nodeID)

		for _, childID := range g.nodes[nodeID].Children {
			inDegree[childID]--
			if inDegree[childID] == 0 {
				queue = insertSorted(queue, childID, idx)
			}
		}
	}

	if len(result) != len(g.nodes) {
		var stuck []NodeID
		for _, id := range g.order {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrCycleDetected, joinIDs(stuck))
	}

	return result, nil
}

// Ranks maps every node to its position in TopologicalOrder.
func (g *Graph) Ranks() (map[NodeID]int, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	ranks := make(map[NodeID]int, len(order))
	for i, id := range order {
		ranks[id] = i
	}
	return ranks, nil
}

// kindOrder places a send after the node feeding it when both share a rank.
func kindOrder(k NodeKind) int {
	switch k {
	case KindProducer, KindReceive:
		return 0
	case KindLayer:
		return 1
	case KindConsumer:
		return 2
	default:
		return 3
	}
}

// ExecutionOrder returns the order in which a runtime evaluates nodes.
//
// Ranked graphs (partitions) are ordered by (Rank, kind, name). All partitions
// of one graph therefore walk the same global order, and a receive never waits
// for a send that is scheduled behind another receive. Graphs without ranks
// fall back to TopologicalOrder.
func (g *Graph) ExecutionOrder() ([]NodeID, error) {
	if !g.Ranked() {
		return g.TopologicalOrder()
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	order := g.NodeOrder()
	slices.SortFunc(order, func(a, b NodeID) int {
		na, nb := g.nodes[a], g.nodes[b]
		return cmp.Or(
			cmp.Compare(na.Rank, nb.Rank),
			cmp.Compare(kindOrder(na.Kind), kindOrder(nb.Kind)),
			cmp.Compare(a, b),
		)
	})
	return order, nil
}

func joinIDs(ids []NodeID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}
