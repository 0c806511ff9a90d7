package partition

import (
	"fmt"
	"strconv"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hgraph"
)

// BoundaryName returns the channel name of the i-th boundary.
func BoundaryName(i int) string {
	return "boundary" + strconv.Itoa(i)
}

// SendID and RecvID name the two ends of a boundary.
func SendID(boundary string) hgraph.NodeID { return hgraph.NodeID(boundary + ".send") }
func RecvID(boundary string) hgraph.NodeID { return hgraph.NodeID(boundary + ".recv") }

// synthesize builds one graph per partition from plan.Assignment.
//
// Nodes keep their global topological rank. A crossing edge u -(f)-> v becomes
// u -> send in u's partition and recv -(f)-> v in v's partition; both ends get
// the rank of u, so the receive is scheduled before anything that depends on
// it and after nothing the sender could be waiting for.
func synthesize(g *hgraph.Graph, plan *Plan) error {
	ranks, err := g.Ranks()
	if err != nil {
		return err
	}

	builders := make([]*hgraph.Builder, len(plan.Backends))
	for i, b := range plan.Backends {
		builders[i] = hgraph.NewBuilder()
		builders[i].SetPartition(i, b)
	}

	for _, n := range g.Nodes() {
		node := *n
		node.Rank = ranks[n.ID]
		node.Parents, node.Children = nil, nil
		if err := builders[plan.Assignment[n.ID]].AddNode(node); err != nil {
			return err
		}
	}

	next := 0
	for _, e := range g.Edges() {
		from, to := plan.Assignment[e.From], plan.Assignment[e.To]
		if from == to {
			if err := builders[from].AddEdge(e.From, e.To, e.Func); err != nil {
				return err
			}
			continue
		}

		name := BoundaryName(next)
		for g.Has(SendID(name)) || g.Has(RecvID(name)) {
			next++
			name = BoundaryName(next)
		}
		next++

		rank := ranks[e.From]
		send := hgraph.Node{ID: SendID(name), Kind: hgraph.KindSend, Boundary: name, Placement: hbackend.Auto, Rank: rank}
		recv := hgraph.Node{ID: RecvID(name), Kind: hgraph.KindReceive, Boundary: name, Placement: hbackend.Auto, Rank: rank}
		if err := builders[from].AddNode(send); err != nil {
			return err
		}
		if err := builders[from].AddEdge(e.From, send.ID, ""); err != nil {
			return err
		}
		if err := builders[to].AddNode(recv); err != nil {
			return err
		}
		if err := builders[to].AddEdge(recv.ID, e.To, e.Func); err != nil {
			return err
		}
		plan.Boundaries = append(plan.Boundaries, Boundary{Name: name, Edge: e, From: from, To: to})
	}

	plan.Partitions = make([]*hgraph.Graph, len(builders))
	for i, b := range builders {
		part, err := b.Build()
		if err != nil {
			return err
		}
		if err := part.Validate(); err != nil {
			return fmt.Errorf("partition %d: %w", i, err)
		}
		plan.Partitions[i] = part
	}
	return nil
}
