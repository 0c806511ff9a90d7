package hgraph

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/birdayz/harmonics/hbackend"
	"golang.org/x/crypto/blake2b"
)

// String renders the graph in the textual DSL. Parsing the output yields a
// structurally identical graph.
//
// Boundary nodes have no DSL form. They and the edges touching them are
// written as comments so partitions can still be inspected.
func (g *Graph) String() string {
	var sb strings.Builder

	if p := g.partition; p != nil {
		fmt.Fprintf(&sb, "# partition %d on %s\n", p.Index, p.Backend)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		switch n.Kind {
		case KindProducer:
			fmt.Fprintf(&sb, "producer %s{%d}", n.ID, n.Arity)
		case KindConsumer:
			if n.Arity > 0 {
				fmt.Fprintf(&sb, "consumer %s{%d}", n.ID, n.Arity)
			} else {
				fmt.Fprintf(&sb, "consumer %s", n.ID)
			}
		case KindLayer:
			fmt.Fprintf(&sb, "layer %s", n.ID)
		case KindSend:
			fmt.Fprintf(&sb, "# send %s via %s\n", n.ID, n.Boundary)
			continue
		case KindReceive:
			fmt.Fprintf(&sb, "# receive %s via %s\n", n.ID, n.Boundary)
			continue
		}
		if n.Placement != hbackend.Auto {
			fmt.Fprintf(&sb, " @%s", strings.ToLower(n.Placement.String()))
		}
		sb.WriteString(";\n")
	}

	if len(g.edges) == 0 {
		return sb.String()
	}

	sb.WriteString("cycle {\n")
	for _, e := range g.edges {
		if g.nodes[e.From].Kind.IsBoundary() || g.nodes[e.To].Kind.IsBoundary() {
			fmt.Fprintf(&sb, "    # %s;\n", e)
			continue
		}
		fmt.Fprintf(&sb, "    %s;\n", e)
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Digest returns a stable hex-encoded BLAKE2b-256 hash of the graph structure,
// including boundary metadata and ranks.
func (g *Graph) Digest() string {
	h, _ := blake2b.New256(nil)
	if p := g.partition; p != nil {
		fmt.Fprintf(h, "P|%d|%s\n", p.Index, p.Backend)
	}
	for _, id := range g.order {
		n := g.nodes[id]
		fmt.Fprintf(h, "N|%s|%s|%d|%s|%s|%d\n", n.Kind, n.ID, n.Arity, n.Placement, n.Boundary, n.Rank)
	}
	for _, e := range g.edges {
		fmt.Fprintf(h, "E|%s|%s|%s\n", e.From, e.To, e.Func)
	}
	return hex.EncodeToString(h.Sum(nil))
}
