// Package partition splits a graph across a list of backends.
//
// AutoPartition assigns every node to exactly one partition, minimizing the
// number of edges that cross partitions while honoring placement hints and
// backend capabilities. Each crossing edge becomes a boundary: a send node in
// the source partition and a receive node in the destination partition, both
// named after the same channel.
package partition

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/internal/logging"
)

var (
	ErrNoBackends         = errors.New("no backends given")
	ErrUnsatisfiable      = errors.New("placement constraints cannot be satisfied")
	ErrAlreadyPartitioned = errors.New("graph is already a partition")
)

// ExactLimit bounds the search space (k^n) explored exhaustively. Larger
// problems use greedy refinement.
const ExactLimit = 1 << 20

type options struct {
	registry *hbackend.Registry
	log      *slog.Logger
}

type Option func(*options)

var WithRegistry = func(r *hbackend.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

var WithLog = func(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Plan is the outcome of AutoPartition.
type Plan struct {
	// Backends are the resolved backends, one per partition.
	Backends []hbackend.Backend
	// Assignment maps every node of the input graph to its partition index.
	Assignment map[hgraph.NodeID]int
	// Boundaries lists the synthesized channels in edge declaration order.
	Boundaries []Boundary
	// Exact reports whether the cut was found by exhaustive search.
	Exact bool

	Partitions []*hgraph.Graph
}

// Boundary is one crossing edge of the input graph.
type Boundary struct {
	Name     string
	Edge     hgraph.Edge
	From, To int
}

// Cut returns the number of crossing edges.
func (p *Plan) Cut() int {
	return len(p.Boundaries)
}

// Sizes returns the node count of each partition, boundary nodes excluded.
func (p *Plan) Sizes() []int {
	sizes := make([]int, len(p.Backends))
	for _, part := range p.Assignment {
		sizes[part]++
	}
	return sizes
}

// AutoPartition splits g into len(backends) partitions, in backend order.
// Auto entries are resolved first with ResolveBackends; a resolution failure
// is returned as is. No partitions are returned on error.
func AutoPartition(g *hgraph.Graph, backends []hbackend.Backend, opts ...Option) (*Plan, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = hbackend.DefaultRegistry()
	}
	log := logging.OrNull(o.log).With("component", "partitioner")

	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, n := range g.Nodes() {
		if n.Kind.IsBoundary() {
			return nil, fmt.Errorf("%w: node %s is a boundary", ErrAlreadyPartitioned, n.ID)
		}
	}

	resolved, err := ResolveBackends(g, backends, o.registry)
	if err != nil {
		return nil, err
	}

	p, err := newProblem(g, resolved, o.registry)
	if err != nil {
		return nil, err
	}

	var best assignment
	exact := p.exactFeasible()
	if exact {
		best = p.solveExact()
	} else {
		best = p.solveGreedy()
	}

	plan := &Plan{
		Backends:   resolved,
		Assignment: make(map[hgraph.NodeID]int, len(p.nodes)),
		Exact:      exact,
	}
	for i, id := range p.nodes {
		plan.Assignment[id] = best.parts[i]
	}
	if err := synthesize(g, plan); err != nil {
		return nil, err
	}

	log.Info("Partitioned graph",
		"nodes", len(p.nodes),
		"partitions", len(resolved),
		"cut", plan.Cut(),
		"sizes", plan.Sizes(),
		"exact", exact)
	return plan, nil
}

// problem is the integer view of a graph: nodes by declaration index and
// edges as index pairs.
type problem struct {
	nodes    []hgraph.NodeID
	k        int
	backends []hbackend.Backend
	edges    [][2]int
	// eligible[v] lists the partitions node v may be placed on, ascending.
	eligible [][]int
	// adj[v] lists the neighbors of v, one entry per edge.
	adj [][]int
	// twin[p] is the lowest partition index with the same backend as p.
	twin []int
}

func newProblem(g *hgraph.Graph, backends []hbackend.Backend, reg *hbackend.Registry) (*problem, error) {
	p := &problem{
		nodes:    g.NodeOrder(),
		k:        len(backends),
		backends: backends,
		twin:     make([]int, len(backends)),
	}
	idx := make(map[hgraph.NodeID]int, len(p.nodes))
	for i, id := range p.nodes {
		idx[id] = i
	}
	p.adj = make([][]int, len(p.nodes))
	for _, e := range g.Edges() {
		from, to := idx[e.From], idx[e.To]
		p.edges = append(p.edges, [2]int{from, to})
		p.adj[from] = append(p.adj[from], to)
		p.adj[to] = append(p.adj[to], from)
	}

	for i, b := range backends {
		p.twin[i] = slices.Index(backends, b)
	}

	caps := make([]hbackend.Capabilities, len(backends))
	for i, b := range backends {
		c, err := reg.Capabilities(b)
		if err != nil {
			return nil, err
		}
		caps[i] = c
	}

	p.eligible = make([][]int, len(p.nodes))
	for v, id := range p.nodes {
		n, _ := g.Node(id)
		in := g.InEdges(id)
		for part, b := range backends {
			if n.Placement != hbackend.Auto && n.Placement != b {
				continue
			}
			supported := true
			for _, e := range in {
				if !caps[part].Supports(e.Func) {
					supported = false
					break
				}
			}
			if supported {
				p.eligible[v] = append(p.eligible[v], part)
			}
		}
		if len(p.eligible[v]) == 0 {
			return nil, fmt.Errorf("%w: no partition can host %s %s (placement %s, backends %v)",
				ErrUnsatisfiable, n.Kind, id, n.Placement, backends)
		}
	}
	return p, nil
}

func (p *problem) exactFeasible() bool {
	space := 1
	for range p.nodes {
		space *= p.k
		if space > ExactLimit {
			return false
		}
	}
	return true
}

// assignment is a complete placement with its cost.
type assignment struct {
	parts []int
	cost  cost
}

// cost orders assignments: fewer empty partitions first, then fewer crossing
// edges, then a smaller spread between the largest and smallest partition.
// Remaining ties go to the lexicographically smallest parts vector.
type cost struct {
	empty     int
	cut       int
	imbalance int
}

func (c cost) less(o cost) bool {
	if c.empty != o.empty {
		return c.empty < o.empty
	}
	if c.cut != o.cut {
		return c.cut < o.cut
	}
	return c.imbalance < o.imbalance
}

// exceeds reports whether c is worse than o before imbalance is considered.
func (c cost) exceeds(o cost) bool {
	if c.empty != o.empty {
		return c.empty > o.empty
	}
	return c.cut > o.cut
}

func sizeCost(sizes []int) cost {
	c := cost{imbalance: slices.Max(sizes) - slices.Min(sizes)}
	for _, s := range sizes {
		if s == 0 {
			c.empty++
		}
	}
	return c
}

func (p *problem) evaluate(parts []int) cost {
	sizes := make([]int, p.k)
	for _, part := range parts {
		sizes[part]++
	}
	c := sizeCost(sizes)
	for _, e := range p.edges {
		if parts[e[0]] != parts[e[1]] {
			c.cut++
		}
	}
	return c
}

// solveExact runs a depth-first branch and bound over nodes in declaration
// order, trying partitions in ascending order. Only strictly better
// assignments replace the incumbent, so the first optimum found is the
// lexicographically smallest one.
func (p *problem) solveExact() assignment {
	n := len(p.nodes)
	parts := make([]int, n)
	sizes := make([]int, p.k)
	best := assignment{cost: cost{empty: p.k + 1}}

	var walk func(v, cut int)
	walk = func(v, cut int) {
		empty := 0
		for _, s := range sizes {
			if s == 0 {
				empty++
			}
		}
		// Every remaining node can fill at most one empty partition.
		bound := cost{empty: max(0, empty-(n-v)), cut: cut}
		if best.parts != nil && bound.exceeds(best.cost) {
			return
		}
		if v == n {
			c := p.evaluate(parts)
			if best.parts == nil || c.less(best.cost) {
				best = assignment{parts: slices.Clone(parts), cost: c}
			}
			return
		}
		for _, part := range p.eligible[v] {
			// Partitions sharing a backend are interchangeable while empty.
			if sizes[part] == 0 && p.twin[part] != part && p.firstEmptyTwin(part, sizes) != part {
				continue
			}
			added := 0
			for _, u := range p.adj[v] {
				if u < v && parts[u] != part {
					added++
				}
			}
			parts[v] = part
			sizes[part]++
			walk(v+1, cut+added)
			sizes[part]--
		}
	}
	walk(0, 0)
	return best
}

// firstEmptyTwin returns the lowest empty partition with the backend of part.
func (p *problem) firstEmptyTwin(part int, sizes []int) int {
	for q := p.twin[part]; q < part; q++ {
		if p.backends[q] == p.backends[part] && sizes[q] == 0 {
			return q
		}
	}
	return part
}

// solveGreedy seeds a placement in topological order, filling partitions up
// to an even share and following already placed neighbors, then moves single
// nodes while that strictly lowers the cost.
func (p *problem) solveGreedy() assignment {
	n := len(p.nodes)
	parts := make([]int, n)
	for i := range parts {
		parts[i] = -1
	}
	sizes := make([]int, p.k)
	share := (n + p.k - 1) / p.k

	for _, v := range p.topoOrder() {
		best, bestKey := -1, [4]int{}
		for _, part := range p.eligible[v] {
			links := 0
			for _, u := range p.adj[v] {
				if parts[u] == part {
					links++
				}
			}
			full := 0
			if sizes[part] >= share {
				full = 1
			}
			key := [4]int{full, -links, sizes[part], part}
			if best < 0 || slices.Compare(key[:], bestKey[:]) < 0 {
				best, bestKey = part, key
			}
		}
		parts[v] = best
		sizes[best]++
	}

	current := p.evaluate(parts)
	const maxPasses = 32
	for pass := 0; pass < maxPasses; pass++ {
		improved := false
		for v := 0; v < n; v++ {
			for _, part := range p.eligible[v] {
				from := parts[v]
				if part == from {
					continue
				}
				delta := 0
				for _, u := range p.adj[v] {
					if parts[u] != part {
						delta++
					}
					if parts[u] != from {
						delta--
					}
				}
				sizes[from]--
				sizes[part]++
				c := sizeCost(sizes)
				c.cut = current.cut + delta
				if c.less(current) {
					parts[v], current, improved = part, c, true
					continue
				}
				sizes[from]++
				sizes[part]--
			}
		}
		if !improved {
			break
		}
	}
	return assignment{parts: parts, cost: current}
}

// topoOrder orders node indexes so every edge points forward. Ready nodes are
// taken in declaration order.
func (p *problem) topoOrder() []int {
	in := make([]int, len(p.nodes))
	out := make([][]int, len(p.nodes))
	for _, e := range p.edges {
		in[e[1]]++
		out[e[0]] = append(out[e[0]], e[1])
	}
	var ready, order []int
	for v := range p.nodes {
		if in[v] == 0 {
			ready = append(ready, v)
		}
	}
	for len(ready) > 0 {
		v := ready[0]
		ready = ready[1:]
		order = append(order, v)
		for _, w := range out[v] {
			in[w]--
			if in[w] == 0 {
				pos, _ := slices.BinarySearch(ready, w)
				ready = slices.Insert(ready, pos, w)
			}
		}
	}
	return order
}
