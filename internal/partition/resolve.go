package partition

import (
	"fmt"
	"slices"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hgraph"
)

// ResolveBackends turns every Auto slot of backends into a concrete backend,
// looking at what the nodes of g need.
//
// Concrete slots are kept and must be available. Auto slots are then handed
// out in slot order: first to available backends that a placement hint pins
// a node to and that no slot provides yet, then to available backends able to
// run a node whose incoming transfer functions no slot supports yet. Auto
// slots left over get the registry's default choice.
func ResolveBackends(g *hgraph.Graph, backends []hbackend.Backend, reg *hbackend.Registry) ([]hbackend.Backend, error) {
	out := make([]hbackend.Backend, len(backends))
	var auto []int
	for i, b := range backends {
		if b == hbackend.Auto {
			auto = append(auto, i)
			continue
		}
		resolved, err := reg.Resolve(b)
		if err != nil {
			return nil, fmt.Errorf("backend slot %d: %w", i, err)
		}
		out[i] = resolved
	}
	if len(auto) == 0 {
		return out, nil
	}

	var chosen []hbackend.Backend
	for i, b := range out {
		if !slices.Contains(auto, i) {
			chosen = append(chosen, b)
		}
	}
	take := func(b hbackend.Backend) {
		out[auto[0]] = b
		auto = auto[1:]
		chosen = append(chosen, b)
	}

	nodes := g.Nodes()
	for _, n := range nodes {
		if len(auto) == 0 {
			break
		}
		if n.Placement == hbackend.Auto || slices.Contains(chosen, n.Placement) || !reg.Available(n.Placement) {
			continue
		}
		take(n.Placement)
	}

	for _, n := range nodes {
		if len(auto) == 0 {
			break
		}
		if n.Placement != hbackend.Auto {
			continue
		}
		fns := incomingFuncs(g, n.ID)
		if slices.ContainsFunc(chosen, func(b hbackend.Backend) bool { return supportsAll(reg, b, fns) }) {
			continue
		}
		for _, c := range hbackend.Concrete {
			if reg.Available(c) && supportsAll(reg, c, fns) {
				take(c)
				break
			}
		}
	}

	for _, i := range auto {
		resolved, err := reg.Resolve(hbackend.Auto)
		if err != nil {
			return nil, fmt.Errorf("backend slot %d: %w", i, err)
		}
		out[i] = resolved
	}
	return out, nil
}

func incomingFuncs(g *hgraph.Graph, id hgraph.NodeID) []string {
	var fns []string
	for _, e := range g.InEdges(id) {
		fns = append(fns, e.Func)
	}
	return fns
}

func supportsAll(reg *hbackend.Registry, b hbackend.Backend, fns []string) bool {
	caps, err := reg.Capabilities(b)
	if err != nil {
		return false
	}
	for _, fn := range fns {
		if !caps.Supports(fn) {
			return false
		}
	}
	return true
}
