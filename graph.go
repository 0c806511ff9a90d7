package harmonics

import (
	"context"
	"fmt"
	"sync"

	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hparse"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/internal/partition"
	"github.com/birdayz/harmonics/internal/runtime"
	"go.uber.org/multierr"
)

// Graph is a parsed graph, or one partition of it. It can run on its own as a
// single runtime through BindProducer and Fit.
type Graph struct {
	ir   *hgraph.Graph
	opts *options
	rec  *hsink.Recorder

	mu         sync.Mutex
	rt         *runtime.CycleRuntime
	closeSinks func() error
	epochs     int
	destroyed  bool
}

// ParseGraph parses the graph DSL. Errors match ErrParse and carry the
// position of the problem as an *hparse.ParseError.
func ParseGraph(text string, opts ...Option) (*Graph, error) {
	ir, err := hparse.Parse(text)
	if err != nil {
		return nil, classify(ErrParse, err)
	}
	o := newOptions(opts)
	o.log.Debug("Parsed graph", "nodes", ir.Len(), "edges", len(ir.Edges()), "digest", ir.Digest())
	return newGraph(ir, o), nil
}

func newGraph(ir *hgraph.Graph, o *options) *Graph {
	return &Graph{ir: ir, opts: o, rec: hsink.NewRecorder()}
}

// IR returns the underlying graph. It is immutable and stays valid after
// Destroy.
func (g *Graph) IR() *hgraph.Graph {
	return g.ir
}

// String renders the graph in the DSL.
func (g *Graph) String() string {
	return g.ir.String()
}

// Digest returns a stable hash of the graph structure.
func (g *Graph) Digest() string {
	return g.ir.Digest()
}

func (g *Graph) index() int {
	if info := g.ir.Partition(); info != nil {
		return info.Index
	}
	return 0
}

// runtime creates the runtime on first use. A partition runs on the backend
// it was built for.
func (g *Graph) runtime() (*runtime.CycleRuntime, error) {
	if g.rt != nil {
		return g.rt, nil
	}
	want := g.opts.backend
	if info := g.ir.Partition(); info != nil {
		want = info.Backend
	}
	resolved, err := partition.ResolveBackends(g.ir, []Backend{want}, g.opts.registry)
	if err != nil {
		return nil, classify(ErrConfig, err)
	}
	backend := resolved[0]
	sink, closeSinks, err := g.opts.openSinks(g.rec)
	if err != nil {
		return nil, classify(ErrConfig, err)
	}
	rt, err := runtime.New(runtime.Config{
		Graph:     g.ir,
		Backend:   backend,
		Registry:  g.opts.registry,
		Partition: g.index(),
		Sink:      sink,
		Log:       g.opts.log,
	})
	if err != nil {
		return nil, classify(ErrRuntime, multierr.Append(err, closeSinks()))
	}
	g.rt, g.closeSinks = rt, closeSinks
	return rt, nil
}

// BindProducer attaches p to the producer node called name. Binding the same
// name again replaces the earlier producer.
func (g *Graph) BindProducer(name string, p *Producer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	src, err := p.source()
	if err != nil {
		return err
	}
	if n, ok := g.ir.Node(hgraph.NodeID(name)); !ok || n.Kind != hgraph.KindProducer {
		return classify(ErrBinding, fmt.Errorf("%w: %q", runtime.ErrUnknownProducer, name))
	}
	rt, err := g.runtime()
	if err != nil {
		return err
	}
	return classify(ErrBinding, rt.Bind(name, src))
}

// Fit runs epochs epochs on a single runtime. Epoch numbers continue across
// calls. The first failure stops the run.
func (g *Graph) Fit(ctx context.Context, epochs int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return ErrDestroyed
	}
	if epochs < 0 {
		return classify(ErrConfig, fmt.Errorf("negative epoch count %d", epochs))
	}
	rt, err := g.runtime()
	if err != nil {
		return err
	}
	for e := 0; e < epochs; e++ {
		if err := rt.RunEpoch(ctx, g.epochs); err != nil {
			g.rec.DropFrom(g.epochs)
			return classify(ErrRuntime, &EpochError{Partition: g.index(), Epoch: g.epochs, Err: err})
		}
		g.epochs++
	}
	g.opts.log.Debug("Fit complete", "epochs", epochs, "total", g.epochs)
	return nil
}

// Observations returns every value delivered to a consumer of this graph,
// ordered by epoch and consumer.
func (g *Graph) Observations() ([]Observation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return nil, ErrDestroyed
	}
	return g.rec.All(), nil
}

// Destroy releases the runtime and its bindings. Bound producers stay owned
// by the caller.
func (g *Graph) Destroy() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		return nil
	}
	g.destroyed = true
	var err error
	if g.rt != nil {
		err = multierr.Append(err, g.rt.Close())
		err = multierr.Append(err, g.closeSinks())
		g.rt = nil
	}
	return multierr.Append(err, g.rec.Close())
}
