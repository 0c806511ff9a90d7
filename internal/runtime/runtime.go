// Package runtime executes one partition graph, one epoch at a time.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hfunc"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/hsource"
	"github.com/birdayz/harmonics/internal/logging"
	"github.com/birdayz/harmonics/internal/transport"
)

var (
	ErrUnknownProducer = errors.New("no such producer")
	ErrNilSource       = errors.New("source is nil")
	ErrSourceInUse     = errors.New("source already bound to another producer")
	ErrUnboundProducer = errors.New("unbound producer")
	ErrUnknownBoundary = errors.New("no such boundary")
	ErrUnconnected     = errors.New("boundary not connected")
	ErrShape           = errors.New("shape mismatch")
	ErrPlacement       = errors.New("node placement conflicts with backend")
	ErrClosed          = errors.New("runtime closed")
)

// Config describes one runtime.
type Config struct {
	Graph *hgraph.Graph
	// Backend must be concrete.
	Backend  hbackend.Backend
	Registry *hbackend.Registry
	// Partition is reported in observations and logs.
	Partition int
	Sink      hsink.Sink
	Log       *slog.Logger
}

// Boundary describes one boundary node of the runtime's graph.
type Boundary struct {
	Name string
	Node hgraph.NodeID
	Kind hgraph.NodeKind
}

// CycleRuntime runs the epochs of one graph on one backend.
//
// Bind and Connect may be called concurrently with each other; RunEpoch
// snapshots bindings when it starts, so a bind during an epoch takes effect in
// the next one.
type CycleRuntime struct {
	partition int
	graph     *hgraph.Graph
	order     []hgraph.NodeID
	exec      *hbackend.Context
	sink      hsink.Sink
	log       *slog.Logger

	mu         sync.Mutex
	bindings   map[hgraph.NodeID]hsource.Source
	boundaries map[string]Boundary
	channels   map[string]*transport.Channel
	epochs     int
	closed     bool
}

// New validates the graph and checks that the backend can run every edge.
func New(cfg Config) (*CycleRuntime, error) {
	if cfg.Graph == nil {
		return nil, errors.New("runtime needs a graph")
	}
	if cfg.Registry == nil {
		cfg.Registry = hbackend.DefaultRegistry()
	}
	if err := cfg.Graph.Validate(); err != nil {
		return nil, err
	}
	order, err := cfg.Graph.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	exec, err := hbackend.NewContext(cfg.Registry, cfg.Backend)
	if err != nil {
		return nil, err
	}

	r := &CycleRuntime{
		partition:  cfg.Partition,
		graph:      cfg.Graph,
		order:      order,
		exec:       exec,
		sink:       cfg.Sink,
		log:        logging.OrNull(cfg.Log).With("partition", cfg.Partition, "backend", cfg.Backend.String()),
		bindings:   make(map[hgraph.NodeID]hsource.Source),
		boundaries: make(map[string]Boundary),
		channels:   make(map[string]*transport.Channel),
	}

	for _, n := range cfg.Graph.Nodes() {
		if n.Placement != hbackend.Auto && n.Placement != cfg.Backend {
			return nil, fmt.Errorf("%w: %s wants %s, runtime is %s", ErrPlacement, n.ID, n.Placement, cfg.Backend)
		}
		if n.Kind.IsBoundary() {
			r.boundaries[n.Boundary] = Boundary{Name: n.Boundary, Node: n.ID, Kind: n.Kind}
		}
	}
	for _, e := range cfg.Graph.Edges() {
		if !exec.Supports(e.Func) {
			return nil, fmt.Errorf("edge %s: %w: %s", e, hbackend.ErrUnsupportedFunc, cfg.Backend)
		}
	}

	return r, nil
}

// Graph returns the graph this runtime executes.
func (r *CycleRuntime) Graph() *hgraph.Graph {
	return r.graph
}

// Partition returns the partition index.
func (r *CycleRuntime) Partition() int {
	return r.partition
}

// Backend returns the backend the runtime executes on.
func (r *CycleRuntime) Backend() hbackend.Backend {
	return r.exec.Backend()
}

func sameSource(a, b hsource.Source) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}

// Bind attaches src to the producer called name, replacing any earlier
// binding of that producer. A source can feed only one producer.
func (r *CycleRuntime) Bind(name string, src hsource.Source) error {
	if src == nil {
		return ErrNilSource
	}
	n, ok := r.graph.Node(hgraph.NodeID(name))
	if !ok || n.Kind != hgraph.KindProducer {
		return fmt.Errorf("%w: %q in partition %d", ErrUnknownProducer, name, r.partition)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for id, bound := range r.bindings {
		if id != n.ID && sameSource(bound, src) {
			return fmt.Errorf("%w: %s", ErrSourceInUse, id)
		}
	}
	r.bindings[n.ID] = src
	r.log.Debug("Bound producer", "producer", name)
	return nil
}

// Binding returns the source bound to the producer called name.
func (r *CycleRuntime) Binding(name string) (hsource.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.bindings[hgraph.NodeID(name)]
	return src, ok
}

// Holder returns the producer src is bound to, if any.
func (r *CycleRuntime) Holder(src hsource.Source) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, bound := range r.bindings {
		if sameSource(bound, src) {
			return string(id), true
		}
	}
	return "", false
}

// Producers returns the producer names of the graph in declaration order.
func (r *CycleRuntime) Producers() []string {
	var out []string
	for _, n := range r.graph.NodesOfKind(hgraph.KindProducer) {
		out = append(out, string(n.ID))
	}
	return out
}

// Boundaries returns the boundary nodes of the graph.
func (r *CycleRuntime) Boundaries() []Boundary {
	var out []Boundary
	for _, id := range r.graph.NodeOrder() {
		n, _ := r.graph.Node(id)
		if n.Kind.IsBoundary() {
			out = append(out, r.boundaries[n.Boundary])
		}
	}
	return out
}

// Connect attaches the channel of a boundary.
func (r *CycleRuntime) Connect(ch *transport.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.boundaries[ch.Boundary()]; !ok {
		return fmt.Errorf("%w: %s in partition %d", ErrUnknownBoundary, ch.Boundary(), r.partition)
	}
	r.channels[ch.Boundary()] = ch
	return nil
}

// Epochs returns how many epochs completed successfully.
func (r *CycleRuntime) Epochs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epochs
}

// Applied returns how many transfer functions the backend executed.
func (r *CycleRuntime) Applied() int64 {
	return r.exec.Applied()
}

type epochState struct {
	bindings map[hgraph.NodeID]hsource.Source
	channels map[string]*transport.Channel
}

func (r *CycleRuntime) snapshot() (epochState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return epochState{}, ErrClosed
	}
	st := epochState{
		bindings: make(map[hgraph.NodeID]hsource.Source, len(r.bindings)),
		channels: make(map[string]*transport.Channel, len(r.channels)),
	}
	for _, n := range r.graph.NodesOfKind(hgraph.KindProducer) {
		src, ok := r.bindings[n.ID]
		if !ok {
			return epochState{}, fmt.Errorf("%w: %s", ErrUnboundProducer, n.ID)
		}
		st.bindings[n.ID] = src
	}
	for name := range r.boundaries {
		ch, ok := r.channels[name]
		if !ok {
			return epochState{}, fmt.Errorf("%w: %s", ErrUnconnected, name)
		}
		st.channels[name] = ch
	}
	return st, nil
}

// RunEpoch pulls every producer once, propagates values in execution order and
// delivers them to consumers and boundary sends. A receive blocks until its
// value arrives or ctx is done. Values do not outlive the epoch.
func (r *CycleRuntime) RunEpoch(ctx context.Context, epoch int) error {
	st, err := r.snapshot()
	if err != nil {
		return err
	}

	values := make(map[hgraph.NodeID]hfunc.Tensor, len(r.order))
	for _, id := range r.order {
		n, _ := r.graph.Node(id)
		switch n.Kind {
		case hgraph.KindProducer:
			v, err := pull(ctx, n, st.bindings[id])
			if err != nil {
				return err
			}
			values[id] = v

		case hgraph.KindReceive:
			v, err := st.channels[n.Boundary].Recv(ctx, epoch)
			if err != nil {
				return err
			}
			values[id] = v

		default:
			v, err := r.combine(id, values)
			if err != nil {
				return err
			}
			switch n.Kind {
			case hgraph.KindLayer:
				values[id] = v
			case hgraph.KindConsumer:
				if n.Arity > 0 && v.Width() != n.Arity {
					return fmt.Errorf("%w: consumer %s expects %d values, got %d", ErrShape, id, n.Arity, v.Width())
				}
				if r.sink != nil {
					obs := hsink.Observation{Partition: r.partition, Consumer: string(id), Epoch: epoch, Value: v}
					if err := r.sink.Observe(ctx, obs); err != nil {
						return fmt.Errorf("observe %s: %w", id, err)
					}
				}
			case hgraph.KindSend:
				if err := st.channels[n.Boundary].Send(ctx, epoch, v); err != nil {
					return err
				}
			}
		}
	}

	r.mu.Lock()
	r.epochs++
	r.mu.Unlock()
	r.log.Debug("Epoch complete", "epoch", epoch)
	return nil
}

// combine applies each incoming edge's function and sums the results.
func (r *CycleRuntime) combine(id hgraph.NodeID, values map[hgraph.NodeID]hfunc.Tensor) (hfunc.Tensor, error) {
	in := r.graph.InEdges(id)
	inputs := make([]hfunc.Tensor, 0, len(in))
	for _, e := range in {
		out, err := r.exec.Apply(e.Func, values[e.From])
		if err != nil {
			return nil, fmt.Errorf("edge %s: %w", e, err)
		}
		inputs = append(inputs, out)
	}
	v, err := hfunc.Sum(inputs...)
	if err != nil {
		return nil, fmt.Errorf("%w: inputs of %s: %v", ErrShape, id, err)
	}
	return v, nil
}

// pull gathers arity scalars from src. A producer without arity takes exactly
// one record.
func pull(ctx context.Context, n *hgraph.Node, src hsource.Source) (hfunc.Tensor, error) {
	if n.Arity == 0 {
		rec, err := src.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", n.ID, err)
		}
		return rec, nil
	}

	var out hfunc.Tensor
	for len(out) < n.Arity {
		rec, err := src.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", n.ID, err)
		}
		if len(rec) == 0 {
			return nil, fmt.Errorf("%w: producer %s got an empty record", ErrShape, n.ID)
		}
		if len(out)+len(rec) > n.Arity {
			return nil, fmt.Errorf("%w: producer %s has arity %d, record of %d overflows at %d",
				ErrShape, n.ID, n.Arity, len(rec), len(out))
		}
		out = append(out, rec...)
	}
	return out, nil
}

// Close releases bindings and channels. It does not close the bound sources,
// which belong to the caller.
func (r *CycleRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	clear(r.bindings)
	clear(r.channels)
	r.log.Debug("Runtime closed")
	return nil
}
