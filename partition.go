package harmonics

import (
	"fmt"
	"path/filepath"

	"github.com/birdayz/harmonics/internal/partition"
	"go.uber.org/multierr"
)

// PartitionPlan is the full result of the partitioner.
type PartitionPlan = partition.Plan

// AutoPartition splits g into one partition per backend, in backend order,
// cutting as few edges as the placement hints and backend capabilities
// allow. Auto backends are resolved here. Partitions inherit the options of
// g, with opts applied on top; a pebble sink directory becomes a
// partition-N subdirectory per partition. On error no partition is returned.
func AutoPartition(g *Graph, backends []Backend, opts ...Option) ([]*Graph, error) {
	plan, err := Plan(g, backends, opts...)
	if err != nil {
		return nil, err
	}
	o := g.opts.with(opts)
	parts := make([]*Graph, len(plan.Partitions))
	for i, ir := range plan.Partitions {
		po := o
		if o.pebbleDir != "" {
			po = o.with([]Option{WithPebbleSink(partitionDir(o.pebbleDir, i))})
		}
		parts[i] = newGraph(ir, po)
	}
	return parts, nil
}

func partitionDir(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("partition-%d", index))
}

// Plan runs the partitioner and returns its full result, including the node
// assignment and the synthesized boundaries.
func Plan(g *Graph, backends []Backend, opts ...Option) (*PartitionPlan, error) {
	if g == nil {
		return nil, classify(ErrPartition, errNilGraph)
	}
	g.mu.Lock()
	destroyed := g.destroyed
	g.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}

	o := g.opts.with(opts)
	plan, err := partition.AutoPartition(g.ir, backends,
		partition.WithRegistry(o.registry),
		partition.WithLog(o.log))
	if err != nil {
		return nil, classify(ErrPartition, err)
	}
	return plan, nil
}

// DestroyPartitions destroys every partition. Nil entries are skipped.
func DestroyPartitions(parts []*Graph) error {
	var err error
	for _, p := range parts {
		err = multierr.Append(err, p.Destroy())
	}
	return err
}
