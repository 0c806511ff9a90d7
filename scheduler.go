package harmonics

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/internal/execution"
	"go.uber.org/multierr"
)

var errNilGraph = errors.New("graph is nil")

// Scheduler runs a fixed set of partitions concurrently, one epoch at a time.
type Scheduler struct {
	s          *execution.Scheduler
	rec        *hsink.Recorder
	closeSinks func() error
	opts       *options

	mu        sync.Mutex
	destroyed bool
}

// NewDistributedScheduler creates a scheduler for partitions as returned by
// AutoPartition. backends must have one entry per partition and match the
// backends the partitions were built for. With secure set, every boundary
// frame is encrypted and authenticated. The partitions stay owned by the
// caller; the scheduler keeps no reference to the handles.
func NewDistributedScheduler(ctx context.Context, parts []*Graph, backends []Backend, secure bool, opts ...Option) (*Scheduler, error) {
	o := newOptions(opts)
	irs := make([]*hgraph.Graph, len(parts))
	for i, p := range parts {
		if p == nil {
			return nil, classify(ErrConfig, fmt.Errorf("partition %d: %w", i, errNilGraph))
		}
		p.mu.Lock()
		destroyed := p.destroyed
		p.mu.Unlock()
		if destroyed {
			return nil, ErrDestroyed
		}
		irs[i] = p.ir
	}

	rec := hsink.NewRecorder()
	sink, closeSinks, err := o.openSinks(rec)
	if err != nil {
		return nil, classify(ErrConfig, err)
	}
	tr, err := o.transport()
	if err != nil {
		return nil, classify(ErrConfig, multierr.Append(err, closeSinks()))
	}

	s, err := execution.New(ctx, execution.Config{
		Partitions: irs,
		Backends:   backends,
		Secure:     secure,
		Key:        o.key,
		Transport:  tr,
		Registry:   o.registry,
		Sink:       sink,
		Log:        o.log,
	})
	if err != nil {
		return nil, classify(ErrConfig, multierr.Append(err, closeSinks()))
	}
	return &Scheduler{s: s, rec: rec, closeSinks: closeSinks, opts: o}, nil
}

func (s *Scheduler) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	return nil
}

// Len returns the number of partitions.
func (s *Scheduler) Len() int {
	return s.s.Len()
}

// Backends returns the resolved backend of every partition.
func (s *Scheduler) Backends() []Backend {
	return s.s.Backends()
}

// BindProducer attaches p to the producer called name in partition index.
// On error the scheduler is unchanged.
func (s *Scheduler) BindProducer(index int, name string, p *Producer) error {
	if err := s.live(); err != nil {
		return err
	}
	src, err := p.source()
	if err != nil {
		return err
	}
	return classify(ErrBinding, s.s.BindProducer(index, name, src))
}

// Fit runs epochs rounds across all partitions. Failures match ErrRuntime
// and unwrap to an *EpochError naming the partition and epoch.
func (s *Scheduler) Fit(ctx context.Context, epochs int) error {
	if err := s.live(); err != nil {
		return err
	}
	if epochs < 0 {
		return classify(ErrConfig, fmt.Errorf("negative epoch count %d", epochs))
	}
	if err := s.s.Fit(ctx, epochs); err != nil {
		s.rec.DropFrom(s.s.Epochs())
		return classify(ErrRuntime, err)
	}
	return nil
}

// Epochs returns how many epochs all partitions completed.
func (s *Scheduler) Epochs() int {
	return s.s.Epochs()
}

// Observations returns every value delivered to a consumer of any
// partition, ordered by epoch, partition and consumer.
func (s *Scheduler) Observations() ([]Observation, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return s.rec.All(), nil
}

// Destroy stops a running Fit, abandons in-flight boundary frames and
// releases every runtime, binding and transport resource.
func (s *Scheduler) Destroy() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()

	err := s.s.Close()
	err = multierr.Append(err, s.closeSinks())
	return multierr.Append(err, s.rec.Close())
}
