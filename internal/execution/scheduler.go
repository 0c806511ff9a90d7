// Package execution drives the partitions of a graph as one multi-epoch
// computation.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/hsource"
	"github.com/birdayz/harmonics/internal/logging"
	"github.com/birdayz/harmonics/internal/runtime"
	"github.com/birdayz/harmonics/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoPartitions      = errors.New("no partitions")
	ErrPartitionCount    = errors.New("partition and backend counts differ")
	ErrBackendMismatch   = errors.New("partition was built for another backend")
	ErrPartitionOrder    = errors.New("partition index does not match its position")
	ErrBoundaryMismatch  = errors.New("boundary needs exactly one send and one receive")
	ErrPartitionIndex    = errors.New("partition index out of range")
	ErrUndeliveredFrames = errors.New("boundary frames left undelivered at epoch end")
	ErrBusy              = errors.New("fit already running")
	ErrClosed            = errors.New("scheduler closed")
)

// EpochError reports the partition and epoch of the first failure of a Fit.
type EpochError struct {
	Partition int
	Epoch     int
	Err       error
}

func (e *EpochError) Error() string {
	return fmt.Sprintf("partition %d, epoch %d: %v", e.Partition, e.Epoch, e.Err)
}

func (e *EpochError) Unwrap() error {
	return e.Err
}

// Config describes a scheduler.
type Config struct {
	Partitions []*hgraph.Graph
	Backends   []hbackend.Backend

	// Secure seals every boundary frame. Key is the master key; a random one
	// is generated when it is empty.
	Secure bool
	Key    []byte

	// Transport carries boundary frames. Defaults to an in-process transport.
	// The scheduler owns it and closes it on Close.
	Transport transport.Transport

	Registry *hbackend.Registry
	Sink     hsink.Sink
	Log      *slog.Logger
}

// Scheduler owns one CycleRuntime per partition and the channels between
// them. Fit runs every partition on its own goroutine and holds them at a
// barrier after each epoch.
type Scheduler struct {
	log       *slog.Logger
	backends  []hbackend.Backend
	runtimes  []*runtime.CycleRuntime
	transport transport.Transport
	channels  map[string]*transport.Channel
	secure    bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	epochs  int
	closed  bool
	fits    sync.WaitGroup
}

// New builds the runtimes, checks that every boundary has both ends and
// connects each boundary to one channel.
func New(ctx context.Context, cfg Config) (s *Scheduler, err error) {
	tr := cfg.Transport
	if tr == nil {
		tr = transport.NewInProc(transport.DefaultBuffer)
	}
	defer func() {
		if err == nil {
			return
		}
		if s != nil {
			err = multierr.Append(err, s.release())
			s = nil
			return
		}
		err = multierr.Append(err, tr.Close())
	}()

	if len(cfg.Partitions) == 0 {
		return nil, ErrNoPartitions
	}
	if len(cfg.Partitions) != len(cfg.Backends) {
		return nil, fmt.Errorf("%w: %d partitions, %d backends", ErrPartitionCount, len(cfg.Partitions), len(cfg.Backends))
	}
	if cfg.Registry == nil {
		cfg.Registry = hbackend.DefaultRegistry()
	}
	log := logging.OrNull(cfg.Log).WithGroup("scheduler")

	// An Auto slot runs on whatever the partitioner resolved it to.
	wanted := slices.Clone(cfg.Backends)
	for i, b := range wanted {
		if info := cfg.Partitions[i].Partition(); b == hbackend.Auto && info != nil {
			wanted[i] = info.Backend
		}
	}
	backends, err := cfg.Registry.ResolveAll(wanted)
	if err != nil {
		return nil, err
	}
	for i, p := range cfg.Partitions {
		info := p.Partition()
		if info == nil {
			continue
		}
		if info.Index != i {
			return nil, fmt.Errorf("%w: partition %d at position %d", ErrPartitionOrder, info.Index, i)
		}
		if info.Backend != backends[i] {
			return nil, fmt.Errorf("%w: partition %d is %s, scheduler slot is %s", ErrBackendMismatch, i, info.Backend, backends[i])
		}
	}

	if cfg.Secure {
		key := cfg.Key
		if len(key) == 0 {
			if key, err = transport.NewKey(); err != nil {
				return nil, err
			}
		}
		sec, err := transport.NewSecure(tr, key)
		if err != nil {
			return nil, err
		}
		tr = sec
	}

	s = &Scheduler{
		log:       log,
		backends:  backends,
		transport: tr,
		channels:  make(map[string]*transport.Channel),
		secure:    cfg.Secure,
	}

	for i, p := range cfg.Partitions {
		rt, err := runtime.New(runtime.Config{
			Graph:     p,
			Backend:   backends[i],
			Registry:  cfg.Registry,
			Partition: i,
			Sink:      cfg.Sink,
			Log:       log,
		})
		if err != nil {
			return nil, fmt.Errorf("partition %d: %w", i, err)
		}
		s.runtimes = append(s.runtimes, rt)
	}

	ends, err := s.boundaryEnds()
	if err != nil {
		return nil, err
	}
	names := maps.Keys(ends)
	slices.Sort(names)
	for _, name := range names {
		link, err := tr.Link(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("open boundary %s: %w", name, err)
		}
		ch := transport.NewChannel(name, link)
		for _, part := range ends[name] {
			if err := s.runtimes[part].Connect(ch); err != nil {
				return nil, err
			}
		}
		s.channels[name] = ch
	}

	log.Info("Scheduler ready",
		"partitions", len(s.runtimes),
		"backends", fmt.Sprint(backends),
		"boundaries", len(s.channels),
		"secure", cfg.Secure)
	return s, nil
}

// boundaryEnds maps each boundary to its sending and receiving partition.
func (s *Scheduler) boundaryEnds() (map[string][2]int, error) {
	type seen struct {
		send, recv []int
	}
	all := make(map[string]*seen)
	for i, rt := range s.runtimes {
		for _, b := range rt.Boundaries() {
			e, ok := all[b.Name]
			if !ok {
				e = &seen{}
				all[b.Name] = e
			}
			if b.Kind == hgraph.KindSend {
				e.send = append(e.send, i)
			} else {
				e.recv = append(e.recv, i)
			}
		}
	}
	ends := make(map[string][2]int, len(all))
	for name, e := range all {
		if len(e.send) != 1 || len(e.recv) != 1 {
			return nil, fmt.Errorf("%w: %s has %d sends and %d receives", ErrBoundaryMismatch, name, len(e.send), len(e.recv))
		}
		ends[name] = [2]int{e.send[0], e.recv[0]}
	}
	return ends, nil
}

// Len returns the number of partitions.
func (s *Scheduler) Len() int {
	return len(s.runtimes)
}

// Backends returns the resolved backend of each partition.
func (s *Scheduler) Backends() []hbackend.Backend {
	return slices.Clone(s.backends)
}

// Secure reports whether boundary frames are sealed.
func (s *Scheduler) Secure() bool {
	return s.secure
}

// Boundaries returns the boundary names in sorted order.
func (s *Scheduler) Boundaries() []string {
	names := maps.Keys(s.channels)
	slices.Sort(names)
	return names
}

// Epochs returns how many epochs every partition completed.
func (s *Scheduler) Epochs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs
}

func (s *Scheduler) runtime(index int) (*runtime.CycleRuntime, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if index < 0 || index >= len(s.runtimes) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrPartitionIndex, index, len(s.runtimes))
	}
	return s.runtimes[index], nil
}

// BindProducer binds src to the producer called name in partition index. On
// error nothing changes.
func (s *Scheduler) BindProducer(index int, name string, src hsource.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, err := s.runtime(index)
	if err != nil {
		return err
	}
	if src != nil {
		for i, other := range s.runtimes {
			if i == index {
				continue
			}
			if holder, ok := other.Holder(src); ok {
				return fmt.Errorf("%w: %s in partition %d", runtime.ErrSourceInUse, holder, i)
			}
		}
	}
	return rt.Bind(name, src)
}

// Binding returns the source bound to a producer.
func (s *Scheduler) Binding(index int, name string) (hsource.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, err := s.runtime(index)
	if err != nil {
		return nil, err
	}
	src, ok := rt.Binding(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q in partition %d", runtime.ErrUnboundProducer, name, index)
	}
	return src, nil
}

// Fit runs epochs rounds. Every partition runs each epoch on its own
// goroutine; no partition starts epoch k+1 before all partitions finished
// epoch k and every boundary frame of epoch k was received. The first
// failure cancels the other partitions and is returned as an *EpochError.
func (s *Scheduler) Fit(ctx context.Context, epochs int) error {
	if epochs < 0 {
		return fmt.Errorf("negative epoch count %d", epochs)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running, s.cancel = true, cancel
	start := s.epochs
	s.fits.Add(1)
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running, s.cancel = false, nil
		s.mu.Unlock()
		s.fits.Done()
	}()

	runID := uuid.NewString()
	log := s.log.With("run", runID)
	log.Info("Fit started", "epochs", epochs, "first_epoch", start)

	bar := newBarrier(len(s.runtimes), func(gen uint64) error {
		return s.checkDelivered(start + int(gen))
	})

	grp, gctx := errgroup.WithContext(ctx)
	for i, rt := range s.runtimes {
		i, rt := i, rt
		grp.Go(func() error {
			for e := 0; e < epochs; e++ {
				epoch := start + e
				if err := rt.RunEpoch(gctx, epoch); err != nil {
					return &EpochError{Partition: i, Epoch: epoch, Err: err}
				}
				if err := bar.Await(gctx); err != nil {
					return &EpochError{Partition: i, Epoch: epoch, Err: err}
				}
			}
			return nil
		})
	}
	err := grp.Wait()

	done := int(bar.Generation())
	s.mu.Lock()
	s.epochs += done
	s.mu.Unlock()

	if err != nil {
		s.abandon(log)
		log.Error("Fit failed", "completed", done, "error", err)
		return err
	}
	log.Info("Fit complete", "epochs", done)
	return nil
}

// checkDelivered runs while every partition waits at the barrier, so no
// channel is in use.
func (s *Scheduler) checkDelivered(epoch int) error {
	for name, ch := range s.channels {
		if n := ch.Pending(); n > 0 {
			return fmt.Errorf("%w: %d on %s after epoch %d", ErrUndeliveredFrames, n, name, epoch)
		}
	}
	return nil
}

// abandon drops frames that a failed or cancelled epoch left behind.
func (s *Scheduler) abandon(log *slog.Logger) {
	for _, name := range s.Boundaries() {
		if n := s.channels[name].Abandon(); n > 0 {
			log.Warn("Abandoned boundary frames", "boundary", name, "frames", n)
		}
	}
}

// Close cancels a running Fit, waits for it, abandons in-flight frames and
// releases the runtimes and the transport. Bindings are gone afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.fits.Wait()
	s.abandon(s.log)
	err := s.release()
	s.log.Info("Scheduler closed")
	return err
}

func (s *Scheduler) release() error {
	var err error
	for _, rt := range s.runtimes {
		err = multierr.Append(err, rt.Close())
	}
	err = multierr.Append(err, s.transport.Close())
	clear(s.channels)
	return err
}
