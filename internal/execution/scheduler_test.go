package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hfunc"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hparse"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/hsource"
	"github.com/birdayz/harmonics/internal/partition"
	"github.com/birdayz/harmonics/internal/runtime"
	"github.com/birdayz/harmonics/internal/transport"
)

const identityChain = "producer p{1}; consumer c{1}; layer l1; layer l2; cycle{ p -(id)-> l1 -(id)-> l2 -> c; }"

func partitions(t *testing.T, src string, backends ...hbackend.Backend) []*hgraph.Graph {
	t.Helper()
	g, err := hparse.Parse(src)
	assert.NoError(t, err)
	plan, err := partition.AutoPartition(g, backends)
	assert.NoError(t, err)
	return plan.Partitions
}

func newScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(context.Background(), cfg)
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFitIdentityChain(t *testing.T) {
	for _, secure := range []bool{false, true} {
		rec := hsink.NewRecorder()
		s := newScheduler(t, Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
			Secure:     secure,
			Sink:       rec,
		})
		assert.Equal(t, []string{"boundary0"}, s.Boundaries())
		assert.Equal(t, secure, s.Secure())

		assert.NoError(t, s.BindProducer(0, "p", hsource.Values(1, 2, 3, 4, 5)))
		assert.NoError(t, s.Fit(context.Background(), 5))
		assert.Equal(t, []hfunc.Tensor{{1}, {2}, {3}, {4}, {5}}, rec.Values("c"))
		assert.Equal(t, 5, s.Epochs())
		for i, o := range rec.All() {
			assert.Equal(t, i, o.Epoch)
			assert.Equal(t, 1, o.Partition)
		}
	}
}

func TestFitDeterministic(t *testing.T) {
	src := "producer p{2}; layer a; layer b; layer m; consumer c{2}; consumer d; cycle { p -(double)-> a | -(neg)-> b; a -> m; b -(relu)-> m; m -> c; a -(half)-> d; }"
	run := func() []hsink.Observation {
		rec := hsink.NewRecorder()
		s := newScheduler(t, Config{
			Partitions: partitions(t, src, hbackend.CPU, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU, hbackend.CPU},
			Sink:       rec,
		})
		assert.NoError(t, s.BindProducer(0, "p", hsource.Values(1, -1, 2, -2, 3, -3)))
		assert.NoError(t, s.Fit(context.Background(), 3))
		return rec.All()
	}
	first := run()
	assert.Equal(t, 6, len(first))
	assert.Equal(t, first, run())
}

func TestFitContinuesEpochNumbers(t *testing.T) {
	rec := hsink.NewRecorder()
	s := newScheduler(t, Config{
		Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
		Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
		Sink:       rec,
	})
	assert.NoError(t, s.BindProducer(0, "p", hsource.Values(1, 2, 3).Cycle()))
	assert.NoError(t, s.Fit(context.Background(), 2))
	assert.NoError(t, s.Fit(context.Background(), 2))
	assert.NoError(t, s.Fit(context.Background(), 0))
	assert.Equal(t, 4, s.Epochs())
	assert.Equal(t, []hfunc.Tensor{{1}, {2}, {3}, {1}}, rec.Values("c"))
	assert.Equal(t, 3, rec.All()[3].Epoch)
}

func TestFitFailures(t *testing.T) {
	t.Run("unbound producer", func(t *testing.T) {
		rec := hsink.NewRecorder()
		s := newScheduler(t, Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
			Sink:       rec,
		})
		err := s.Fit(context.Background(), 3)
		var epochErr *EpochError
		assert.True(t, errors.As(err, &epochErr))
		assert.Equal(t, 0, epochErr.Partition)
		assert.Equal(t, 0, epochErr.Epoch)
		assert.True(t, errors.Is(err, runtime.ErrUnboundProducer))
		assert.Equal(t, 0, s.Epochs())

		// The scheduler stays usable once the producer is bound.
		assert.NoError(t, s.BindProducer(0, "p", hsource.Values(7, 8)))
		assert.NoError(t, s.Fit(context.Background(), 2))
		assert.Equal(t, []hfunc.Tensor{{7}, {8}}, rec.Values("c"))
	})

	t.Run("source runs dry", func(t *testing.T) {
		rec := hsink.NewRecorder()
		s := newScheduler(t, Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
			Sink:       rec,
		})
		assert.NoError(t, s.BindProducer(0, "p", hsource.Values(1, 2)))
		err := s.Fit(context.Background(), 3)
		var epochErr *EpochError
		assert.True(t, errors.As(err, &epochErr))
		assert.Equal(t, 0, epochErr.Partition)
		assert.Equal(t, 2, epochErr.Epoch)
		assert.True(t, errors.Is(err, hsource.ErrExhausted))
		assert.Equal(t, 2, s.Epochs())
		assert.Equal(t, []hfunc.Tensor{{1}, {2}}, rec.Values("c"))
	})

	t.Run("caller cancels", func(t *testing.T) {
		s := newScheduler(t, Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
		})
		src := newBlockingSource()
		assert.NoError(t, s.BindProducer(0, "p", src))
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-src.entered
			cancel()
		}()
		err := s.Fit(ctx, 1)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

// blockingSource blocks in Next until ctx is done.
type blockingSource struct {
	entered chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{entered: make(chan struct{}, 1)}
}

func (b *blockingSource) Next(ctx context.Context) (hfunc.Tensor, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Close() error { return nil }

func TestBindProducer(t *testing.T) {
	twoPairs := "producer a{1}; consumer x; producer b{1}; consumer y; cycle { a -> x; b -> y; }"

	tests := []struct {
		name    string
		index   int
		node    string
		wantErr error
	}{
		{name: "bound", index: 0, node: "a"},
		{name: "negative index", index: -1, node: "a", wantErr: ErrPartitionIndex},
		{name: "index past end", index: 2, node: "a", wantErr: ErrPartitionIndex},
		{name: "unknown name", index: 0, node: "nope", wantErr: runtime.ErrUnknownProducer},
		{name: "producer of another partition", index: 0, node: "b", wantErr: runtime.ErrUnknownProducer},
		{name: "consumer", index: 0, node: "x", wantErr: runtime.ErrUnknownProducer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, Config{
				Partitions: partitions(t, twoPairs, hbackend.CPU, hbackend.CPU),
				Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
			})
			err := s.BindProducer(tt.index, tt.node, hsource.Values(1))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				_, err := s.Binding(tt.index, tt.node)
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr))
			for i := 0; i < s.Len(); i++ {
				for _, name := range []string{"a", "b"} {
					_, err := s.Binding(i, name)
					assert.Error(t, err)
				}
			}
		})
	}

	t.Run("source shared across partitions", func(t *testing.T) {
		s := newScheduler(t, Config{
			Partitions: partitions(t, twoPairs, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
		})
		src := hsource.Values(1)
		assert.NoError(t, s.BindProducer(0, "a", src))
		err := s.BindProducer(1, "b", src)
		assert.True(t, errors.Is(err, runtime.ErrSourceInUse))
		_, err = s.Binding(1, "b")
		assert.True(t, errors.Is(err, runtime.ErrUnboundProducer))
	})
}

func TestNewErrors(t *testing.T) {
	chain := partitions(t, identityChain, hbackend.CPU, hbackend.CPU)

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "no partitions",
			cfg:     Config{},
			wantErr: ErrNoPartitions,
		},
		{
			name:    "count mismatch",
			cfg:     Config{Partitions: chain, Backends: []hbackend.Backend{hbackend.CPU}},
			wantErr: ErrPartitionCount,
		},
		{
			name:    "backend mismatch",
			cfg:     Config{Partitions: chain, Backends: []hbackend.Backend{hbackend.CPU, hbackend.GPU}},
			wantErr: ErrBackendMismatch,
		},
		{
			name:    "order mismatch",
			cfg:     Config{Partitions: []*hgraph.Graph{chain[1], chain[0]}, Backends: []hbackend.Backend{hbackend.CPU, hbackend.CPU}},
			wantErr: ErrPartitionOrder,
		},
		{
			name:    "missing receive end",
			cfg:     Config{Partitions: chain[:1], Backends: []hbackend.Backend{hbackend.CPU}},
			wantErr: ErrBoundaryMismatch,
		},
		{
			name: "unavailable backend",
			cfg: Config{
				Partitions: chain,
				Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
				Registry:   hbackend.NewRegistry(hbackend.GPU),
			},
			wantErr: hbackend.ErrUnavailable,
		},
		{
			name: "bad key",
			cfg: Config{
				Partitions: chain,
				Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
				Secure:     true,
				Key:        []byte("too short"),
			},
			wantErr: transport.ErrInvalidKey,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.cfg)
			assert.Zero(t, s)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestAutoBackends(t *testing.T) {
	reg := hbackend.NewRegistry(hbackend.CPU, hbackend.WASM)
	g, err := hparse.Parse(identityChain)
	assert.NoError(t, err)
	backends := []hbackend.Backend{hbackend.Auto, hbackend.Auto}
	plan, err := partition.AutoPartition(g, backends, partition.WithRegistry(reg))
	assert.NoError(t, err)

	rec := hsink.NewRecorder()
	s := newScheduler(t, Config{Partitions: plan.Partitions, Backends: backends, Registry: reg, Sink: rec})
	assert.Equal(t, []hbackend.Backend{hbackend.WASM, hbackend.WASM}, s.Backends())
	assert.NoError(t, s.BindProducer(0, "p", hsource.Values(4)))
	assert.NoError(t, s.Fit(context.Background(), 1))
	assert.Equal(t, []hfunc.Tensor{{4}}, rec.Values("c"))
}

func TestClose(t *testing.T) {
	t.Run("releases bindings", func(t *testing.T) {
		s, err := New(context.Background(), Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
		})
		assert.NoError(t, err)
		assert.NoError(t, s.BindProducer(0, "p", hsource.Values(1)))
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())

		_, err = s.Binding(0, "p")
		assert.True(t, errors.Is(err, ErrClosed))
		assert.True(t, errors.Is(s.BindProducer(0, "p", hsource.Values(1)), ErrClosed))
		assert.True(t, errors.Is(s.Fit(context.Background(), 1), ErrClosed))
		assert.Equal(t, 0, len(s.Boundaries()))
	})

	t.Run("cancels running fit", func(t *testing.T) {
		s, err := New(context.Background(), Config{
			Partitions: partitions(t, identityChain, hbackend.CPU, hbackend.CPU),
			Backends:   []hbackend.Backend{hbackend.CPU, hbackend.CPU},
		})
		assert.NoError(t, err)
		src := newBlockingSource()
		assert.NoError(t, s.BindProducer(0, "p", src))

		done := make(chan error, 1)
		go func() { done <- s.Fit(context.Background(), 10) }()
		<-src.entered
		assert.NoError(t, s.Close())

		select {
		case err := <-done:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(5 * time.Second):
			t.Fatal("fit did not return after close")
		}
	})
}

func TestBarrier(t *testing.T) {
	t.Run("generations", func(t *testing.T) {
		var trips []uint64
		b := newBarrier(3, func(gen uint64) error {
			trips = append(trips, gen)
			return nil
		})
		for round := 0; round < 2; round++ {
			errs := make(chan error, 3)
			for i := 0; i < 3; i++ {
				go func() { errs <- b.Await(context.Background()) }()
			}
			for i := 0; i < 3; i++ {
				assert.NoError(t, <-errs)
			}
		}
		assert.Equal(t, uint64(2), b.Generation())
		assert.Equal(t, []uint64{0, 1}, trips)
	})

	t.Run("action breaks barrier", func(t *testing.T) {
		boom := errors.New("boom")
		b := newBarrier(2, func(uint64) error { return boom })
		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { errs <- b.Await(context.Background()) }()
		}
		for i := 0; i < 2; i++ {
			err := <-errs
			assert.True(t, errors.Is(err, ErrBarrierBroken))
			assert.True(t, errors.Is(err, boom))
		}
		assert.True(t, errors.Is(b.Await(context.Background()), ErrBarrierBroken))
		assert.Equal(t, uint64(0), b.Generation())
	})

	t.Run("cancelled party withdraws", func(t *testing.T) {
		b := newBarrier(2, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.True(t, errors.Is(b.Await(ctx), context.Canceled))

		errs := make(chan error, 2)
		for i := 0; i < 2; i++ {
			go func() { errs <- b.Await(context.Background()) }()
		}
		assert.NoError(t, <-errs)
		assert.NoError(t, <-errs)
		assert.Equal(t, uint64(1), b.Generation())
	})
}
