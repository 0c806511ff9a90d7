package harmonics

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/harmonics/hfunc"
	"github.com/birdayz/harmonics/hgraph"
	"github.com/birdayz/harmonics/hparse"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/hsource"
	"github.com/birdayz/harmonics/internal/runtime"
	"github.com/go-logr/stdr"
)

const (
	minimal       = "producer d{1}; consumer c; cycle{ d -> c; }"
	identityChain = "producer p{1}; consumer c{1}; layer l1; layer l2; cycle{ p -(id)-> l1 -(id)-> l2 -> c; }"
)

func valuesOf(obs []Observation, consumer string) []hfunc.Tensor {
	var out []hfunc.Tensor
	for _, o := range obs {
		if o.Consumer == consumer {
			out = append(out, o.Value)
		}
	}
	return out
}

func mustParse(t *testing.T, text string, opts ...Option) *Graph {
	t.Helper()
	g, err := ParseGraph(text, opts...)
	assert.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, g.Destroy()) })
	return g
}

func TestGraphFit(t *testing.T) {
	ctx := context.Background()

	t.Run("one value per epoch", func(t *testing.T) {
		g := mustParse(t, minimal)
		p := NewValuesProducer(1, 2, 3)
		defer p.Destroy()

		assert.NoError(t, g.BindProducer("d", p))
		assert.NoError(t, g.Fit(ctx, 3))

		obs, err := g.Observations()
		assert.NoError(t, err)
		assert.Equal(t, []Observation{
			{Consumer: "c", Epoch: 0, Value: hfunc.Tensor{1}},
			{Consumer: "c", Epoch: 1, Value: hfunc.Tensor{2}},
			{Consumer: "c", Epoch: 2, Value: hfunc.Tensor{3}},
		}, obs)
	})

	t.Run("epochs continue across calls", func(t *testing.T) {
		g := mustParse(t, minimal)
		p := NewValuesProducer(1, 2, 3)
		defer p.Destroy()

		assert.NoError(t, g.BindProducer("d", p))
		assert.NoError(t, g.Fit(ctx, 1))
		assert.NoError(t, g.Fit(ctx, 0))
		assert.NoError(t, g.Fit(ctx, 2))

		obs, err := g.Observations()
		assert.NoError(t, err)
		assert.Equal(t, 3, len(obs))
		assert.Equal(t, 2, obs[2].Epoch)
	})

	t.Run("exhausted producer", func(t *testing.T) {
		g := mustParse(t, minimal)
		p := NewValuesProducer(1, 2, 3)
		defer p.Destroy()

		assert.NoError(t, g.BindProducer("d", p))
		err := g.Fit(ctx, 4)
		assert.True(t, errors.Is(err, ErrRuntime))
		assert.True(t, errors.Is(err, hsource.ErrExhausted))

		var epochErr *EpochError
		assert.True(t, errors.As(err, &epochErr))
		assert.Equal(t, 3, epochErr.Epoch)
		assert.Equal(t, 0, epochErr.Partition)

		obs, err := g.Observations()
		assert.NoError(t, err)
		assert.Equal(t, 3, len(obs))
	})

	t.Run("unbound producer", func(t *testing.T) {
		g := mustParse(t, minimal)
		err := g.Fit(ctx, 1)
		assert.True(t, errors.Is(err, ErrRuntime))
		assert.True(t, errors.Is(err, runtime.ErrUnboundProducer))
	})

	t.Run("rebinding replaces the producer", func(t *testing.T) {
		g := mustParse(t, minimal)
		first := NewValuesProducer(1)
		defer first.Destroy()
		second := NewValuesProducer(7)
		defer second.Destroy()

		assert.NoError(t, g.BindProducer("d", first))
		assert.NoError(t, g.BindProducer("d", second))
		assert.NoError(t, g.Fit(ctx, 1))

		obs, err := g.Observations()
		assert.NoError(t, err)
		assert.Equal(t, []hfunc.Tensor{{7}}, valuesOf(obs, "c"))
	})

	t.Run("failed epoch is forgotten", func(t *testing.T) {
		g := mustParse(t, "producer p{2}; consumer x; consumer y{1}; cycle{ p -> x; p -> y; }")
		p := NewValuesProducer(1, 2)
		defer p.Destroy()

		assert.NoError(t, g.BindProducer("p", p))
		err := g.Fit(ctx, 1)
		assert.True(t, errors.Is(err, runtime.ErrShape))

		obs, err := g.Observations()
		assert.NoError(t, err)
		assert.Equal(t, 0, len(obs))
	})

	t.Run("custom sink", func(t *testing.T) {
		db, err := hsink.OpenPebble(t.TempDir())
		assert.NoError(t, err)
		defer db.Close()

		g := mustParse(t, minimal, WithSink(db), WithLogr(stdr.New(stdlog.New(io.Discard, "", 0))))
		p := NewValuesProducer(4, 5)
		defer p.Destroy()

		assert.NoError(t, g.BindProducer("d", p))
		assert.NoError(t, g.Fit(ctx, 2))

		stored, err := db.Scan(0, "c")
		assert.NoError(t, err)
		assert.Equal(t, 2, len(stored))
		assert.Equal(t, hfunc.Tensor{5}, stored[1].Value)
	})
}

func partitionOf(parts []*Graph, producer string) int {
	for i, p := range parts {
		if _, ok := p.IR().Node(hgraph.NodeID(producer)); ok {
			return i
		}
	}
	return -1
}

func TestCSVProducer(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rows.csv")
	assert.NoError(t, os.WriteFile(path, []byte("1,2\n3,4\n"), 0o600))

	p, err := NewCSVProducer(ctx, path)
	assert.NoError(t, err)
	defer p.Destroy()

	g := mustParse(t, "producer p{2}; consumer c; cycle{ p -> c; }")
	assert.NoError(t, g.BindProducer("p", p))
	assert.NoError(t, g.Fit(ctx, 3))

	obs, err := g.Observations()
	assert.NoError(t, err)
	assert.Equal(t, []hfunc.Tensor{{1, 2}, {3, 4}, {1, 2}}, valuesOf(obs, "c"))

	_, err = NewCSVProducer(ctx, filepath.Join(t.TempDir(), "missing.csv"))
	assert.True(t, errors.Is(err, ErrConfig))
}

func TestDistributed(t *testing.T) {
	ctx := context.Background()

	for _, secure := range []bool{false, true} {
		secure := secure
		name := "plain"
		if secure {
			name = "secure"
		}
		t.Run(name, func(t *testing.T) {
			g := mustParse(t, identityChain)
			backends := []Backend{CPU, CPU}

			parts, err := AutoPartition(g, backends)
			assert.NoError(t, err)
			defer DestroyPartitions(parts)
			assert.Equal(t, 2, len(parts))
			assert.Equal(t, 0, parts[0].IR().Partition().Index)
			_, ok := parts[0].IR().Node("p")
			assert.True(t, ok)

			s, err := NewDistributedScheduler(ctx, parts, backends, secure)
			assert.NoError(t, err)
			defer s.Destroy()
			assert.Equal(t, 2, s.Len())

			p := NewValuesProducer(1, 2, 3)
			defer p.Destroy()
			assert.NoError(t, s.BindProducer(0, "p", p))
			assert.NoError(t, s.Fit(ctx, 3))
			assert.Equal(t, 3, s.Epochs())

			obs, err := s.Observations()
			assert.NoError(t, err)
			assert.Equal(t, []hfunc.Tensor{{1}, {2}, {3}}, valuesOf(obs, "c"))
			for _, o := range obs {
				assert.Equal(t, 1, o.Partition)
			}
		})
	}

	t.Run("pebble sink per partition", func(t *testing.T) {
		dir := t.TempDir()
		g := mustParse(t, "producer a{1}; consumer x; producer b{1}; consumer y; cycle{ a -> x; b -> y; }", WithPebbleSink(dir))
		parts, err := AutoPartition(g, []Backend{CPU, CPU})
		assert.NoError(t, err)
		assert.Equal(t, 2, len(parts))

		consumers := make([]string, len(parts))
		for i, part := range parts {
			p := NewValuesProducer(float64(i + 1))
			defer p.Destroy()
			producer := part.IR().NodesOfKind(hgraph.KindProducer)[0]
			consumers[i] = string(part.IR().NodesOfKind(hgraph.KindConsumer)[0].ID)
			assert.NoError(t, part.BindProducer(string(producer.ID), p))
			assert.NoError(t, part.Fit(ctx, 1))
		}
		assert.NoError(t, DestroyPartitions(parts))

		for i, consumer := range consumers {
			db, err := hsink.OpenPebble(filepath.Join(dir, fmt.Sprintf("partition-%d", i)))
			assert.NoError(t, err)
			stored, err := db.Scan(i, consumer)
			assert.NoError(t, err)
			assert.Equal(t, 1, len(stored))
			assert.Equal(t, hfunc.Tensor{float64(i + 1)}, stored[0].Value)
			assert.NoError(t, db.Close())
		}
	})

	t.Run("rerun after failed fit", func(t *testing.T) {
		g := mustParse(t, "producer a{1}; consumer x; producer b{1}; consumer y; cycle{ a -> x; b -> y; }")
		backends := []Backend{CPU, CPU}
		parts, err := AutoPartition(g, backends)
		assert.NoError(t, err)
		defer DestroyPartitions(parts)

		s, err := NewDistributedScheduler(ctx, parts, backends, false)
		assert.NoError(t, err)
		defer s.Destroy()

		// a may or may not have run epoch 2 when b fails.
		a := NewValuesProducer(1, 2, 3, 4)
		defer a.Destroy()
		b := NewValuesProducer(10, 20)
		defer b.Destroy()
		more := NewValuesProducer(30)
		defer more.Destroy()

		ia, ib := partitionOf(parts, "a"), partitionOf(parts, "b")
		assert.NoError(t, s.BindProducer(ia, "a", a))
		assert.NoError(t, s.BindProducer(ib, "b", b))
		err = s.Fit(ctx, 3)
		assert.True(t, errors.Is(err, hsource.ErrExhausted))
		assert.Equal(t, 2, s.Epochs())

		obs, err := s.Observations()
		assert.NoError(t, err)
		for _, o := range obs {
			assert.True(t, o.Epoch < 2)
		}

		assert.NoError(t, s.BindProducer(ib, "b", more))
		assert.NoError(t, s.Fit(ctx, 1))

		obs, err = s.Observations()
		assert.NoError(t, err)
		assert.Equal(t, []hfunc.Tensor{{10}, {20}, {30}}, valuesOf(obs, "y"))
		var epochs []int
		for _, o := range obs {
			if o.Consumer == "x" {
				epochs = append(epochs, o.Epoch)
			}
		}
		assert.Equal(t, []int{0, 1, 2}, epochs)
	})

	t.Run("plan", func(t *testing.T) {
		g := mustParse(t, identityChain)
		plan, err := Plan(g, []Backend{CPU, CPU})
		assert.NoError(t, err)
		assert.Equal(t, 1, plan.Cut())
		assert.Equal(t, "boundary0", plan.Boundaries[0].Name)
	})

	t.Run("backend mismatch", func(t *testing.T) {
		g := mustParse(t, identityChain)
		parts, err := AutoPartition(g, []Backend{CPU, CPU})
		assert.NoError(t, err)
		defer DestroyPartitions(parts)

		_, err = NewDistributedScheduler(ctx, parts, []Backend{CPU, WASM}, false)
		assert.True(t, errors.Is(err, ErrConfig))
	})
}

func TestErrorClasses(t *testing.T) {
	ctx := context.Background()

	t.Run("parse", func(t *testing.T) {
		_, err := ParseGraph("producer d{1}; consumer c; cycle{ d -> x; }")
		assert.True(t, errors.Is(err, ErrParse))
		assert.True(t, errors.Is(err, hparse.ErrUndeclaredNode))
		var perr *hparse.ParseError
		assert.True(t, errors.As(err, &perr))

		_, err = ParseGraph("producer p{1099511627776}; consumer c; cycle{ p -> c; }")
		assert.True(t, errors.Is(err, ErrParse))
		assert.True(t, errors.Is(err, hparse.ErrMalformedArity))
	})

	t.Run("binding", func(t *testing.T) {
		g := mustParse(t, minimal)
		p := NewValuesProducer(1)
		defer p.Destroy()

		err := g.BindProducer("c", p)
		assert.True(t, errors.Is(err, ErrBinding))
		assert.True(t, errors.Is(err, runtime.ErrUnknownProducer))

		err = g.BindProducer("d", nil)
		assert.True(t, errors.Is(err, ErrBinding))
	})

	t.Run("partition", func(t *testing.T) {
		g := mustParse(t, "producer p{1}; layer a; layer b; cycle { p -> a -> b -> a; }")
		_, err := AutoPartition(g, []Backend{CPU})
		assert.True(t, errors.Is(err, ErrPartition))
		assert.True(t, errors.Is(err, hgraph.ErrCycleDetected))

		_, err = AutoPartition(nil, []Backend{CPU})
		assert.True(t, errors.Is(err, ErrPartition))
	})

	t.Run("config", func(t *testing.T) {
		_, err := ParseBackends("cpu", "tpu")
		assert.True(t, errors.Is(err, ErrConfig))

		g := mustParse(t, minimal)
		assert.True(t, errors.Is(g.Fit(ctx, -1), ErrConfig))
	})
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("graph", func(t *testing.T) {
		g, err := ParseGraph(minimal)
		assert.NoError(t, err)
		p := NewValuesProducer(1)
		defer p.Destroy()
		assert.NoError(t, g.BindProducer("d", p))

		assert.NoError(t, g.Destroy())
		assert.NoError(t, g.Destroy())
		assert.True(t, errors.Is(g.Fit(ctx, 1), ErrDestroyed))
		assert.True(t, errors.Is(g.BindProducer("d", p), ErrDestroyed))
		_, err = g.Observations()
		assert.True(t, errors.Is(err, ErrDestroyed))
		_, err = AutoPartition(g, []Backend{CPU})
		assert.True(t, errors.Is(err, ErrDestroyed))
	})

	t.Run("producer", func(t *testing.T) {
		g := mustParse(t, minimal)
		p := NewValuesProducer(1, 2)
		assert.NoError(t, g.BindProducer("d", p))
		assert.NoError(t, p.Destroy())
		assert.NoError(t, p.Destroy())

		assert.True(t, errors.Is(g.BindProducer("d", p), ErrDestroyed))
		err := g.Fit(ctx, 1)
		assert.True(t, errors.Is(err, ErrRuntime))
		assert.True(t, errors.Is(err, hsource.ErrClosed))
	})

	t.Run("scheduler", func(t *testing.T) {
		g := mustParse(t, identityChain)
		parts, err := AutoPartition(g, []Backend{CPU, CPU})
		assert.NoError(t, err)
		s, err := NewDistributedScheduler(ctx, parts, []Backend{CPU, CPU}, false)
		assert.NoError(t, err)

		assert.NoError(t, s.Destroy())
		assert.NoError(t, s.Destroy())
		p := NewValuesProducer(1)
		defer p.Destroy()
		assert.True(t, errors.Is(s.BindProducer(0, "p", p), ErrDestroyed))
		assert.True(t, errors.Is(s.Fit(ctx, 1), ErrDestroyed))

		assert.NoError(t, DestroyPartitions(parts))
		_, err = NewDistributedScheduler(ctx, parts, []Backend{CPU, CPU}, false)
		assert.True(t, errors.Is(err, ErrDestroyed))
	})

	t.Run("nil handles", func(t *testing.T) {
		var g *Graph
		var p *Producer
		var s *Scheduler
		assert.NoError(t, g.Destroy())
		assert.NoError(t, p.Destroy())
		assert.NoError(t, s.Destroy())
		assert.NoError(t, DestroyPartitions([]*Graph{nil}))
	})
}

func TestConfig(t *testing.T) {
	t.Setenv("HARMONICS_TEST_BROKER", "broker-0:9092")

	t.Run("full", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
backends  = ["cpu", "auto"]
available = ["cpu", "wasm"]
secure    = true
epochs    = 10
key       = "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"

transport "kafka" {
  brokers      = [env.HARMONICS_TEST_BROKER]
  topic_prefix = "hx"
}

sink "log" {
  level = "debug"
}

log {
  level  = "warn"
  format = "json"
}
`), "deploy.hcl")
		assert.NoError(t, err)
		assert.Equal(t, []string{"broker-0:9092"}, cfg.Transport.Brokers)
		assert.Equal(t, "kafka", cfg.Transport.Kind)
		assert.Equal(t, "json", cfg.Log.Format)
		assert.True(t, cfg.Secure)
		assert.Equal(t, 10, cfg.Epochs)

		backends, err := cfg.BackendList()
		assert.NoError(t, err)
		assert.Equal(t, []Backend{CPU, Auto}, backends)

		opts, err := cfg.Options()
		assert.NoError(t, err)
		o := newOptions(opts)
		assert.Equal(t, "hx", o.kafka.TopicPrefix)
		assert.Equal(t, 32, len(o.key))
		assert.True(t, o.observeLog != nil)
		resolved, err := o.registry.Resolve(Auto)
		assert.NoError(t, err)
		assert.Equal(t, WASM, resolved)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deploy.hcl")
		assert.NoError(t, os.WriteFile(path, []byte("backends = [\"cpu\"]\ntransport \"inproc\" {\n  buffer = 4\n}\n"), 0o600))
		cfg, err := LoadConfig(path)
		assert.NoError(t, err)
		opts, err := cfg.Options()
		assert.NoError(t, err)
		assert.Equal(t, 4, newOptions(opts).buffer)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := ParseConfig([]byte("backends = ["), "broken.hcl")
		assert.True(t, errors.Is(err, ErrConfig))

		_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.hcl"))
		assert.True(t, errors.Is(err, ErrConfig))

		cfg, err := ParseConfig([]byte("sink \"redis\" {}"), "sink.hcl")
		assert.NoError(t, err)
		_, err = cfg.Options()
		assert.True(t, errors.Is(err, ErrConfig))

		cfg, err = ParseConfig([]byte("key = \"zz\""), "key.hcl")
		assert.NoError(t, err)
		_, err = cfg.Options()
		assert.True(t, errors.Is(err, ErrConfig))
	})
}
