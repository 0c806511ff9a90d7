// Package hsink receives the values delivered to consumer nodes.
package hsink

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/birdayz/harmonics/hfunc"
	"go.uber.org/multierr"
)

// Observation is one value delivered to a consumer in one epoch.
type Observation struct {
	Partition int          `cbor:"1,keyasint"`
	Consumer  string       `cbor:"2,keyasint"`
	Epoch     int          `cbor:"3,keyasint"`
	Value     hfunc.Tensor `cbor:"4,keyasint"`
}

// Sink observes consumer values. Observe is called from partition workers and
// must be safe for concurrent use.
type Sink interface {
	Observe(ctx context.Context, obs Observation) error
	Close() error
}

// Recorder keeps every observation in memory.
type Recorder struct {
	mu   sync.Mutex
	obs  []Observation
	done bool
}

var _ Sink = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Observe(_ context.Context, obs Observation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	obs.Value = obs.Value.Clone()
	r.obs = append(r.obs, obs)
	return nil
}

// All returns the observations ordered by epoch, partition and consumer. The
// arrival order between partitions is not deterministic; this order is.
func (r *Recorder) All() []Observation {
	r.mu.Lock()
	out := slices.Clone(r.obs)
	r.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Observation) int {
		if a.Epoch != b.Epoch {
			return a.Epoch - b.Epoch
		}
		if a.Partition != b.Partition {
			return a.Partition - b.Partition
		}
		switch {
		case a.Consumer < b.Consumer:
			return -1
		case a.Consumer > b.Consumer:
			return 1
		}
		return 0
	})
	return out
}

// Values returns the values delivered to consumer, in epoch order.
func (r *Recorder) Values(consumer string) []hfunc.Tensor {
	var out []hfunc.Tensor
	for _, o := range r.All() {
		if o.Consumer == consumer {
			out = append(out, o.Value)
		}
	}
	return out
}

// Reset drops all recorded observations.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = nil
}

// DropFrom drops every observation of epoch and later, forgetting a failed
// epoch before it runs again.
func (r *Recorder) DropFrom(epoch int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = slices.DeleteFunc(r.obs, func(o Observation) bool { return o.Epoch >= epoch })
}

// Close stops recording and drops everything recorded so far.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = nil
	r.done = true
	return nil
}

// Log writes each observation to a slog logger.
type Log struct {
	log   *slog.Logger
	level slog.Level
}

var _ Sink = (*Log)(nil)

func NewLog(log *slog.Logger, level slog.Level) *Log {
	return &Log{log: log, level: level}
}

func (l *Log) Observe(ctx context.Context, obs Observation) error {
	l.log.Log(ctx, l.level, "Observed value",
		"partition", obs.Partition,
		"consumer", obs.Consumer,
		"epoch", obs.Epoch,
		"value", obs.Value.String(),
	)
	return nil
}

func (l *Log) Close() error {
	return nil
}

type multi []Sink

// Multi fans every observation out to all sinks in order. It stops at the
// first failing sink.
func Multi(sinks ...Sink) Sink {
	return multi(slices.Clone(sinks))
}

func (m multi) Observe(ctx context.Context, obs Observation) error {
	for _, s := range m {
		if err := s.Observe(ctx, obs); err != nil {
			return err
		}
	}
	return nil
}

func (m multi) Close() error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Close())
	}
	return err
}
