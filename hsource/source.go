// Package hsource provides the external data sources bound to producer nodes.
package hsource

import (
	"context"
	"errors"
	"sync"

	"github.com/birdayz/harmonics/hfunc"
)

var (
	ErrExhausted = errors.New("source exhausted")
	ErrClosed    = errors.New("source closed")
	ErrMalformed = errors.New("malformed record")
)

// Source yields records for a producer. A producer with arity n calls Next
// until it has gathered n scalars for the epoch.
//
// Implementations must be safe for use by one goroutine at a time; a source is
// only ever bound to one producer.
type Source interface {
	Next(ctx context.Context) (hfunc.Tensor, error)
	Close() error
}

// List serves records from memory.
type List struct {
	mu      sync.Mutex
	records []hfunc.Tensor
	pos     int
	cycle   bool
	closed  bool
}

var _ Source = (*List)(nil)

// Values returns a List yielding one single-scalar record per value.
func Values(vals ...float64) *List {
	recs := make([]hfunc.Tensor, len(vals))
	for i, v := range vals {
		recs[i] = hfunc.Tensor{v}
	}
	return &List{records: recs}
}

// Records returns a List yielding the given records in order.
func Records(recs ...hfunc.Tensor) *List {
	out := make([]hfunc.Tensor, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return &List{records: out}
}

// Cycle makes the list restart from the first record once exhausted.
func (l *List) Cycle() *List {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycle = true
	return l
}

func (l *List) Next(ctx context.Context) (hfunc.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if len(l.records) == 0 {
		return nil, ErrExhausted
	}
	if l.pos >= len(l.records) {
		if !l.cycle {
			return nil, ErrExhausted
		}
		l.pos = 0
	}
	rec := l.records[l.pos]
	l.pos++
	return rec.Clone(), nil
}

// Len returns the number of records held.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *List) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
