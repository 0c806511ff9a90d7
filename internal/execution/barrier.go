package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBarrierBroken = errors.New("epoch barrier broken")

// barrier is a reusable generation barrier for a fixed number of parties.
//
// The last party to arrive runs the barrier action, advances the generation
// and releases everyone waiting on it. If the action fails the barrier breaks
// and every current and later Await returns the error.
type barrier struct {
	parties int
	action  func(generation uint64) error

	mu         sync.Mutex
	waiting    int
	generation uint64
	release    chan struct{}
	err        error
}

func newBarrier(parties int, action func(generation uint64) error) *barrier {
	return &barrier{
		parties: parties,
		action:  action,
		release: make(chan struct{}),
	}
}

// Await blocks until all parties arrived for the current generation or ctx is
// done. A party leaving through ctx withdraws its arrival.
func (b *barrier) Await(ctx context.Context) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	gen, release := b.generation, b.release
	b.waiting++
	if b.waiting < b.parties {
		b.mu.Unlock()
		select {
		case <-release:
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.generation > gen {
				return nil
			}
			return b.err
		case <-ctx.Done():
			b.mu.Lock()
			if b.generation == gen && b.err == nil {
				b.waiting--
			}
			b.mu.Unlock()
			return ctx.Err()
		}
	}

	defer b.mu.Unlock()
	if b.action != nil {
		if err := b.action(gen); err != nil {
			b.err = fmt.Errorf("%w: %w", ErrBarrierBroken, err)
			close(b.release)
			return b.err
		}
	}
	b.waiting = 0
	b.generation++
	close(b.release)
	b.release = make(chan struct{})
	return nil
}

// Generation returns how many times the barrier tripped.
func (b *barrier) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
