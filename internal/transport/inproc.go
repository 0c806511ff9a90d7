package transport

import (
	"context"
	"sync"
)

// DefaultBuffer is the number of frames an in-process link holds before Send
// blocks.
const DefaultBuffer = 16

// InProc connects partitions running in the same process with buffered Go
// channels.
type InProc struct {
	buffer int

	mu     sync.Mutex
	links  map[string]*chanLink
	closed bool
}

var _ Transport = (*InProc)(nil)

func NewInProc(buffer int) *InProc {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &InProc{buffer: buffer, links: make(map[string]*chanLink)}
}

func (t *InProc) Link(_ context.Context, boundary string) (Link, error) {
	if boundary == "" {
		return nil, ErrEmptyBoundary
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	l, ok := t.links[boundary]
	if !ok {
		l = &chanLink{frames: make(chan []byte, t.buffer), done: make(chan struct{})}
		t.links[boundary] = l
	}
	return l, nil
}

func (t *InProc) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, l := range t.links {
		_ = l.Close()
	}
	return nil
}

type chanLink struct {
	frames chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (l *chanLink) Send(ctx context.Context, frame []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.frames <- frame:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *chanLink) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-l.frames:
		return f, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *chanLink) Pending() int {
	return len(l.frames)
}

func (l *chanLink) Discard() int {
	n := 0
	for {
		select {
		case <-l.frames:
			n++
		default:
			return n
		}
	}
}

func (l *chanLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	return nil
}
