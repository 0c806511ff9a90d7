// Package transport carries boundary values between partitions.
//
// A boundary is one cross-partition edge. Each boundary has exactly one
// sending and one receiving partition, and its frames arrive in the order they
// were sent. Transports hand out byte level Links; Channel puts typed,
// sequence checked frames on top of a Link.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/birdayz/harmonics/hfunc"
)

var (
	ErrClosed        = errors.New("transport closed")
	ErrOutOfOrder    = errors.New("boundary frame out of order")
	ErrAuthFailed    = errors.New("boundary frame failed authentication")
	ErrInvalidKey    = errors.New("invalid transport key")
	ErrEmptyBoundary = errors.New("boundary name is empty")
)

// Link moves opaque frames for one boundary, first in first out.
type Link interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	// Pending returns how many sent frames have not been received yet.
	Pending() int
	// Discard drops every pending frame and returns how many were dropped.
	Discard() int
	Close() error
}

// Transport creates the link of each boundary. Both ends of a boundary ask for
// the link by name; a transport returns the same logical link to both.
type Transport interface {
	Link(ctx context.Context, boundary string) (Link, error)
	Close() error
}

// Frame is one boundary value in flight.
type Frame struct {
	Boundary string       `cbor:"1,keyasint"`
	Epoch    int          `cbor:"2,keyasint"`
	Seq      uint64       `cbor:"3,keyasint"`
	Value    hfunc.Tensor `cbor:"4,keyasint"`
}

// Channel is the typed end of one boundary. The sending partition calls Send
// and the receiving partition calls Recv; Channel checks that frames arrive
// for the right boundary, epoch and sequence number.
type Channel struct {
	boundary string
	link     Link
	serde    Serde[Frame]

	sendSeq atomic.Uint64
	recvSeq atomic.Uint64
}

func NewChannel(boundary string, link Link) *Channel {
	return &Channel{
		boundary: boundary,
		link:     link,
		serde:    CBOR[Frame](),
	}
}

// Boundary returns the boundary name.
func (c *Channel) Boundary() string {
	return c.boundary
}

// Send delivers v as the value of epoch.
func (c *Channel) Send(ctx context.Context, epoch int, v hfunc.Tensor) error {
	f := Frame{Boundary: c.boundary, Epoch: epoch, Seq: c.sendSeq.Load(), Value: v}
	b, err := c.serde.Serializer(f)
	if err != nil {
		return fmt.Errorf("encode frame for %s: %w", c.boundary, err)
	}
	if err := c.link.Send(ctx, b); err != nil {
		return fmt.Errorf("send on %s: %w", c.boundary, err)
	}
	c.sendSeq.Add(1)
	return nil
}

// Recv blocks until the value of epoch arrives or ctx is done.
func (c *Channel) Recv(ctx context.Context, epoch int) (hfunc.Tensor, error) {
	b, err := c.link.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("receive on %s: %w", c.boundary, err)
	}
	f, err := c.serde.Deserializer(b)
	if err != nil {
		return nil, fmt.Errorf("decode frame on %s: %w", c.boundary, err)
	}
	want := c.recvSeq.Load()
	if f.Boundary != c.boundary || f.Epoch != epoch || f.Seq != want {
		return nil, fmt.Errorf("%w: got %s epoch %d seq %d, want %s epoch %d seq %d",
			ErrOutOfOrder, f.Boundary, f.Epoch, f.Seq, c.boundary, epoch, want)
	}
	c.recvSeq.Add(1)
	return f.Value, nil
}

// Pending returns the number of frames sent but not yet received.
func (c *Channel) Pending() int {
	return c.link.Pending()
}

// Abandon drops all pending frames. The receive sequence skips past them so
// the channel stays usable.
func (c *Channel) Abandon() int {
	n := c.link.Discard()
	c.recvSeq.Add(uint64(n))
	return n
}
