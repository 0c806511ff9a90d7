package hbackend

import (
	"fmt"
	"sync/atomic"

	"github.com/birdayz/harmonics/hfunc"
)

// Context is the execution context of one partition on one backend. It is
// owned by a single runtime and must not be shared between partitions.
//
// Concrete numeric kernels are outside this module; every backend runs the
// reference element-wise kernels of package hfunc, restricted to its
// capabilities.
type Context struct {
	backend Backend
	caps    Capabilities

	applied atomic.Int64
}

// NewContext creates an execution context for a resolved backend.
func NewContext(r *Registry, b Backend) (*Context, error) {
	if b == Auto {
		return nil, ErrAutoNotResolved
	}
	caps, err := r.Capabilities(b)
	if err != nil {
		return nil, err
	}
	return &Context{backend: b, caps: caps}, nil
}

// Backend returns the backend this context executes on.
func (c *Context) Backend() Backend {
	return c.backend
}

// Supports reports whether fn can run in this context.
func (c *Context) Supports(fn string) bool {
	return c.caps.Supports(fn)
}

// Apply runs the named transfer function on in.
func (c *Context) Apply(fn string, in hfunc.Tensor) (hfunc.Tensor, error) {
	if !c.caps.Supports(fn) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedFunc, fn, c.backend)
	}
	f, err := hfunc.Lookup(fn)
	if err != nil {
		return nil, err
	}
	c.applied.Add(1)
	return f.Apply(in), nil
}

// Applied returns how many transfer functions this context has executed.
func (c *Context) Applied() int64 {
	return c.applied.Load()
}
