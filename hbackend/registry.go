package hbackend

import (
	"fmt"
	"slices"
	"sync"

	"github.com/birdayz/harmonics/hfunc"
)

// Capabilities describes what a backend can execute.
// Functions not listed are not supported.
type Capabilities struct {
	Functions map[string]bool
}

// Supports reports whether the named transfer function can run on the backend.
// An empty name means the identity function.
func (c Capabilities) Supports(fn string) bool {
	if fn == "" {
		fn = hfunc.Identity
	}
	return c.Functions[fn]
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	fns := make(map[string]bool, len(c.Functions))
	for k, v := range c.Functions {
		fns[k] = v
	}
	return Capabilities{Functions: fns}
}

func capsOf(names ...string) Capabilities {
	fns := make(map[string]bool, len(names))
	for _, n := range names {
		fns[n] = true
	}
	return Capabilities{Functions: fns}
}

// DefaultCapabilities returns the built-in capability table for b.
func DefaultCapabilities(b Backend) Capabilities {
	switch b {
	case CPU, GPU:
		return capsOf(hfunc.Names()...)
	case FPGA:
		return capsOf(hfunc.Identity, "neg", "relu", "abs")
	case WASM:
		names := slices.DeleteFunc(hfunc.Names(), func(n string) bool {
			return n == "sigmoid" || n == "tanh"
		})
		return capsOf(names...)
	default:
		return Capabilities{}
	}
}

// Registry tracks which backends are available on this host.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	available map[Backend]Capabilities
}

// NewRegistry creates a registry where only the given backends are available,
// each with its default capabilities.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{available: make(map[Backend]Capabilities, len(backends))}
	for _, b := range backends {
		if b.IsConcrete() {
			r.available[b] = DefaultCapabilities(b)
		}
	}
	return r
}

// DefaultRegistry makes every concrete backend available.
func DefaultRegistry() *Registry {
	return NewRegistry(Concrete...)
}

// Register makes b available with the given capabilities, replacing any
// previous entry.
func (r *Registry) Register(b Backend, caps Capabilities) error {
	if !b.IsConcrete() {
		return fmt.Errorf("%w: cannot register %s", ErrUnknownBackend, b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[b] = caps.Clone()
	return nil
}

// Available reports whether b can be used.
func (r *Registry) Available(b Backend) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.available[b]
	return ok
}

// Capabilities returns the capabilities of an available backend.
func (r *Registry) Capabilities(b Backend) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.available[b]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnavailable, b)
	}
	return caps, nil
}

// Resolve turns b into a concrete, available backend. Auto picks the first
// available entry of Concrete. A concrete backend that is not available is an
// error; there is no fallback.
func (r *Registry) Resolve(b Backend) (Backend, error) {
	if b == Auto {
		for _, c := range Concrete {
			if r.Available(c) {
				return c, nil
			}
		}
		return 0, ErrNoBackend
	}
	if !b.IsConcrete() {
		return 0, fmt.Errorf("%w: %s", ErrUnknownBackend, b)
	}
	if !r.Available(b) {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, b)
	}
	return b, nil
}

// ResolveAll resolves every entry of backends, keeping their order.
func (r *Registry) ResolveAll(backends []Backend) ([]Backend, error) {
	out := make([]Backend, len(backends))
	for i, b := range backends {
		resolved, err := r.Resolve(b)
		if err != nil {
			return nil, fmt.Errorf("backend slot %d: %w", i, err)
		}
		out[i] = resolved
	}
	return out, nil
}
