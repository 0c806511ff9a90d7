// Package harmonics parses dataflow graphs, splits them across execution
// backends and runs them for a number of epochs.
//
// Every handle (Graph, Producer, Scheduler) is owned by the caller until its
// Destroy method is called. Destroy is idempotent and safe on nil; any other
// call on a destroyed handle fails with ErrDestroyed.
//
//	g, err := harmonics.ParseGraph("producer d{1}; consumer c; cycle{ d -> c; }")
//	if err != nil {
//		return err
//	}
//	defer g.Destroy()
//
//	p := harmonics.NewValuesProducer(1, 2, 3)
//	defer p.Destroy()
//	if err := g.BindProducer("d", p); err != nil {
//		return err
//	}
//	return g.Fit(ctx, 3)
package harmonics

import (
	"errors"
	"fmt"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hsink"
	"github.com/birdayz/harmonics/internal/execution"
)

// Error classes. Every error returned by this package matches exactly one of
// them with errors.Is, and still matches the underlying package error.
var (
	ErrParse     = errors.New("parse error")
	ErrPartition = errors.New("partition error")
	ErrBinding   = errors.New("binding error")
	ErrRuntime   = errors.New("runtime error")
	ErrConfig    = errors.New("configuration error")
	ErrDestroyed = errors.New("handle destroyed")
)

func classify(class, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", class, err)
}

// Backend selects an execution target.
type Backend = hbackend.Backend

const (
	Auto = hbackend.Auto
	CPU  = hbackend.CPU
	GPU  = hbackend.GPU
	FPGA = hbackend.FPGA
	WASM = hbackend.WASM
)

// ParseBackends parses backend tags such as "cpu" or "AUTO".
func ParseBackends(tags ...string) ([]Backend, error) {
	bs, err := hbackend.ParseList(tags)
	return bs, classify(ErrConfig, err)
}

// Observation is one value delivered to a consumer in one epoch.
type Observation = hsink.Observation

// EpochError names the partition and epoch a Fit failed in.
type EpochError = execution.EpochError
