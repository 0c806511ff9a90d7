// Package hbackend defines the execution targets a partition can run on.
//
// Backend is a closed set. Auto is only meaningful while partitioning: it is
// resolved to a concrete backend through a Registry and never reaches an
// execution context.
package hbackend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownBackend  = errors.New("unknown backend")
	ErrNoBackend       = errors.New("no backend available")
	ErrUnavailable     = errors.New("backend not available")
	ErrUnsupportedFunc = errors.New("transfer function not supported by backend")
	ErrAutoNotResolved = errors.New("auto backend must be resolved before execution")
)

// Backend selects an execution target.
type Backend int

// The zero value is Auto, so an unset placement means unconstrained.
const (
	Auto Backend = iota
	CPU
	GPU
	FPGA
	WASM
)

// Concrete lists every backend that can execute a partition, in the order
// Auto prefers them.
var Concrete = []Backend{GPU, FPGA, WASM, CPU}

func (b Backend) String() string {
	switch b {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case FPGA:
		return "FPGA"
	case WASM:
		return "WASM"
	case Auto:
		return "AUTO"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// IsConcrete reports whether b names a real execution target.
func (b Backend) IsConcrete() bool {
	switch b {
	case CPU, GPU, FPGA, WASM:
		return true
	default:
		return false
	}
}

// Parse converts a case-insensitive backend tag into a Backend.
func Parse(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return CPU, nil
	case "gpu":
		return GPU, nil
	case "fpga":
		return FPGA, nil
	case "wasm":
		return WASM, nil
	case "auto":
		return Auto, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// ParseList parses every tag in tags.
func ParseList(tags []string) ([]Backend, error) {
	out := make([]Backend, 0, len(tags))
	for _, tag := range tags {
		b, err := Parse(tag)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
