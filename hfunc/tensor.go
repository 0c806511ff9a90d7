package hfunc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrWidthMismatch is returned when two tensors that must be combined have
// different widths.
var ErrWidthMismatch = errors.New("tensor width mismatch")

// Tensor is the value flowing along an edge during one epoch. It is a flat
// vector; its width is the number of scalars it holds.
type Tensor []float64

// Width returns the number of scalars in the tensor.
func (t Tensor) Width() int {
	return len(t)
}

// Clone returns a copy that does not share storage with t.
func (t Tensor) Clone() Tensor {
	if t == nil {
		return nil
	}
	out := make(Tensor, len(t))
	copy(out, t)
	return out
}

// Equal reports whether both tensors hold the same scalars.
func (t Tensor) Equal(o Tensor) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

func (t Tensor) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Sum combines fan-in values element-wise. All inputs must share one width.
func Sum(inputs ...Tensor) (Tensor, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	if len(inputs) == 1 {
		return inputs[0].Clone(), nil
	}
	out := inputs[0].Clone()
	for _, in := range inputs[1:] {
		if in.Width() != out.Width() {
			return nil, fmt.Errorf("%w: %d != %d", ErrWidthMismatch, in.Width(), out.Width())
		}
		for i, v := range in {
			out[i] += v
		}
	}
	return out, nil
}
