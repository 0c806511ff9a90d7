// Package hfunc holds the value type exchanged along graph edges and the
// fixed table of transfer functions an edge may apply.
//
// Transfer functions are element-wise and pure. Users cannot register new
// ones; the DSL refers to them by name:
//
//	p -(relu)-> hidden;
//
// An edge without a function uses Identity.
package hfunc

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrUnknownFunction is returned when a name does not match any transfer function.
var ErrUnknownFunction = errors.New("unknown transfer function")

// Identity is the name of the transfer function used by plain `->` edges.
const Identity = "id"

// Func is a named element-wise transfer function.
type Func struct {
	Name   string
	scalar func(float64) float64
}

// Apply runs the function over every element of in and returns a new tensor.
func (f Func) Apply(in Tensor) Tensor {
	out := make(Tensor, len(in))
	for i, v := range in {
		out[i] = f.scalar(v)
	}
	return out
}

var table = map[string]Func{
	Identity:  {Name: Identity, scalar: func(v float64) float64 { return v }},
	"neg":     {Name: "neg", scalar: func(v float64) float64 { return -v }},
	"relu":    {Name: "relu", scalar: func(v float64) float64 { return math.Max(0, v) }},
	"sigmoid": {Name: "sigmoid", scalar: func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }},
	"tanh":    {Name: "tanh", scalar: math.Tanh},
	"abs":     {Name: "abs", scalar: math.Abs},
	"square":  {Name: "square", scalar: func(v float64) float64 { return v * v }},
	"double":  {Name: "double", scalar: func(v float64) float64 { return 2 * v }},
	"half":    {Name: "half", scalar: func(v float64) float64 { return v / 2 }},
}

// Lookup returns the transfer function registered under name. An empty name
// resolves to Identity.
func Lookup(name string) (Func, error) {
	if name == "" {
		name = Identity
	}
	f, ok := table[name]
	if !ok {
		return Func{}, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return f, nil
}

// Known reports whether name is a valid transfer function name.
func Known(name string) bool {
	_, err := Lookup(name)
	return err == nil
}

// Names returns all transfer function names in sorted order.
func Names() []string {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
