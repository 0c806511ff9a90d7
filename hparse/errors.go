package hparse

import (
	"errors"
	"fmt"

	"github.com/birdayz/harmonics/hfunc"
)

// Sentinel errors for each diagnosed failure. Every error returned by Parse is
// a *ParseError wrapping exactly one of these.
var (
	ErrUnknownKeyword    = errors.New("unknown keyword")
	ErrDuplicateName     = errors.New("duplicate node name")
	ErrUndeclaredNode    = errors.New("undeclared node")
	ErrMalformedArity    = errors.New("malformed arity")
	ErrUnterminatedCycle = errors.New("unterminated cycle block")
	ErrUnknownFunction   = hfunc.ErrUnknownFunction
	ErrSyntax            = errors.New("syntax error")
)

// Pos is a location in the parsed text. Line and Column are 1-based.
type Pos struct {
	Offset int
	Line   int
	Column int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// ParseError is a diagnosed error at a position in the input.
type ParseError struct {
	Pos Pos
	Err error
	Msg string
}

func (e *ParseError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Pos, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Pos, e.Err, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func errorf(pos Pos, kind error, format string, args ...any) *ParseError {
	return &ParseError{Pos: pos, Err: kind, Msg: fmt.Sprintf(format, args...)}
}
