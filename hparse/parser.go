// Package hparse converts the textual graph DSL into an hgraph.Graph.
//
// The grammar:
//
//	file      = { decl | cycle } .
//	decl      = ( "producer" ident arity | "consumer" ident [ arity ] | "layer" ident ) [ "@" backend ] ";" .
//	arity     = "{" [ int ] "}" .
//	cycle     = "cycle" "{" { flow } "}" .
//	flow      = [ ident ] path { "|" path } ";" .
//	path      = op ident { op ident } .
//	op        = "->" | "-" "(" ident ")" "->" .
//
// A path chains from the flow's source: `a -> b -> c` declares a->b and b->c.
// Each `|` restarts at the source, and a flow without a leading identifier
// reuses the source of the previous flow. Declarations are collected before
// edges are resolved, so edges may reference nodes declared later.
package hparse

import (
	"fmt"
	"strconv"

	"github.com/birdayz/harmonics/hbackend"
	"github.com/birdayz/harmonics/hfunc"
	"github.com/birdayz/harmonics/hgraph"
)

type declaration struct {
	node hgraph.Node
	pos  Pos
}

type pendingEdge struct {
	from, to token
	fn       string
}

type parser struct {
	toks []token
	i    int

	decls []declaration
	names map[string]Pos
	edges []pendingEdge

	// lastSource is the source of the previous flow line.
	lastSource *token
	// cycleTok is the keyword of the cycle block being parsed, if any.
	cycleTok *token
}

// Parse parses text into a graph. Errors are *ParseError values wrapping one of
// the package sentinels.
func Parse(text string) (*hgraph.Graph, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, names: make(map[string]Pos)}
	if err := p.parseFile(); err != nil {
		return nil, err
	}
	return p.build()
}

func (p *parser) cur() token {
	return p.toks[p.i]
}

func (p *parser) advance() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

// unexpected reports t as out of place. Running out of input inside a cycle
// block is reported as an unterminated block at the keyword.
func (p *parser) unexpected(t token, want string) error {
	if t.kind == tokEOF && p.cycleTok != nil {
		return errorf(p.cycleTok.pos, ErrUnterminatedCycle, "missing '}' for block opened here")
	}
	return errorf(t.pos, ErrSyntax, "expected %s, found %s", want, t)
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.cur()
	if t.kind != kind {
		return t, p.unexpected(t, kind.String())
	}
	return p.advance(), nil
}

func (p *parser) parseFile() error {
	for {
		t := p.cur()
		switch t.kind {
		case tokEOF:
			return nil
		case tokIdent:
			var err error
			switch t.text {
			case "producer":
				err = p.parseDecl(hgraph.KindProducer)
			case "consumer":
				err = p.parseDecl(hgraph.KindConsumer)
			case "layer":
				err = p.parseDecl(hgraph.KindLayer)
			case "cycle":
				err = p.parseCycle()
			default:
				return errorf(t.pos, ErrUnknownKeyword, "%q", t.text)
			}
			if err != nil {
				return err
			}
		default:
			return errorf(t.pos, ErrSyntax, "expected declaration or cycle block, found %s", t)
		}
	}
}

func (p *parser) parseDecl(kind hgraph.NodeKind) error {
	p.advance()
	name, err := p.expect(tokIdent)
	if err != nil {
		return err
	}
	if prev, dup := p.names[name.text]; dup {
		return errorf(name.pos, ErrDuplicateName, "%q already declared at %s", name.text, prev)
	}

	node := hgraph.Node{ID: hgraph.NodeID(name.text), Kind: kind, Rank: hgraph.NoRank}

	if p.cur().kind == tokLBrace {
		if kind == hgraph.KindLayer {
			return errorf(p.cur().pos, ErrMalformedArity, "layer %s takes no arity", name.text)
		}
		arity, err := p.parseArity(kind == hgraph.KindProducer)
		if err != nil {
			return err
		}
		node.Arity = arity
	} else if kind == hgraph.KindProducer {
		return errorf(p.cur().pos, ErrMalformedArity, "producer %s requires an arity", name.text)
	}

	if p.cur().kind == tokAt {
		at := p.advance()
		tag, err := p.expect(tokIdent)
		if err != nil {
			return err
		}
		b, err := hbackend.Parse(tag.text)
		if err != nil {
			return errorf(tag.pos, ErrSyntax, "placement %s: %v", at.text+tag.text, err)
		}
		node.Placement = b
	}

	if _, err := p.expect(tokSemi); err != nil {
		return err
	}

	p.names[name.text] = name.pos
	p.decls = append(p.decls, declaration{node: node, pos: name.pos})
	return nil
}

// parseArity parses `{int}`. An empty pair of braces is only valid when the
// arity is optional.
func (p *parser) parseArity(required bool) (int, error) {
	open := p.advance()
	t := p.cur()
	switch t.kind {
	case tokRBrace:
		if required {
			return 0, errorf(t.pos, ErrMalformedArity, "empty arity")
		}
		p.advance()
		return 0, nil
	case tokInt:
		n, err := strconv.Atoi(t.text)
		if err != nil || n <= 0 {
			return 0, errorf(t.pos, ErrMalformedArity, "arity %s must be a positive integer", t.text)
		}
		if n > hgraph.MaxArity {
			return 0, errorf(t.pos, ErrMalformedArity, "arity %s exceeds %d", t.text, hgraph.MaxArity)
		}
		p.advance()
		if p.cur().kind != tokRBrace {
			return 0, errorf(p.cur().pos, ErrMalformedArity, "expected '}' to close arity opened at %s", open.pos)
		}
		p.advance()
		return n, nil
	default:
		return 0, errorf(t.pos, ErrMalformedArity, "expected integer, found %s", t)
	}
}

func (p *parser) parseCycle() error {
	kw := p.advance()
	if _, err := p.expect(tokLBrace); err != nil {
		return err
	}
	p.cycleTok = &kw
	defer func() { p.cycleTok = nil }()

	for {
		switch p.cur().kind {
		case tokRBrace:
			p.advance()
			return nil
		case tokEOF:
			return p.unexpected(p.cur(), "'}'")
		default:
			if err := p.parseFlow(); err != nil {
				return err
			}
		}
	}
}

func (p *parser) parseFlow() error {
	var src token
	switch t := p.cur(); t.kind {
	case tokIdent:
		src = p.advance()
		p.lastSource = &src
	case tokArrow, tokMinus:
		if p.lastSource == nil {
			return errorf(t.pos, ErrSyntax, "continuation line without a previous source")
		}
		src = *p.lastSource
	default:
		return p.unexpected(t, "edge")
	}

	from := src
	for {
		fn, err := p.parseOp()
		if err != nil {
			return err
		}
		dst, err := p.expect(tokIdent)
		if err != nil {
			return err
		}
		p.edges = append(p.edges, pendingEdge{from: from, to: dst, fn: fn})
		from = dst

		switch t := p.cur(); t.kind {
		case tokSemi:
			p.advance()
			return nil
		case tokPipe:
			p.advance()
			from = src
		case tokArrow, tokMinus:
		default:
			return p.unexpected(t, "';'")
		}
	}
}

// parseOp parses `->` or `-(fn)->` and returns the function name, which is
// empty for the plain arrow.
func (p *parser) parseOp() (string, error) {
	t := p.cur()
	switch t.kind {
	case tokArrow:
		p.advance()
		return "", nil
	case tokMinus:
		p.advance()
		if _, err := p.expect(tokLParen); err != nil {
			return "", err
		}
		fn, err := p.expect(tokIdent)
		if err != nil {
			return "", err
		}
		if !hfunc.Known(fn.text) {
			return "", errorf(fn.pos, ErrUnknownFunction, "%q", fn.text)
		}
		if _, err := p.expect(tokRParen); err != nil {
			return "", err
		}
		if _, err := p.expect(tokArrow); err != nil {
			return "", err
		}
		return fn.text, nil
	default:
		return "", p.unexpected(t, "'->' or '-(function)->'")
	}
}

// build resolves edge endpoints against the collected declarations.
func (p *parser) build() (*hgraph.Graph, error) {
	b := hgraph.NewBuilder()
	for _, d := range p.decls {
		if err := b.AddNode(d.node); err != nil {
			return nil, errorf(d.pos, ErrSyntax, "%v", err)
		}
	}
	for _, e := range p.edges {
		for _, end := range []token{e.from, e.to} {
			if _, ok := p.names[end.text]; !ok {
				return nil, errorf(end.pos, ErrUndeclaredNode, "%q", end.text)
			}
		}
		if err := b.AddEdge(hgraph.NodeID(e.from.text), hgraph.NodeID(e.to.text), e.fn); err != nil {
			return nil, errorf(e.to.pos, ErrSyntax, "%v", err)
		}
	}
	g, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	return g, nil
}
