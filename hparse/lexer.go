package hparse

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokLBrace
	tokRBrace
	tokLParen
	tokRParen
	tokSemi
	tokArrow
	tokMinus
	tokPipe
	tokAt
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return "identifier"
	case tokInt:
		return "integer"
	case tokLBrace:
		return "'{'"
	case tokRBrace:
		return "'}'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokSemi:
		return "';'"
	case tokArrow:
		return "'->'"
	case tokMinus:
		return "'-'"
	case tokPipe:
		return "'|'"
	case tokAt:
		return "'@'"
	default:
		return "unknown token"
	}
}

var punctuation = map[rune]tokenKind{
	'{': tokLBrace,
	'}': tokRBrace,
	'(': tokLParen,
	')': tokRParen,
	';': tokSemi,
	'|': tokPipe,
	'@': tokAt,
}

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

func (t token) String() string {
	switch t.kind {
	case tokIdent, tokInt:
		return fmt.Sprintf("%s %q", t.kind, t.text)
	default:
		return t.kind.String()
	}
}

// lexer splits DSL text into tokens. Whitespace and comments (`//` or `#` to
// the end of the line) are skipped.
type lexer struct {
	src    string
	offset int
	line   int
	col    int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (l *lexer) pos() Pos {
	return Pos{Offset: l.offset, Line: l.line, Column: l.col}
}

func (l *lexer) peekRune() rune {
	if l.offset >= len(l.src) {
		return -1
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.offset:])
	return r
}

func (l *lexer) advance() rune {
	r, size := utf8.DecodeRuneInString(l.src[l.offset:])
	l.offset += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) skipSpaceAndComments() {
	for l.offset < len(l.src) {
		r := l.peekRune()
		switch {
		case unicode.IsSpace(r):
			l.advance()
		case r == '#':
			l.skipLine()
		case r == '/' && l.offset+1 < len(l.src) && l.src[l.offset+1] == '/':
			l.skipLine()
		default:
			return
		}
	}
}

func (l *lexer) skipLine() {
	for l.offset < len(l.src) && l.peekRune() != '\n' {
		l.advance()
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}

// next returns the next token or a ParseError for an unexpected character.
func (l *lexer) next() (token, error) {
	l.skipSpaceAndComments()
	start := l.pos()
	if l.offset >= len(l.src) {
		return token{kind: tokEOF, pos: start}, nil
	}

	r := l.advance()
	if k, ok := punctuation[r]; ok {
		return token{kind: k, text: string(r), pos: start}, nil
	}

	switch {
	case r == '-':
		if l.peekRune() == '>' {
			l.advance()
			return token{kind: tokArrow, text: "->", pos: start}, nil
		}
		return token{kind: tokMinus, text: "-", pos: start}, nil
	case unicode.IsDigit(r):
		for unicode.IsDigit(l.peekRune()) {
			l.advance()
		}
		return token{kind: tokInt, text: l.src[start.Offset:l.offset], pos: start}, nil
	case isIdentStart(r):
		for isIdentPart(l.peekRune()) {
			l.advance()
		}
		return token{kind: tokIdent, text: l.src[start.Offset:l.offset], pos: start}, nil
	}

	return token{}, &ParseError{Pos: start, Err: ErrSyntax, Msg: fmt.Sprintf("unexpected character %q", r)}
}

// tokenize lexes all of src up to and including the EOF token.
func tokenize(src string) ([]token, error) {
	l := newLexer(src)
	var toks []token
	for {
		t, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, t)
		if t.kind == tokEOF {
			return toks, nil
		}
	}
}
