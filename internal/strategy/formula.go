package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Expr is the parsed form of a derived-column formula. The grammar is
// deliberately tiny: + - * /, parentheses, unary minus, numeric literals,
// column references (dots allowed) and shift(col, n). Nothing here ever
// reaches a general-purpose evaluator.
type Expr interface {
	// Refs lists the column names the expression reads.
	Refs() []string
}

// NumLit is a numeric literal.
type NumLit struct{ Value float64 }

// ColRef reads a named column at the current bar index.
type ColRef struct{ Name string }

// ShiftExpr reads a named column offset N bars into the past
// (shift(c, 2) at bar i reads c at bar i-2).
type ShiftExpr struct {
	Name string
	N    int
}

// UnaryExpr is unary minus.
type UnaryExpr struct{ X Expr }

// BinaryExpr applies Op ('+', '-', '*', '/') to X and Y.
type BinaryExpr struct {
	Op   byte
	X, Y Expr
}

func (NumLit) Refs() []string      { return nil }
func (c ColRef) Refs() []string    { return []string{c.Name} }
func (s ShiftExpr) Refs() []string { return []string{s.Name} }
func (u UnaryExpr) Refs() []string { return u.X.Refs() }
func (b BinaryExpr) Refs() []string {
	return append(b.X.Refs(), b.Y.Refs()...)
}

// ParseFormula parses a derived-column formula into an Expr.
func ParseFormula(input string) (Expr, error) {
	p := &formulaParser{src: input}
	p.next()
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
	return expr, nil
}

func isNumericLiteral(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp     // + - * /
	tokLParen // (
	tokRParen // )
	tokComma  // ,
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type formulaParser struct {
	src string
	off int
	tok token
}

func (p *formulaParser) next() {
	for p.off < len(p.src) && unicode.IsSpace(rune(p.src[p.off])) {
		p.off++
	}
	start := p.off
	if p.off >= len(p.src) {
		p.tok = token{kind: tokEOF, pos: start}
		return
	}
	ch := p.src[p.off]
	switch {
	case ch == '+' || ch == '-' || ch == '*' || ch == '/':
		p.off++
		p.tok = token{kind: tokOp, text: string(ch), pos: start}
	case ch == '(':
		p.off++
		p.tok = token{kind: tokLParen, text: "(", pos: start}
	case ch == ')':
		p.off++
		p.tok = token{kind: tokRParen, text: ")", pos: start}
	case ch == ',':
		p.off++
		p.tok = token{kind: tokComma, text: ",", pos: start}
	case ch >= '0' && ch <= '9':
		for p.off < len(p.src) && (p.src[p.off] >= '0' && p.src[p.off] <= '9' || p.src[p.off] == '.') {
			p.off++
		}
		p.tok = token{kind: tokNumber, text: p.src[start:p.off], pos: start}
	case isIdentStart(ch):
		for p.off < len(p.src) && isIdentPart(p.src[p.off]) {
			p.off++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.off], pos: start}
	default:
		p.tok = token{kind: tokInvalid, text: string(ch), pos: start}
		p.off++
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// Identifiers may contain dots so indicator columns like bb.20.lower work.
func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch == '.' || (ch >= '0' && ch <= '9')
}

func (p *formulaParser) parseExpr() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *formulaParser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/") {
		op := p.tok.text[0]
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, X: left, Y: right}
	}
	return left, nil
}

func (p *formulaParser) parseFactor() (Expr, error) {
	switch {
	case p.tok.kind == tokOp && p.tok.text == "-":
		p.next()
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{X: inner}, nil
	case p.tok.kind == tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, fmt.Errorf("missing ) at offset %d", p.tok.pos)
		}
		p.next()
		return inner, nil
	case p.tok.kind == tokNumber:
		val, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", p.tok.text, p.tok.pos)
		}
		p.next()
		return NumLit{Value: val}, nil
	case p.tok.kind == tokIdent && p.tok.text == "shift":
		return p.parseShift()
	case p.tok.kind == tokIdent:
		name := p.tok.text
		p.next()
		return ColRef{Name: name}, nil
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", p.tok.text, p.tok.pos)
	}
}

func (p *formulaParser) parseShift() (Expr, error) {
	pos := p.tok.pos
	p.next()
	if p.tok.kind != tokLParen {
		// A bare column literally named "shift".
		return ColRef{Name: "shift"}, nil
	}
	p.next()
	if p.tok.kind != tokIdent {
		return nil, fmt.Errorf("shift at offset %d requires a column name", pos)
	}
	name := p.tok.text
	p.next()
	if p.tok.kind != tokComma {
		return nil, fmt.Errorf("shift(%s ...) missing offset argument", name)
	}
	p.next()
	neg := false
	if p.tok.kind == tokOp && p.tok.text == "-" {
		neg = true
		p.next()
	}
	if p.tok.kind != tokNumber {
		return nil, fmt.Errorf("shift(%s, ...) offset must be an integer", name)
	}
	n, err := strconv.Atoi(p.tok.text)
	if err != nil {
		return nil, fmt.Errorf("shift(%s, %s): offset must be an integer", name, p.tok.text)
	}
	if neg {
		n = -n
	}
	p.next()
	if p.tok.kind != tokRParen {
		return nil, fmt.Errorf("shift(%s, %d) missing )", name, n)
	}
	p.next()
	return ShiftExpr{Name: name, N: n}, nil
}
