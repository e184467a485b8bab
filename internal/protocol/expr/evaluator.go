// Package expr implements the small sandboxed expression language used
// to build non-standard protocol instructions from a protocol
// descriptor's scriptStart field (spec.md §4.1, §9 "Dynamic expressions
// inside protocol descriptors").
//
// scriptStart is admin-authored content loaded from the protocol
// collection, a trust boundary the spec calls out explicitly: rather
// than evaluating it with a host-language interpreter (the source
// system's approach), this package gives it a fixed, tiny grammar with
// no access to scheduler or cache state and no I/O, host reflection, or
// loops — only integer arithmetic, string concatenation, and a hex()
// formatting builtin. Evaluation always terminates and can only ever
// produce a string or fail.
//
// Grammar (two bound variables: pid int, instructName string):
//
//	expr    := term (('+') term)*
//	term    := factor (('*' | '/' | '%') factor)*
//	factor  := NUMBER | STRING | IDENT | call | '(' expr ')'
//	call    := IDENT '(' [ expr (',' expr)* ] ')'
//	IDENT   := "pid" | "instructName" | "hex"
//
// '+' performs integer addition when both operands are numbers, and
// string concatenation (decimal-formatting any numeric operand)
// otherwise. hex(n) formats n as a 2-digit lowercase hex byte;
// hex(n, width) formats it as width bytes (2*width hex digits),
// truncating from the left if n does not fit.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates script against the bound variables pid and
// instructName, returning the resulting string. It is pure and
// deterministic: the same inputs always produce the same output or
// the same error.
func Eval(script string, pid int, instructName string) (string, error) {
	p := &parser{
		lex:          lex(script),
		pid:          pid,
		instructName: instructName,
	}
	v, err := p.parseExpr()
	if err != nil {
		return "", fmt.Errorf("eval scriptStart: %w", err)
	}
	if p.peek().kind != tokEOF {
		return "", fmt.Errorf("eval scriptStart: unexpected trailing token %q", p.peek().text)
	}
	return toString(v), nil
}

// value is either an int64 or a string; the grammar has no other types.
type value struct {
	isString bool
	num      int64
	str      string
}

func numVal(n int64) value  { return value{num: n} }
func strVal(s string) value { return value{isString: true, str: s} }

func toString(v value) string {
	if v.isString {
		return v.str
	}
	return strconv.FormatInt(v.num, 10)
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPlus
	tokStar
	tokSlash
	tokPercent
	tokLParen
	tokRParen
	tokComma
	tokInvalid
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	toks []token
	pos  int
}

func lex(s string) *lexer {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+':
			toks = append(toks, token{tokPlus, "+"})
			i++
		case c == '*':
			toks = append(toks, token{tokStar, "*"})
			i++
		case c == '/':
			toks = append(toks, token{tokSlash, "/"})
			i++
		case c == '%':
			toks = append(toks, token{tokPercent, "%"})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '"':
			j := i + 1
			var b strings.Builder
			for j < len(s) && s[j] != '"' {
				b.WriteByte(s[j])
				j++
			}
			toks = append(toks, token{tokString, b.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			toks = append(toks, token{tokNumber, s[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, s[i:j]})
			i = j
		default:
			// Unknown character: stop lexing here; the parser will
			// surface it as an unexpected-trailing-token error.
			toks = append(toks, token{tokInvalid, string(c)})
			i = len(s)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return &lexer{toks: toks}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// --- parser ---

type parser struct {
	lex          *lexer
	pid          int
	instructName string
}

func (p *parser) peek() token {
	return p.lex.toks[p.lex.pos]
}

func (p *parser) next() token {
	t := p.peek()
	if p.lex.pos < len(p.lex.toks)-1 {
		p.lex.pos++
	}
	return t
}

func (p *parser) parseExpr() (value, error) {
	v, err := p.parseTerm()
	if err != nil {
		return value{}, err
	}
	for p.peek().kind == tokPlus {
		p.next()
		rhs, err := p.parseTerm()
		if err != nil {
			return value{}, err
		}
		if !v.isString && !rhs.isString {
			v = numVal(v.num + rhs.num)
		} else {
			v = strVal(toString(v) + toString(rhs))
		}
	}
	return v, nil
}

func (p *parser) parseTerm() (value, error) {
	v, err := p.parseFactor()
	if err != nil {
		return value{}, err
	}
	for {
		switch p.peek().kind {
		case tokStar:
			p.next()
			rhs, err := p.parseFactor()
			if err != nil {
				return value{}, err
			}
			if v.isString || rhs.isString {
				return value{}, fmt.Errorf("'*' requires numeric operands")
			}
			v = numVal(v.num * rhs.num)
		case tokSlash:
			p.next()
			rhs, err := p.parseFactor()
			if err != nil {
				return value{}, err
			}
			if v.isString || rhs.isString || rhs.num == 0 {
				return value{}, fmt.Errorf("'/' requires numeric operands and a non-zero divisor")
			}
			v = numVal(v.num / rhs.num)
		case tokPercent:
			p.next()
			rhs, err := p.parseFactor()
			if err != nil {
				return value{}, err
			}
			if v.isString || rhs.isString || rhs.num == 0 {
				return value{}, fmt.Errorf("'%%' requires numeric operands and a non-zero divisor")
			}
			v = numVal(v.num % rhs.num)
		default:
			return v, nil
		}
	}
}

func (p *parser) parseFactor() (value, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return value{}, fmt.Errorf("invalid number %q: %w", t.text, err)
		}
		return numVal(n), nil
	case tokString:
		p.next()
		return strVal(t.text), nil
	case tokLParen:
		p.next()
		v, err := p.parseExpr()
		if err != nil {
			return value{}, err
		}
		if p.peek().kind != tokRParen {
			return value{}, fmt.Errorf("expected ')'")
		}
		p.next()
		return v, nil
	case tokIdent:
		p.next()
		if p.peek().kind == tokLParen {
			return p.parseCall(t.text)
		}
		switch t.text {
		case "pid":
			return numVal(int64(p.pid)), nil
		case "instructName":
			return strVal(p.instructName), nil
		default:
			return value{}, fmt.Errorf("unknown identifier %q", t.text)
		}
	default:
		return value{}, fmt.Errorf("unexpected token %q", t.text)
	}
}

func (p *parser) parseCall(name string) (value, error) {
	p.next() // consume '('
	var args []value
	if p.peek().kind != tokRParen {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return value{}, err
			}
			args = append(args, v)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	if p.peek().kind != tokRParen {
		return value{}, fmt.Errorf("expected ')' in call to %q", name)
	}
	p.next()

	switch name {
	case "hex":
		return callHex(args)
	default:
		return value{}, fmt.Errorf("unknown function %q", name)
	}
}

func callHex(args []value) (value, error) {
	if len(args) < 1 || len(args) > 2 {
		return value{}, fmt.Errorf("hex() takes 1 or 2 arguments, got %d", len(args))
	}
	if args[0].isString {
		return value{}, fmt.Errorf("hex() first argument must be numeric")
	}
	width := 1
	if len(args) == 2 {
		if args[1].isString {
			return value{}, fmt.Errorf("hex() width argument must be numeric")
		}
		width = int(args[1].num)
		if width < 1 || width > 8 {
			return value{}, fmt.Errorf("hex() width must be in 1..8, got %d", width)
		}
	}
	n := args[0].num
	mask := int64(1)<<(uint(width)*8) - 1
	n &= mask
	format := fmt.Sprintf("%%0%dx", width*2)
	return strVal(fmt.Sprintf(format, n)), nil
}
