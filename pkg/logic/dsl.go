package logic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Resolver maps a DSL identifier to a predicate key.
type Resolver interface {
	Resolve(name string) (key string, ok bool)
}

// MapResolver resolves names through a symbol table.
type MapResolver map[string]string

func (m MapResolver) Resolve(name string) (string, bool) {
	k, ok := m[name]
	return k, ok
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (string, bool)

func (f ResolverFunc) Resolve(name string) (string, bool) { return f(name) }

// IdentityResolver resolves a name to itself when it is one of keys.
func IdentityResolver(keys ...string) Resolver {
	m := make(MapResolver, len(keys))
	for _, k := range keys {
		m[k] = k
	}
	return m
}

// ParseDSL parses the text form of a requirement:
//
//	all(a, b)  any(a, b)  not(a)  at_least(2, a, b, c)
//	a && b     a || b     !a      a and (b or not c)
//
// "and", "or" and "require_group" are accepted as aliases of all, any and
// at_least. Input size is checked before lexing and nesting depth is bounded
// while parsing; the result is then validated against limits.
func ParseDSL(src string, resolver Resolver, limits Limits) (Requirement, error) {
	limits = limits.normalized()
	if len(src) > limits.MaxInputBytes {
		return Requirement{}, &ParseError{Kind: ParseInputTooLarge, Found: strconv.Itoa(len(src)), err: ErrInputTooLarge}
	}
	if strings.TrimSpace(src) == "" {
		return Requirement{}, &ParseError{Kind: ParseEmptyInput}
	}
	toks, err := lex(src)
	if err != nil {
		return Requirement{}, err
	}
	p := &parser{toks: toks, resolver: resolver, maxDepth: limits.MaxDepth}
	req, err := p.parseExpr()
	if err != nil {
		return Requirement{}, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return Requirement{}, &ParseError{Kind: ParseTrailingInput, Pos: t.pos, Found: t.describe()}
	}
	if err := Validate(req, limits, nil); err != nil {
		kind := ParseInvalidTree
		if errors.Is(err, ErrDepthExceeded) {
			kind = ParseNestingTooDeep
		}
		return Requirement{}, &ParseError{Kind: kind, err: err}
	}
	return req, nil
}

type tokKind uint8

const (
	tokEOF tokKind = iota
	tokIdent
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokAnd
	tokOr
	tokNot
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) describe() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokIdent:
		return fmt.Sprintf("identifier %q", t.text)
	case tokNumber:
		return fmt.Sprintf("number %s", t.text)
	}
	return fmt.Sprintf("%q", t.text)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.' || c == ':' || c == '-'
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '!':
			toks = append(toks, token{tokNot, "!", i})
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, &ParseError{Kind: ParseInvalidCharacter, Pos: i, Found: string(c)}
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			toks = append(toks, token{kind, src[i : i+2], i})
			i += 2
		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, &ParseError{Kind: ParseInvalidCharacter, Pos: i, Found: string(c)}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks     []token
	pos      int
	depth    int
	groups   int
	maxDepth int
	resolver Resolver
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, &ParseError{Kind: ParseUnexpectedToken, Pos: t.pos, Expected: what, Found: t.describe()}
	}
	return t, nil
}

// enter opens one nesting level. Only calls and prefix negation build a
// node, so each costs exactly one level; parenthesized groups are bounded
// separately by groups.
func (p *parser) enter(pos int) error {
	p.depth++
	if p.depth > p.maxDepth {
		return &ParseError{Kind: ParseNestingTooDeep, Pos: pos, err: ErrDepthExceeded}
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// isInfix reports whether t is an infix operator at the current position.
// The words "and" and "or" are operators unless followed by "(".
func (p *parser) isInfix(kind tokKind, word string) bool {
	t := p.peek()
	if t.kind == kind {
		return true
	}
	return t.kind == tokIdent && t.text == word && p.peekAt(1).kind != tokLParen
}

func (p *parser) parseExpr() (Requirement, error) {
	first, err := p.parseAnd()
	if err != nil {
		return Requirement{}, err
	}
	terms := []Requirement{first}
	for p.isInfix(tokOr, "or") {
		p.next()
		t, err := p.parseAnd()
		if err != nil {
			return Requirement{}, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Any(terms...), nil
}

func (p *parser) parseAnd() (Requirement, error) {
	first, err := p.parseUnary()
	if err != nil {
		return Requirement{}, err
	}
	terms := []Requirement{first}
	for p.isInfix(tokAnd, "and") {
		p.next()
		t, err := p.parseUnary()
		if err != nil {
			return Requirement{}, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return All(terms...), nil
}

func (p *parser) parseUnary() (Requirement, error) {
	t := p.peek()
	prefix := t.kind == tokNot || (t.kind == tokIdent && t.text == "not" && p.peekAt(1).kind != tokLParen)
	if !prefix {
		return p.parsePrimary()
	}
	p.next()
	if err := p.enter(t.pos); err != nil {
		return Requirement{}, err
	}
	defer p.leave()
	inner, err := p.parseUnary()
	if err != nil {
		return Requirement{}, err
	}
	return Negate(inner), nil
}

func (p *parser) parsePrimary() (Requirement, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		p.groups++
		defer func() { p.groups-- }()
		if p.groups > p.maxDepth {
			return Requirement{}, &ParseError{Kind: ParseNestingTooDeep, Pos: t.pos, err: ErrDepthExceeded}
		}
		inner, err := p.parseExpr()
		if err != nil {
			return Requirement{}, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return Requirement{}, err
		}
		return inner, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.resolve(t)
	}
	return Requirement{}, &ParseError{Kind: ParseUnexpectedToken, Pos: t.pos, Expected: "predicate, function or '('", Found: t.describe()}
}

func (p *parser) resolve(t token) (Requirement, error) {
	if p.resolver == nil {
		return Requirement{}, &ParseError{Kind: ParseUnknownPredicate, Pos: t.pos, Found: t.text}
	}
	key, ok := p.resolver.Resolve(t.text)
	if !ok {
		return Requirement{}, &ParseError{Kind: ParseUnknownPredicate, Pos: t.pos, Found: t.text}
	}
	return Pred(key), nil
}

func (p *parser) parseCall(name token) (Requirement, error) {
	var op Op
	switch name.text {
	case "all", "and":
		op = OpAnd
	case "any", "or":
		op = OpOr
	case "not":
		op = OpNot
	case "at_least", "require_group":
		op = OpQuorum
	default:
		return Requirement{}, &ParseError{Kind: ParseUnknownFunction, Pos: name.pos, Found: name.text}
	}
	p.next() // '('
	if err := p.enter(name.pos); err != nil {
		return Requirement{}, err
	}
	defer p.leave()

	min := 0
	if op == OpQuorum {
		nt, err := p.expect(tokNumber, "quorum threshold")
		if err != nil {
			return Requirement{}, err
		}
		n, convErr := strconv.ParseUint(nt.text, 10, 16)
		if convErr != nil {
			return Requirement{}, &ParseError{Kind: ParseInvalidNumber, Pos: nt.pos, Found: nt.text}
		}
		min = int(n)
		if p.peek().kind == tokRParen {
			p.next()
			return AtLeast(min), nil
		}
		if _, err := p.expect(tokComma, "','"); err != nil {
			return Requirement{}, err
		}
	}

	var args []Requirement
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return Requirement{}, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokRParen, "',' or ')'"); err != nil {
		return Requirement{}, err
	}

	switch op {
	case OpAnd:
		return All(args...), nil
	case OpOr:
		return Any(args...), nil
	case OpNot:
		if len(args) != 1 {
			return Requirement{}, &ParseError{Kind: ParseUnexpectedToken, Pos: name.pos, Expected: "exactly one argument to not", Found: fmt.Sprintf("%d arguments", len(args))}
		}
		return Negate(args[0]), nil
	}
	return AtLeast(min, args...), nil
}
