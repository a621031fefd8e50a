package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is usable as a field name.
func ValidIdentifier(s string) bool {
	return identRe.MatchString(s)
}

// function is an allow-listed math function with its arity.
type function struct {
	arity int
	eval  func(args []float64) float64
}

var functions = map[string]function{
	"sqrt":  {1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"exp":   {1, func(a []float64) float64 { return math.Exp(a[0]) }},
	"ln":    {1, func(a []float64) float64 { return math.Log(a[0]) }},
	"log":   {1, func(a []float64) float64 { return math.Log10(a[0]) }},
	"sin":   {1, func(a []float64) float64 { return math.Sin(a[0]) }},
	"cos":   {1, func(a []float64) float64 { return math.Cos(a[0]) }},
	"tan":   {1, func(a []float64) float64 { return math.Tan(a[0]) }},
	"atan":  {1, func(a []float64) float64 { return math.Atan(a[0]) }},
	"atan2": {2, func(a []float64) float64 { return math.Atan2(a[0], a[1]) }},
	"power": {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
}

// Expr is a parsed arithmetic formula over named fields.
type Expr struct {
	src  string
	root node
	vars []string
}

// String returns the formula as written.
func (e *Expr) String() string { return e.src }

// Vars lists the field names the formula references, in first-use order.
func (e *Expr) Vars() []string { return e.vars }

// Eval computes the formula with the given field values.
func (e *Expr) Eval(values map[string]float64) (float64, error) {
	v, err := e.root.eval(values)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("formula %q: non-finite result", e.src)
	}
	return v, nil
}

// SQL renders the formula as a fully parenthesized SQL expression. column
// maps a field name to its quoted column reference.
func (e *Expr) SQL(column func(name string) string) string {
	var b strings.Builder
	e.root.sql(&b, column)
	return b.String()
}

// ParseExpr parses src. Every identifier that is not an allow-listed
// function call must be one of fields.
func ParseExpr(src string, fields []string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, fmt.Errorf("%w: formula %q: %w", ErrConfiguration, src, err)
	}
	p := &parser{toks: toks, fields: fields}
	root, err := p.parseSum()
	if err == nil && p.peek().kind != tokEOF {
		err = fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: formula %q: %w", ErrConfiguration, src, err)
	}
	return &Expr{src: src, root: root, vars: p.vars}, nil
}

// --- AST ---

type node interface {
	eval(values map[string]float64) (float64, error)
	sql(b *strings.Builder, column func(string) string)
}

type numNode struct{ v float64 }

func (n numNode) eval(map[string]float64) (float64, error) { return n.v, nil }

func (n numNode) sql(b *strings.Builder, _ func(string) string) {
	b.WriteString("(")
	b.WriteString(strconv.FormatFloat(n.v, 'g', -1, 64))
	b.WriteString(")::float8")
}

type varNode struct{ name string }

func (n varNode) eval(values map[string]float64) (float64, error) {
	v, ok := values[n.name]
	if !ok {
		return 0, fmt.Errorf("%w: no value for %q", ErrMissingDependency, n.name)
	}
	return v, nil
}

func (n varNode) sql(b *strings.Builder, column func(string) string) {
	b.WriteString(column(n.name))
}

type negNode struct{ x node }

func (n negNode) eval(values map[string]float64) (float64, error) {
	v, err := n.x.eval(values)
	return -v, err
}

func (n negNode) sql(b *strings.Builder, column func(string) string) {
	b.WriteString("(-")
	n.x.sql(b, column)
	b.WriteString(")")
}

type binNode struct {
	op   byte
	l, r node
}

func (n binNode) eval(values map[string]float64) (float64, error) {
	l, err := n.l.eval(values)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(values)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, errors.New("division by zero")
		}
		return l / r, nil
	default:
		return math.Pow(l, r), nil
	}
}

func (n binNode) sql(b *strings.Builder, column func(string) string) {
	b.WriteString("(")
	n.l.sql(b, column)
	b.WriteString(" ")
	b.WriteByte(n.op)
	b.WriteString(" ")
	n.r.sql(b, column)
	b.WriteString(")")
}

type callNode struct {
	name string
	args []node
}

func (n callNode) eval(values map[string]float64) (float64, error) {
	args := make([]float64, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(values)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}
	return functions[n.name].eval(args), nil
}

func (n callNode) sql(b *strings.Builder, column func(string) string) {
	b.WriteString(n.name)
	b.WriteString("(")
	for i, a := range n.args {
		if i > 0 {
			b.WriteString(", ")
		}
		a.sql(b, column)
	}
	b.WriteString(")")
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case strings.IndexByte("+-*/^(),", c) >= 0:
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case isDigit(c) || c == '.':
			j := scanNumber(src, i)
			toks = append(toks, token{kind: tokNum, text: src[i:j], pos: i})
			i = j
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && (isIdentStart(src[j]) || isDigit(src[j])) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i})
			i = j
		default:
			return nil, fmt.Errorf("character %q at offset %d is not allowed", c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func scanNumber(src string, i int) int {
	j := i
	for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
		j++
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && isDigit(src[k]) {
			for k < len(src) && isDigit(src[k]) {
				k++
			}
			j = k
		}
	}
	return j
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

// --- parser ---

type parser struct {
	toks   []token
	pos    int
	fields []string
	vars   []string
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(op string) bool {
	if t := p.peek(); t.kind == tokOp && t.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseSum() (node, error) {
	l, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		var op byte
		switch {
		case p.accept("+"):
			op = '+'
		case p.accept("-"):
			op = '-'
		default:
			return l, nil
		}
		r, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		l = binNode{op: op, l: l, r: r}
	}
}

func (p *parser) parseProduct() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op byte
		switch {
		case p.accept("*"):
			op = '*'
		case p.accept("/"):
			op = '/'
		default:
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = binNode{op: op, l: l, r: r}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept("-") {
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negNode{x: x}, nil
	}
	if p.accept("+") {
		return p.parseUnary()
	}
	return p.parsePower()
}

// parsePower is right-associative: a^b^c == a^(b^c).
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if !p.accept("^") {
		return base, nil
	}
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return binNode{op: '^', l: base, r: exp}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return numNode{v: v}, nil
	case tokIdent:
		if p.accept("(") {
			return p.parseCall(t)
		}
		if !slices.Contains(p.fields, t.text) {
			return nil, fmt.Errorf("%q is not a dependent field", t.text)
		}
		if !slices.Contains(p.vars, t.text) {
			p.vars = append(p.vars, t.text)
		}
		return varNode{name: t.text}, nil
	case tokOp:
		if t.text == "(" {
			x, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			if !p.accept(")") {
				return nil, fmt.Errorf("missing ) at offset %d", p.peek().pos)
			}
			return x, nil
		}
	case tokEOF:
		return nil, errors.New("unexpected end of formula")
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := functions[strings.ToLower(name.text)]
	if !ok {
		return nil, fmt.Errorf("function %q is not allowed", name.text)
	}
	var args []node
	if !p.accept(")") {
		for {
			a, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.accept(")") {
				break
			}
			if !p.accept(",") {
				return nil, fmt.Errorf("expected , or ) at offset %d", p.peek().pos)
			}
		}
	}
	if len(args) != fn.arity {
		return nil, fmt.Errorf("%s takes %d argument(s), got %d", name.text, fn.arity, len(args))
	}
	return callNode{name: strings.ToLower(name.text), args: args}, nil
}
