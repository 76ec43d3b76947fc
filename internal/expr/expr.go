// Package expr implements a small sandboxed expression language used for
// step conditions and message filters. It supports boolean operators,
// comparisons, indexing and dotted field access over a caller-supplied
// environment — no calls, no assignment, no loops.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled expression ready for evaluation.
type Expr struct {
	root   node
	source string
}

// Compile parses source into an evaluable expression. Syntax errors are
// reported here so callers can reject bad expressions up front.
func Compile(source string) (*Expr, error) {
	toks, err := lex(source)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("invalid expression %q: unexpected %q", source, p.peek().text)
	}
	return &Expr{root: root, source: source}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.source }

// Eval evaluates the expression against env and reduces the result to a
// boolean. Missing fields evaluate to nil, and nil/zero/empty values are
// falsy, so a lookup into absent data is false rather than an error.
func (e *Expr) Eval(env map[string]interface{}) bool {
	return truthy(e.root.eval(env))
}

// EvalValue evaluates the expression and returns the raw result.
func (e *Expr) EvalValue(env map[string]interface{}) interface{} {
	return e.root.eval(env)
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case []interface{}:
		return len(val) > 0
	case map[string]interface{}:
		return len(val) > 0
	default:
		return true
	}
}

// ---- lexer ----

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokEOF
)

type token struct {
	kind tokenKind
	text string
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
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "["})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]"})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "+", "-"} {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q", string(c))
			}
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

// ---- parser ----

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) acceptOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.pos++
		return true
	}
	return false
}

// parseExpr handles "||", the lowest-precedence operator.
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.acceptOp("&&") {
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.acceptOp(op) {
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("+"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "+", left: left, right: right}
		case p.acceptOp("-"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: "-", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.acceptOp("!") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	if p.acceptOp("-") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: "-", left: &literalNode{value: float64(0)}, right: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	var base node
	switch tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", tok.text)
		}
		base = &literalNode{value: f}
	case tokString:
		base = &literalNode{value: tok.text}
	case tokIdent:
		switch tok.text {
		case "true":
			base = &literalNode{value: true}
		case "false":
			base = &literalNode{value: false}
		case "null", "nil":
			base = &literalNode{value: nil}
		default:
			base = &identNode{name: tok.text}
		}
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		base = inner
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
	return p.parseSelectors(base)
}

// parseSelectors consumes chained ".field" and "[index]" accessors.
func (p *parser) parseSelectors(base node) (node, error) {
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			field := p.next()
			if field.kind != tokIdent {
				return nil, fmt.Errorf("expected field name after '.'")
			}
			base = &indexNode{target: base, index: &literalNode{value: field.text}}
		case tokLBracket:
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if p.next().kind != tokRBracket {
				return nil, fmt.Errorf("missing closing bracket")
			}
			base = &indexNode{target: base, index: idx}
		default:
			return base, nil
		}
	}
}

// ---- AST ----

type node interface {
	eval(env map[string]interface{}) interface{}
}

type literalNode struct{ value interface{} }

func (n *literalNode) eval(map[string]interface{}) interface{} { return n.value }

type identNode struct{ name string }

func (n *identNode) eval(env map[string]interface{}) interface{} {
	if env == nil {
		return nil
	}
	return env[n.name]
}

type notNode struct{ operand node }

func (n *notNode) eval(env map[string]interface{}) interface{} {
	return !truthy(n.operand.eval(env))
}

type indexNode struct {
	target node
	index  node
}

func (n *indexNode) eval(env map[string]interface{}) interface{} {
	target := n.target.eval(env)
	key := n.index.eval(env)
	switch t := target.(type) {
	case map[string]interface{}:
		if k, ok := key.(string); ok {
			return t[k]
		}
	case []interface{}:
		if i, ok := toFloat(key); ok {
			idx := int(i)
			if idx >= 0 && idx < len(t) {
				return t[idx]
			}
		}
	}
	return nil
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(env map[string]interface{}) interface{} {
	switch n.op {
	case "&&":
		return truthy(n.left.eval(env)) && truthy(n.right.eval(env))
	case "||":
		return truthy(n.left.eval(env)) || truthy(n.right.eval(env))
	}

	left := n.left.eval(env)
	right := n.right.eval(env)

	switch n.op {
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	case "<", "<=", ">", ">=":
		return compareOrdered(left, right, n.op)
	case "+":
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs
			}
		}
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if lok && rok {
			return lf + rf
		}
		return nil
	case "-":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if lok && rok {
			return lf - rf
		}
		return nil
	}
	return nil
}

func equal(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

// compareOrdered handles ordered comparison for numbers and strings.
// Mismatched types compare false.
func compareOrdered(a, b interface{}, op string) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch op {
			case "<":
				return af < bf
			case "<=":
				return af <= bf
			case ">":
				return af > bf
			case ">=":
				return af >= bf
			}
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs
		case "<=":
			return as <= bs
		case ">":
			return as > bs
		case ">=":
			return as >= bs
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case interface{ Float64() (float64, error) }:
		// json.Number from decoders configured with UseNumber.
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Refs returns the literal keys the expression reads directly off the
// named top-level identifier, as in root['key']. Keys computed at
// runtime are not reported.
func (e *Expr) Refs(root string) []string {
	seen := make(map[string]bool)
	var out []string
	var walk func(n node)
	walk = func(n node) {
		switch t := n.(type) {
		case *indexNode:
			if ident, ok := t.target.(*identNode); ok && ident.name == root {
				if lit, ok := t.index.(*literalNode); ok {
					if key, ok := lit.value.(string); ok && !seen[key] {
						seen[key] = true
						out = append(out, key)
					}
				}
			}
			walk(t.target)
			walk(t.index)
		case *notNode:
			walk(t.operand)
		case *binaryNode:
			walk(t.left)
			walk(t.right)
		}
	}
	walk(e.root)
	return out
}
