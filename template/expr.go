/*
Copyright © 2025 OSImager Authors

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/

package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/osimager/osimager/resolver"
)

// The expression evaluator covers the small, bounded language found in real
// spec files: literals, string concatenation, comparisons, boolean logic,
// the conditional form `A if C else B`, membership, startswith/endswith/len,
// and integer arithmetic. Anything outside that grammar is rejected at parse
// time.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInt
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '[':
			l.emit(tokLBracket, "[")
		case c == ']':
			l.emit(tokRBracket, "]")
		case c == ',':
			l.emit(tokComma, ",")
		case c == '.':
			l.emit(tokDot, ".")
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case c >= '0' && c <= '9':
			l.lexNumber()
		case isIdentStart(rune(c)):
			l.lexIdent()
		case strings.ContainsRune("+-*/<>=!", rune(c)):
			l.lexOp()
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, l.pos)
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF})
	return l.toks, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text})
	l.pos += len(text)
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos + 1
	for i := start; i < len(l.src); i++ {
		if l.src[i] == quote {
			l.toks = append(l.toks, token{kind: tokString, text: l.src[start:i]})
			l.pos = i + 1
			return nil
		}
	}
	return fmt.Errorf("unterminated string starting at offset %d", l.pos)
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '9' {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokInt, text: l.src[start:l.pos]})
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.src[start:l.pos]})
}

func (l *lexer) lexOp() {
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=":
		l.emit(tokOp, two)
		return
	}
	l.emit(tokOp, l.src[l.pos:l.pos+1])
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }
func isIdentPart(r rune) bool  { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

type parser struct {
	toks []token
	pos  int
	defs map[string]interface{}
}

// deferredError carries an evaluation failure as a value so the conditional
// form `A if C else B` can discard failures in the branch it does not take,
// matching lazy branch evaluation. Syntax errors still abort the parse.
type deferredError struct{ err error }

func deferErrf(format string, args ...interface{}) interface{} {
	return deferredError{err: fmt.Errorf(format, args...)}
}

func firstDeferred(vals ...interface{}) (deferredError, bool) {
	for _, v := range vals {
		if d, ok := v.(deferredError); ok {
			return d, true
		}
	}
	return deferredError{}, false
}

// EvalExpression parses and evaluates src with defs exposed as variables.
func EvalExpression(src string, defs map[string]interface{}) (interface{}, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, defs: defs}
	v, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing token %q", p.peek().text)
	}
	if d, ok := v.(deferredError); ok {
		return nil, d.err
	}
	return v, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptIdent(word string) bool {
	if p.peek().kind == tokIdent && p.peek().text == word {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.next()
		return true
	}
	return false
}

// parseConditional handles `A if C else B`.
func (p *parser) parseConditional() (interface{}, error) {
	value, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptIdent("if") {
		return value, nil
	}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptIdent("else") {
		return nil, fmt.Errorf("conditional expression missing else")
	}
	alt, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	if d, ok := cond.(deferredError); ok {
		return nil, d.err
	}
	if truthy(cond) {
		return value, nil
	}
	return alt, nil
}

func (p *parser) parseOr() (interface{}, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if d, ok := firstDeferred(left, right); ok {
			left = d
			continue
		}
		left = truthy(left) || truthy(right)
	}
	return left, nil
}

func (p *parser) parseAnd() (interface{}, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if d, ok := firstDeferred(left, right); ok {
			left = d
			continue
		}
		left = truthy(left) && truthy(right)
	}
	return left, nil
}

func (p *parser) parseNot() (interface{}, error) {
	if p.acceptIdent("not") {
		v, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if d, ok := v.(deferredError); ok {
			return d, nil
		}
		return !truthy(v), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (interface{}, error) {
	left, err := p.parseArith()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.peek().kind == tokOp && isCompareOp(p.peek().text):
			op = p.next().text
		case p.peek().kind == tokIdent && p.peek().text == "in":
			p.next()
			op = "in"
		case p.peek().kind == tokIdent && p.peek().text == "not":
			// `not in`
			save := p.pos
			p.next()
			if !p.acceptIdent("in") {
				p.pos = save
				return left, nil
			}
			op = "not in"
		default:
			return left, nil
		}
		right, err := p.parseArith()
		if err != nil {
			return nil, err
		}
		if d, ok := firstDeferred(left, right); ok {
			left = d
			continue
		}
		res, cmpErr := compare(op, left, right)
		if cmpErr != nil {
			left = deferredError{err: cmpErr}
			continue
		}
		left = res
	}
}

func isCompareOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseArith() (interface{}, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("+"):
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left, err = add(left, right)
			if err != nil {
				return nil, err
			}
		case p.acceptOp("-"):
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left, err = intOp("-", left, right)
			if err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseTerm() (interface{}, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.acceptOp("*"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left, err = intOp("*", left, right)
			if err != nil {
				return nil, err
			}
		case p.acceptOp("/"):
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left, err = intOp("/", left, right)
			if err != nil {
				return nil, err
			}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (interface{}, error) {
	if p.acceptOp("-") {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if d, ok := v.(deferredError); ok {
			return d, nil
		}
		n, ok := asInt(v)
		if !ok {
			return deferErrf("unary minus on non-integer %v", v), nil
		}
		return -n, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles the whitelisted string methods.
func (p *parser) parsePostfix() (interface{}, error) {
	value, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokDot {
		p.next()
		name := p.next()
		if name.kind != tokIdent {
			return nil, fmt.Errorf("expected method name after '.'")
		}
		if name.text != "startswith" && name.text != "endswith" {
			return nil, fmt.Errorf("method %q is not allowed", name.text)
		}
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("expected '(' after %s", name.text)
		}
		arg, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' closing %s", name.text)
		}
		if d, ok := firstDeferred(value, arg); ok {
			value = d
			continue
		}
		subject := resolver.Stringify(value)
		prefix := resolver.Stringify(arg)
		if name.text == "startswith" {
			value = strings.HasPrefix(subject, prefix)
		} else {
			value = strings.HasSuffix(subject, prefix)
		}
	}
	return value, nil
}

func (p *parser) parseAtom() (interface{}, error) {
	t := p.peek()
	switch t.kind {
	case tokInt:
		p.next()
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case tokString:
		p.next()
		return t.text, nil
	case tokLParen:
		p.next()
		v, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		return p.parseIdentAtom()
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func (p *parser) parseList() (interface{}, error) {
	p.next() // consume '['
	items := []interface{}{}
	if p.peek().kind == tokRBracket {
		p.next()
		return items, nil
	}
	for {
		v, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		switch p.next().kind {
		case tokComma:
			continue
		case tokRBracket:
			return items, nil
		default:
			return nil, fmt.Errorf("expected ',' or ']' in list literal")
		}
	}
}

func (p *parser) parseIdentAtom() (interface{}, error) {
	t := p.next()
	switch t.text {
	case "True", "true":
		return true, nil
	case "False", "false":
		return false, nil
	case "None", "none":
		return nil, nil
	case "len":
		if p.next().kind != tokLParen {
			return nil, fmt.Errorf("expected '(' after len")
		}
		v, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected ')' closing len")
		}
		if d, ok := v.(deferredError); ok {
			return d, nil
		}
		switch l := v.(type) {
		case string:
			return int64(len(l)), nil
		case []interface{}:
			return int64(len(l)), nil
		default:
			return int64(len(resolver.Stringify(v))), nil
		}
	}
	v, ok := p.defs[t.text]
	if !ok {
		return deferErrf("undefined variable %q", t.text), nil
	}
	return normalize(v), nil
}

// normalize coerces JSON-decoded numbers to int64 when they carry integer
// values so arithmetic and comparisons behave predictably.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	default:
		return v
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func asInt(v interface{}) (int64, bool) {
	switch t := normalize(v).(type) {
	case int64:
		return t, true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// add concatenates strings and adds integers; mixing the two is an error.
// Operand failures defer so an untaken conditional branch can absorb them.
func add(left, right interface{}) (interface{}, error) {
	if d, ok := firstDeferred(left, right); ok {
		return d, nil
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return ls + rs, nil
	}
	if lok != rok {
		return deferErrf("cannot add %T and %T", left, right), nil
	}
	return intOp("+", left, right)
}

func intOp(op string, left, right interface{}) (interface{}, error) {
	if d, ok := firstDeferred(left, right); ok {
		return d, nil
	}
	l, lok := asInt(left)
	r, rok := asInt(right)
	if !lok || !rok {
		return deferErrf("operator %q needs integer operands, got %v and %v", op, left, right), nil
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return deferErrf("division by zero"), nil
		}
		return l / r, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

func compare(op string, left, right interface{}) (interface{}, error) {
	switch op {
	case "in", "not in":
		res, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		if op == "not in" {
			return !res, nil
		}
		return res, nil
	}

	// Numeric comparison when both sides coerce to integers; string
	// comparison otherwise.
	if l, lok := asInt(left); lok {
		if r, rok := asInt(right); rok {
			return compareInts(op, l, r)
		}
	}
	ls, rs := resolver.Stringify(left), resolver.Stringify(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	default:
		return nil, fmt.Errorf("unknown comparison %q", op)
	}
}

func compareInts(op string, l, r int64) (interface{}, error) {
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return nil, fmt.Errorf("unknown comparison %q", op)
	}
}

func contains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, resolver.Stringify(item)), nil
	case []interface{}:
		for _, elem := range c {
			if resolver.Stringify(elem) == resolver.Stringify(item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("membership test needs a string or list, got %T", container)
	}
}

// evalArithExpr implements action 6: + - * / with the usual precedence over
// defs names and integer literals. A non-numeric operand is an error.
func evalArithExpr(src string, defs map[string]interface{}) (int64, error) {
	toks, err := lex(src)
	if err != nil {
		return 0, err
	}
	p := &arithParser{toks: toks, defs: defs}
	n, err := p.parseSum()
	if err != nil {
		return 0, err
	}
	if p.peek().kind != tokEOF {
		return 0, fmt.Errorf("unexpected trailing token %q", p.peek().text)
	}
	return n, nil
}

type arithParser struct {
	toks []token
	pos  int
	defs map[string]interface{}
}

func (p *arithParser) peek() token { return p.toks[p.pos] }

func (p *arithParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *arithParser) acceptOp(op string) bool {
	if p.peek().kind == tokOp && p.peek().text == op {
		p.next()
		return true
	}
	return false
}

func (p *arithParser) parseSum() (int64, error) {
	left, err := p.parseProduct()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.acceptOp("+"):
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left += right
		case p.acceptOp("-"):
			right, err := p.parseProduct()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *arithParser) parseProduct() (int64, error) {
	left, err := p.parseOperand()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.acceptOp("*"):
			right, err := p.parseOperand()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.acceptOp("/"):
			right, err := p.parseOperand()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *arithParser) parseOperand() (int64, error) {
	t := p.next()
	switch t.kind {
	case tokInt:
		return strconv.ParseInt(t.text, 10, 64)
	case tokIdent:
		v, ok := p.defs[t.text]
		if !ok {
			return 0, fmt.Errorf("undefined variable %q", t.text)
		}
		n, numeric := asInt(v)
		if !numeric {
			return 0, fmt.Errorf("variable %q is not numeric (%v)", t.text, v)
		}
		return n, nil
	case tokLParen:
		n, err := p.parseSum()
		if err != nil {
			return 0, err
		}
		if p.next().kind != tokRParen {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		return n, nil
	case tokOp:
		if t.text == "-" {
			n, err := p.parseOperand()
			if err != nil {
				return 0, err
			}
			return -n, nil
		}
		return 0, fmt.Errorf("unexpected operator %q", t.text)
	default:
		return 0, fmt.Errorf("unexpected token %q", t.text)
	}
}
