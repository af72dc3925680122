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

// Package template implements the marker substitution language used in
// platform, location, and spec files. Twelve actions, each owning a unique
// delimiter pair, run in a fixed order over every string; whole-string
// markers preserve the type of the substituted value, inline markers always
// stringify.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/resolver"
)

// SecretSource retrieves one secret value. The credential provider
// implements it; a nil source fails only when a secret action is actually
// encountered.
type SecretSource interface {
	GetSecret(path, key string) (string, error)
}

// Engine substitutes markers throughout a value tree.
//
// Missing defs keys are handled strictly: a whole-string marker referencing
// an undefined key fails resolution, while an inline occurrence substitutes
// an empty string.
type Engine struct {
	Defs    map[string]interface{}
	Secrets SecretSource

	// Resolve performs the A-record lookup for action 4, typically against
	// the location's DNS servers. A lookup failure substitutes an empty
	// string; only a missing defs key is an error.
	Resolve func(name string) (string, error)

	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// splice delimiters; handled by the sequence walker, not the string actions.
const (
	spliceOpen  = "[>"
	spliceClose = "<]"
)

type actionDef struct {
	open, close string
	handler     func(e *Engine, inner string) (interface{}, error)
	// typed actions may return a non-string value for whole-string markers
	typed bool
	// strict actions fail when the marker sits alone in a string and the
	// handler reports a missing key
	strict bool
}

// errUnset marks a "no value" handler result, turned into either an empty
// inline substitution or an UnresolvedVariable error by the scanner.
var errUnset = errors.New("unset key")

var actions = []actionDef{
	{open: "%>", close: "<%", handler: (*Engine).lookupDef, typed: true, strict: true},
	{open: ">>", close: "<<", handler: (*Engine).lookupDef, typed: true, strict: true},
	{open: "+>", close: "<+", handler: (*Engine).lookupBasename, strict: true},
	{open: "*>", close: "<*", handler: (*Engine).lookupDNS, strict: true},
	{open: "|>", close: "<|", handler: (*Engine).lookupSecret},
	{open: "#>", close: "<#", handler: (*Engine).evalArith, typed: true},
	{open: "$>", close: "<$", handler: (*Engine).lookupEnv},
	{open: "1>", close: "<1", handler: (*Engine).cryptMD5},
	{open: "5>", close: "<5", handler: (*Engine).cryptSHA256},
	{open: "6>", close: "<6", handler: (*Engine).cryptSHA512},
	{open: "E>", close: "<E", handler: (*Engine).evalExpression, typed: true},
}

// Process walks any value, substituting markers in strings, map keys and
// values, and sequence elements. Non-string primitives pass through
// unchanged. Sequence elements that consist solely of a splice marker are
// expanded in place (or dropped when the key is missing).
func (e *Engine) Process(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return e.ProcessString(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			nk, err := e.ProcessString(k)
			if err != nil {
				return nil, err
			}
			nv, err := e.Process(val)
			if err != nil {
				return nil, err
			}
			out[resolver.Stringify(nk)] = nv
		}
		return out, nil
	case []interface{}:
		return e.processSequence(t)
	default:
		return v, nil
	}
}

// processSequence walks a sequence, handling action 12 splicing.
func (e *Engine) processSequence(seq []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(seq))
	for _, item := range seq {
		if s, ok := item.(string); ok {
			if key, isSplice := spliceKey(s); isSplice {
				items, err := e.spliceItems(key)
				if err != nil {
					return nil, err
				}
				out = append(out, items...)
				continue
			}
		}
		nv, err := e.Process(item)
		if err != nil {
			return nil, err
		}
		out = append(out, nv)
	}
	return out, nil
}

// spliceKey reports whether s is exactly one splice marker and returns its
// key.
func spliceKey(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, spliceOpen) || !strings.HasSuffix(trimmed, spliceClose) {
		return "", false
	}
	inner := trimmed[len(spliceOpen) : len(trimmed)-len(spliceClose)]
	if strings.Contains(inner, spliceOpen) || strings.Contains(inner, spliceClose) {
		return "", false
	}
	return inner, true
}

// spliceItems resolves the splice value for key: a list is used as-is, a
// string is split on whitespace and commas, and a missing key drops the
// element silently.
func (e *Engine) spliceItems(key string) ([]interface{}, error) {
	v, ok := e.Defs[key]
	if !ok {
		return nil, nil
	}
	switch t := v.(type) {
	case []interface{}:
		return e.processSequence(t)
	case []string:
		out := make([]interface{}, 0, len(t))
		for _, s := range t {
			nv, err := e.ProcessString(s)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	default:
		fields := strings.FieldsFunc(resolver.Stringify(t), func(r rune) bool {
			return r == ' ' || r == '\t' || r == '\n' || r == ','
		})
		out := make([]interface{}, 0, len(fields))
		for _, f := range fields {
			out = append(out, f)
		}
		return out, nil
	}
}

// ProcessString applies the string actions in order. The result is the
// original string type unless a whole-string typed marker substituted a
// non-string value.
func (e *Engine) ProcessString(s string) (interface{}, error) {
	cur := s
	for _, act := range actions {
		result, err := e.applyAction(act, cur)
		if err != nil {
			return nil, err
		}
		next, isString := result.(string)
		if !isString {
			// A typed whole-string replacement: containers are walked so
			// markers inside defs values still resolve; the remaining
			// actions never re-scan this value as a string.
			switch result.(type) {
			case map[string]interface{}, []interface{}:
				return e.Process(result)
			default:
				return result, nil
			}
		}
		cur = next
	}
	return cur, nil
}

// applyAction runs one action over the string, handling the whole-string
// typed case first, then inline occurrences.
func (e *Engine) applyAction(act actionDef, s string) (interface{}, error) {
	if !strings.Contains(s, act.open) {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, act.open) {
		rest := trimmed[len(act.open):]
		end := strings.Index(rest, act.close)
		if end < 0 {
			return nil, errors.E(errors.KindTemplateSyntax,
				"unbalanced %s...%s marker in %q", act.open, act.close, s)
		}
		if len(act.open)+end+len(act.close) == len(trimmed) {
			inner := rest[:end]
			value, err := e.handle(act, inner)
			if err == errUnset {
				if act.strict {
					return nil, errors.E(errors.KindUnresolvedVariable,
						"undefined variable %q in %q", inner, s)
				}
				return "", nil
			}
			if err != nil {
				return nil, err
			}
			if act.typed {
				return value, nil
			}
			return resolver.Stringify(value), nil
		}
	}

	// Inline substitution.
	var out strings.Builder
	remaining := s
	for {
		start := strings.Index(remaining, act.open)
		if start < 0 {
			out.WriteString(remaining)
			break
		}
		end := strings.Index(remaining[start+len(act.open):], act.close)
		if end < 0 {
			return nil, errors.E(errors.KindTemplateSyntax,
				"unbalanced %s...%s marker in %q", act.open, act.close, s)
		}
		inner := remaining[start+len(act.open) : start+len(act.open)+end]
		out.WriteString(remaining[:start])

		value, err := e.handle(act, inner)
		if err == errUnset {
			value = ""
		} else if err != nil {
			return nil, err
		}
		out.WriteString(resolver.Stringify(value))

		remaining = remaining[start+len(act.open)+end+len(act.close):]
	}
	return out.String(), nil
}

func (e *Engine) handle(act actionDef, inner string) (interface{}, error) {
	return act.handler(e, inner)
}

func (e *Engine) lookupDef(key string) (interface{}, error) {
	v, ok := e.Defs[strings.TrimSpace(key)]
	if !ok {
		return nil, errUnset
	}
	return v, nil
}

func (e *Engine) lookupBasename(key string) (interface{}, error) {
	v, err := e.lookupDef(key)
	if err != nil {
		return nil, err
	}
	return filepath.Base(resolver.Stringify(v)), nil
}

func (e *Engine) lookupDNS(key string) (interface{}, error) {
	v, err := e.lookupDef(key)
	if err != nil {
		return nil, err
	}
	name := resolver.Stringify(v)
	if e.Resolve == nil {
		return "", nil
	}
	addr, err := e.Resolve(name)
	if err != nil {
		// DNS failure is non-fatal; downstream validation decides.
		return "", nil
	}
	return addr, nil
}

// splitSecretRef splits "path:key" at the last colon so KV paths may contain
// colons of their own.
func splitSecretRef(ref string) (string, string, error) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", errors.E(errors.KindTemplateSyntax, "secret reference %q is not path:key", ref)
	}
	return ref[:idx], ref[idx+1:], nil
}

func (e *Engine) lookupSecret(ref string) (interface{}, error) {
	path, key, err := splitSecretRef(ref)
	if err != nil {
		return nil, err
	}
	if e.Secrets == nil {
		return nil, errors.E(errors.KindSecretUnavailable,
			"secret %s referenced but no credential source is configured", ref)
	}
	return e.Secrets.GetSecret(path, key)
}

func (e *Engine) lookupEnv(name string) (interface{}, error) {
	getenv := e.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv(strings.TrimSpace(name)), nil
}

func (e *Engine) cryptMD5(ref string) (interface{}, error) {
	return e.cryptSecret(ref, crypt.MD5)
}

func (e *Engine) cryptSHA256(ref string) (interface{}, error) {
	return e.cryptSecret(ref, crypt.SHA256)
}

func (e *Engine) cryptSHA512(ref string) (interface{}, error) {
	return e.cryptSecret(ref, crypt.SHA512)
}

// cryptSecret retrieves a secret and hashes it with the requested crypt(3)
// variant using a random salt.
func (e *Engine) cryptSecret(ref string, variant crypt.Crypt) (interface{}, error) {
	secret, err := e.lookupSecret(ref)
	if err != nil {
		return nil, err
	}
	hashed, err := variant.New().Generate([]byte(resolver.Stringify(secret)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to hash secret %s: %w", ref, err)
	}
	return hashed, nil
}

// evalArith implements action 6: integer expressions over defs names and
// literals with + - * /.
func (e *Engine) evalArith(expr string) (interface{}, error) {
	n, err := evalArithExpr(expr, e.Defs)
	if err != nil {
		return nil, errors.WithKind(errors.KindExpression,
			fmt.Errorf("arithmetic expression %q: %w", expr, err))
	}
	return n, nil
}

// evalExpression implements action 11. Inline action-2 markers are expanded
// as a pure textual pre-pass; the expanded source is then parsed and
// evaluated with defs exposed as variables.
func (e *Engine) evalExpression(expr string) (interface{}, error) {
	expanded, err := e.expandInline(expr)
	if err != nil {
		return nil, err
	}
	v, err := EvalExpression(expanded, e.Defs)
	if err != nil {
		return nil, errors.WithKind(errors.KindExpression,
			fmt.Errorf("expression %q (expanded from %q): %w", expanded, expr, err))
	}
	return v, nil
}

// expandInline textually replaces every >>key<< in s; missing keys expand to
// an empty string.
func (e *Engine) expandInline(s string) (string, error) {
	var out strings.Builder
	remaining := s
	for {
		start := strings.Index(remaining, ">>")
		if start < 0 {
			out.WriteString(remaining)
			return out.String(), nil
		}
		end := strings.Index(remaining[start+2:], "<<")
		if end < 0 {
			return "", errors.E(errors.KindTemplateSyntax, "unbalanced >>...<< in %q", s)
		}
		key := strings.TrimSpace(remaining[start+2 : start+2+end])
		out.WriteString(remaining[:start])
		if v, ok := e.Defs[key]; ok {
			out.WriteString(resolver.Stringify(v))
		}
		remaining = remaining[start+2+end+2:]
	}
}
