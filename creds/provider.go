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

// Package creds supplies build secrets from either a remote Vault KV store
// or a local line-oriented secrets file. Provider state is read-only after
// initialization; secret values are never cached beyond what a single build
// needs.
package creds

import (
	"regexp"
)

// Provider is the credential source contract used by the template engine and
// the build assembly.
type Provider interface {
	// GetSecret retrieves one value. A path that has never been declared
	// is a SecretUnavailable error; there is no silent empty substitution.
	GetSecret(path, key string) (string, error)

	// ResolveEmbeddedRefs replaces {{vault `path` `key`}} references inside
	// a document tree with actual values. Used when the remote source is
	// not active so the downstream tool never sees vault functions it
	// cannot serve.
	ResolveEmbeddedRefs(doc interface{}) (interface{}, error)
}

// vaultRefPattern matches the downstream tool's vault function syntax:
// {{vault `secret/path` `key`}}.
var vaultRefPattern = regexp.MustCompile("\\{\\{\\s*vault\\s+`([^`]+)`\\s+`([^`]+)`\\s*\\}\\}")

// resolveRefs walks doc, substituting embedded vault references through fn.
func resolveRefs(doc interface{}, fn func(path, key string) (string, error)) (interface{}, error) {
	switch t := doc.(type) {
	case string:
		var firstErr error
		out := vaultRefPattern.ReplaceAllStringFunc(t, func(match string) string {
			groups := vaultRefPattern.FindStringSubmatch(match)
			value, err := fn(groups[1], groups[2])
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return match
			}
			return value
		})
		if firstErr != nil {
			return nil, firstErr
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			nv, err := resolveRefs(v, fn)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			nv, err := resolveRefs(v, fn)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return doc, nil
	}
}

// HasEmbeddedRefs reports whether the document tree contains any vault
// references, which lets the assembly skip provider initialization when no
// secrets are needed.
func HasEmbeddedRefs(doc interface{}) bool {
	switch t := doc.(type) {
	case string:
		return vaultRefPattern.MatchString(t)
	case map[string]interface{}:
		for _, v := range t {
			if HasEmbeddedRefs(v) {
				return true
			}
		}
	case []interface{}:
		for _, v := range t {
			if HasEmbeddedRefs(v) {
				return true
			}
		}
	}
	return false
}
