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

package creds

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/osimager/osimager/errors"
)

// LocalProvider reads secrets from a user-owned file with one record per
// line:
//
//	path k1=v1 k2=v2 ...
//
// Blank lines and # comments are allowed. Keys are unique per path; when a
// path appears twice, the last definition wins.
type LocalProvider struct {
	path    string
	secrets map[string]map[string]string
}

// NewLocalProvider loads the secrets file once. A missing file yields a
// provider with no paths; every lookup then fails as unavailable.
func NewLocalProvider(path string) (*LocalProvider, error) {
	p := &LocalProvider{path: path, secrets: map[string]map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, errors.WithKind(errors.KindSourceUnavailable,
			fmt.Errorf("failed to read secrets file %s: %w", path, err))
	}

	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, errors.E(errors.KindConfigParse,
				"secrets file %s line %d: expected 'path k=v ...'", path, lineNo+1)
		}
		record := map[string]string{}
		for _, kv := range fields[1:] {
			eq := strings.Index(kv, "=")
			if eq <= 0 {
				return nil, errors.E(errors.KindConfigParse,
					"secrets file %s line %d: %q is not k=v", path, lineNo+1, kv)
			}
			record[kv[:eq]] = kv[eq+1:]
		}
		p.secrets[fields[0]] = record
	}
	return p, nil
}

// GetSecret looks up one value from the loaded file.
func (p *LocalProvider) GetSecret(path, key string) (string, error) {
	record, ok := p.secrets[path]
	if !ok {
		return "", errors.E(errors.KindSecretUnavailable,
			"secret path %q is not declared in %s", path, p.path)
	}
	value, ok := record[key]
	if !ok {
		return "", errors.E(errors.KindSecretUnavailable,
			"secret path %q has no key %q", path, key)
	}
	return value, nil
}

// ResolveEmbeddedRefs substitutes {{vault ...}} references from the local
// file, used when the remote source is not active.
func (p *LocalProvider) ResolveEmbeddedRefs(doc interface{}) (interface{}, error) {
	return resolveRefs(doc, p.GetSecret)
}

// WriteSecretsFile serializes records back to the secrets file, enforcing
// owner-only permissions. Paths are written in sorted order.
func WriteSecretsFile(path string, secrets map[string]map[string]string) error {
	paths := make([]string, 0, len(secrets))
	for p := range secrets {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		keys := make([]string, 0, len(secrets[p]))
		for k := range secrets[p] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(p)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, secrets[p][k])
		}
		b.WriteString("\n")
	}

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file %s: %w", path, err)
	}
	// Re-chmod in case the file pre-existed with looser permissions.
	return os.Chmod(path, 0o600)
}
