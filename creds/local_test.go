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
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osimager/osimager/errors"
)

func writeSecrets(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secrets")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLocalProviderGetSecret(t *testing.T) {
	t.Parallel()

	path := writeSecrets(t, `
# infrastructure passwords
secret/infra root=hunter2 admin=letmein

secret/ipmi password=changeme
`)
	p, err := NewLocalProvider(path)
	require.NoError(t, err)

	v, err := p.GetSecret("secret/infra", "root")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	v, err = p.GetSecret("secret/ipmi", "password")
	require.NoError(t, err)
	assert.Equal(t, "changeme", v)
}

func TestLocalProviderLastDefinitionWins(t *testing.T) {
	t.Parallel()

	path := writeSecrets(t, "secret/x a=1\nsecret/x a=2 b=3\n")
	p, err := NewLocalProvider(path)
	require.NoError(t, err)

	v, err := p.GetSecret("secret/x", "a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestLocalProviderMissingPathAndKey(t *testing.T) {
	t.Parallel()

	path := writeSecrets(t, "secret/x a=1\n")
	p, err := NewLocalProvider(path)
	require.NoError(t, err)

	_, err = p.GetSecret("secret/unknown", "a")
	require.Error(t, err)
	assert.Equal(t, errors.KindSecretUnavailable, errors.KindOf(err))

	_, err = p.GetSecret("secret/x", "missing")
	require.Error(t, err)
	assert.Equal(t, errors.KindSecretUnavailable, errors.KindOf(err))
}

func TestLocalProviderMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	p, err := NewLocalProvider(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	_, err = p.GetSecret("any", "key")
	require.Error(t, err)
	assert.Equal(t, errors.KindSecretUnavailable, errors.KindOf(err))
}

func TestLocalProviderParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"path without values", "secret/x\n"},
		{"value without equals", "secret/x notakv\n"},
		{"empty key", "secret/x =v\n"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := writeSecrets(t, tc.content)
			_, err := NewLocalProvider(path)
			require.Error(t, err)
			assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
		})
	}
}

func TestResolveEmbeddedRefs(t *testing.T) {
	t.Parallel()

	path := writeSecrets(t, "secret/infra root=hunter2\n")
	p, err := NewLocalProvider(path)
	require.NoError(t, err)

	doc := map[string]interface{}{
		"builders": []interface{}{
			map[string]interface{}{
				"ssh_password": "{{vault `secret/infra` `root`}}",
				"ssh_username": "root",
			},
		},
	}
	out, err := p.ResolveEmbeddedRefs(doc)
	require.NoError(t, err)

	builder := out.(map[string]interface{})["builders"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "hunter2", builder["ssh_password"])
	assert.Equal(t, "root", builder["ssh_username"])
}

func TestResolveEmbeddedRefsMissingSecret(t *testing.T) {
	t.Parallel()

	p, err := NewLocalProvider(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)

	_, err = p.ResolveEmbeddedRefs("pw={{vault `secret/x` `k`}}")
	require.Error(t, err)
	assert.Equal(t, errors.KindSecretUnavailable, errors.KindOf(err))
}

func TestHasEmbeddedRefs(t *testing.T) {
	t.Parallel()

	assert.True(t, HasEmbeddedRefs("{{vault `a` `b`}}"))
	assert.True(t, HasEmbeddedRefs(map[string]interface{}{
		"nested": []interface{}{"x", "{{ vault `a` `b` }}"},
	}))
	assert.False(t, HasEmbeddedRefs("no refs here"))
	assert.False(t, HasEmbeddedRefs(map[string]interface{}{"n": float64(1)}))
}

func TestWriteSecretsFilePermissions(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}

	path := filepath.Join(t.TempDir(), "secrets")
	err := WriteSecretsFile(path, map[string]map[string]string{
		"secret/b": {"k": "v"},
		"secret/a": {"z": "1", "a": "2"},
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret/a a=2 z=1\nsecret/b k=v\n", string(data))

	p, err := NewLocalProvider(path)
	require.NoError(t, err)
	v, err := p.GetSecret("secret/a", "z")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}
