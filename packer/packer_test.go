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

package packer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			"defaults",
			Options{},
			[]string{"build", "doc.json"},
		},
		{
			"all flags",
			Options{TimestampUI: true, OnError: "abort", Force: true, Debug: true},
			[]string{"build", "-timestamp-ui", "-on-error=abort", "-force", "-debug", "doc.json"},
		},
		{
			"on-error only",
			Options{OnError: "cleanup"},
			[]string{"build", "-on-error=cleanup", "doc.json"},
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, Args(tc.opts, "doc.json"))
		})
	}
}

func TestWriteDocument(t *testing.T) {
	t.Parallel()

	ws := t.TempDir()
	doc := map[string]interface{}{
		"variables": map[string]interface{}{"instance": "web01"},
		"builders":  []interface{}{map[string]interface{}{"type": "null"}},
	}

	path, err := WriteDocument(ws, "web01", doc)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "web01.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	round := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Equal(t, doc, round)
}

func TestCommandPipesAndEnv(t *testing.T) {
	t.Parallel()

	cmd, stdout, stderr, err := Command(Options{
		Binary:     "/bin/true",
		WorkingDir: t.TempDir(),
		Env:        map[string]string{"VAULT_ADDR": "https://vault.example.com:8200"},
	}, "doc.json")
	require.NoError(t, err)
	defer stdout.Close()
	defer stderr.Close()

	assert.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	assert.Contains(t, cmd.Env, "VAULT_ADDR=https://vault.example.com:8200")
	assert.Equal(t, []string{"/bin/true", "build", "doc.json"}, cmd.Args)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ExitCode(nil))

	cmd, stdout, stderr, err := Command(Options{Binary: "/bin/false"}, "ignored")
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	stdout.Close()
	stderr.Close()
	waitErr := cmd.Wait()
	require.Error(t, waitErr)
	assert.Equal(t, 1, ExitCode(waitErr))
}

func TestSignalGroupNilProcess(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Terminate(nil))
	assert.NoError(t, Kill(nil))
}

func TestMergedEnvSortedAppend(t *testing.T) {
	t.Parallel()

	env := mergedEnv(map[string]string{"B_KEY": "2", "A_KEY": "1"})
	base := len(os.Environ())
	require.Len(t, env, base+2)
	assert.Equal(t, "A_KEY=1", env[base])
	assert.Equal(t, "B_KEY=2", env[base+1])
}
