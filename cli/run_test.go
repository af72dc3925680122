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

package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osimager/osimager/errors"
)

func TestParseKeyValues(t *testing.T) {
	t.Parallel()

	into := map[string]string{}
	err := parseKeyValues([]string{"memory=8192", "domain=lab.example.com", "empty="}, into)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"memory": "8192",
		"domain": "lab.example.com",
		"empty":  "",
	}, into)
}

func TestParseKeyValuesLastWins(t *testing.T) {
	t.Parallel()

	into := map[string]string{}
	require.NoError(t, parseKeyValues([]string{"memory=2048", "memory=8192"}, into))
	assert.Equal(t, "8192", into["memory"])
}

func TestParseKeyValuesErrors(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"noequals", "=value", ""} {
		bad := bad
		t.Run(bad, func(t *testing.T) {
			t.Parallel()
			err := parseKeyValues([]string{bad}, map[string]string{})
			require.Error(t, err)
			assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
		})
	}
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	flags := &buildFlags{
		defines:   []string{"memory=8192"},
		sets:      []string{"instance=web01"},
		localOnly: true,
		keep:      true,
		dry:       true,
		timestamp: true,
		onError:   "abort",
		timeout:   "90m",
		priority:  7,
	}

	req, err := buildRequest([]string{"vmware/lab/rhel-9.5-x86_64", "web01", "10.20.30.40"}, flags, false)
	require.NoError(t, err)

	assert.Equal(t, "vmware", req.Assembly.Target.Platform)
	assert.Equal(t, "lab", req.Assembly.Target.Location)
	assert.Equal(t, "rhel-9.5-x86_64", req.Assembly.Target.SpecKey)
	assert.Equal(t, "web01", req.Assembly.Name)
	assert.Equal(t, "10.20.30.40", req.Assembly.IP)
	assert.Equal(t, map[string]string{"memory": "8192"}, req.Assembly.Defines)
	assert.Equal(t, map[string]string{"instance": "web01"}, req.Assembly.Variables)
	assert.True(t, req.Assembly.LocalOnly)
	assert.False(t, req.Assembly.ReProvision)

	assert.Equal(t, 7, req.Priority)
	assert.True(t, req.Keep)
	assert.True(t, req.DryRun)
	assert.True(t, req.TimestampUI)
	assert.Equal(t, "abort", req.OnError)
	assert.Equal(t, 90*time.Minute, req.Timeout)
}

func TestBuildRequestReProvision(t *testing.T) {
	t.Parallel()

	req, err := buildRequest([]string{"vmware/lab/rhel-9.5-x86_64"}, &buildFlags{}, true)
	require.NoError(t, err)
	assert.True(t, req.Assembly.ReProvision)
	assert.Empty(t, req.Assembly.Name)
	assert.Zero(t, req.Timeout)
}

func TestBuildRequestBadTarget(t *testing.T) {
	t.Parallel()

	_, err := buildRequest([]string{"not-a-target"}, &buildFlags{}, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
}

func TestBuildRequestBadTimeout(t *testing.T) {
	t.Parallel()

	_, err := buildRequest([]string{"vmware/lab/rhel-9.5-x86_64"}, &buildFlags{timeout: "ninety"}, false)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.E(errors.KindSpecNotFound, "x")))
	assert.Equal(t, 2, ExitCode(errors.E(errors.KindMissingRequiredFile, "x")))
	assert.Equal(t, 5, ExitCode(errors.E(errors.KindCancelled, "x")))
}
