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

package assembly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osimager/osimager/errors"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	target, err := ParseTarget("vmware/lab/rhel-9.5-x86_64")
	require.NoError(t, err)
	assert.Equal(t, "vmware", target.Platform)
	assert.Equal(t, "lab", target.Location)
	assert.Equal(t, "rhel-9.5-x86_64", target.SpecKey)
	assert.Equal(t, "vmware/lab/rhel-9.5-x86_64", target.String())
}

func TestParseTargetErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "vmware", "vmware/lab", "vmware//rhel", "a/b/c/d"} {
		_, err := ParseTarget(in)
		require.Error(t, err, "input %q", in)
		assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
	}
}

func TestCidrDefs(t *testing.T) {
	t.Parallel()

	defs, err := cidrDefs("10.20.30.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.20.30.0", defs["subnet"])
	assert.Equal(t, 24, defs["prefix"])
	assert.Equal(t, "255.255.255.0", defs["netmask"])
	assert.Equal(t, "10.20.30.1", defs["gateway"])

	defs, err = cidrDefs("192.168.0.64/26")
	require.NoError(t, err)
	assert.Equal(t, "192.168.0.64", defs["subnet"])
	assert.Equal(t, 26, defs["prefix"])
	assert.Equal(t, "255.255.255.192", defs["netmask"])
	assert.Equal(t, "192.168.0.65", defs["gateway"])
}

func TestCidrDefsErrors(t *testing.T) {
	t.Parallel()

	_, err := cidrDefs("not-a-cidr")
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))

	_, err = cidrDefs("fd00::/64")
	require.Error(t, err)
	assert.Equal(t, errors.KindConfigParse, errors.KindOf(err))
}

func TestExpandNumbered(t *testing.T) {
	t.Parallel()

	defs := map[string]interface{}{
		"dns": []interface{}{"10.0.0.1", "10.0.0.2"},
		"ntp": "pool1.example.com, pool2.example.com",
	}
	expandNumbered(defs, "dns")
	expandNumbered(defs, "ntp")
	expandNumbered(defs, "absent")

	assert.Equal(t, "10.0.0.1", defs["dns1"])
	assert.Equal(t, "10.0.0.2", defs["dns2"])
	assert.Equal(t, "pool1.example.com", defs["ntp1"])
	assert.Equal(t, "pool2.example.com", defs["ntp2"])
	_, ok := defs["absent1"]
	assert.False(t, ok)
}

func TestServerList(t *testing.T) {
	t.Parallel()

	defs := map[string]interface{}{
		"list":   []interface{}{"a", "b"},
		"single": "only",
		"empty":  "",
	}
	assert.Equal(t, []string{"a", "b"}, serverList(defs, "list"))
	assert.Equal(t, []string{"only"}, serverList(defs, "single"))
	assert.Nil(t, serverList(defs, "empty"))
	assert.Nil(t, serverList(defs, "missing"))
}

func TestSplitVersion(t *testing.T) {
	t.Parallel()

	major, minor := splitVersion("9.5")
	assert.Equal(t, "9", major)
	assert.Equal(t, "5", minor)

	major, minor = splitVersion("12.04.1")
	assert.Equal(t, "12", major)
	assert.Equal(t, "04.1", minor)

	major, minor = splitVersion("40")
	assert.Equal(t, "40", major)
	assert.Equal(t, "", minor)
}
