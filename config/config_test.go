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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	s := Defaults()
	assert.Equal(t, CredentialSourceLocal, s.CredentialSource)
	assert.Equal(t, DefaultConcurrency, s.Concurrency)
	assert.Equal(t, DefaultLogRing, s.LogRingCapacity)
	assert.Equal(t, DefaultKillGrace, s.KillGrace())
	assert.Equal(t, DefaultRetention, s.Retention())
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "packer", s.PackerBinary)
	assert.True(t, strings.HasSuffix(s.UserDir, ".osimager"))
	assert.Equal(t, filepath.Join(s.UserDir, "data"), s.DataDir)
}

func TestLoadFromPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	conf := filepath.Join(dir, "osimager.conf")
	content := `
credential_source = remote
vault_addr = https://vault.example.com:8200
vault_token = s.abcdef
data_dir = /srv/osimager/data
concurrency = 5
kill_grace_seconds = 10
retention_hours = 48
log_level = debug
packer_binary = /opt/hashicorp/bin/packer
`
	require.NoError(t, os.WriteFile(conf, []byte(content), 0o600))

	s, err := LoadFromPath(conf)
	require.NoError(t, err)

	assert.Equal(t, CredentialSourceRemote, s.CredentialSource)
	assert.Equal(t, "https://vault.example.com:8200", s.VaultAddr)
	assert.Equal(t, "/srv/osimager/data", s.DataDir)
	assert.Equal(t, 5, s.Concurrency)
	assert.Equal(t, 10*time.Second, s.KillGrace())
	assert.Equal(t, 48*time.Hour, s.Retention())
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "/opt/hashicorp/bin/packer", s.PackerBinary)
	// Unset values keep their defaults.
	assert.Equal(t, DefaultLogRing, s.LogRingCapacity)
	// FragmentDir follows the overridden data dir.
	assert.Equal(t, filepath.Join("/srv/osimager/data", "files"), s.FragmentDir)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.conf"))
	assert.Error(t, err)
}

func TestNormalizeRejectsNonPositiveValues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	conf := filepath.Join(dir, "osimager.conf")
	require.NoError(t, os.WriteFile(conf, []byte("concurrency = -1\nretention_hours = 0\n"), 0o600))

	s, err := LoadFromPath(conf)
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, s.Concurrency)
	assert.Equal(t, DefaultRetention, s.Retention())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	s := Defaults()
	assert.NoError(t, s.Validate())

	s.CredentialSource = CredentialSourceRemote
	assert.Error(t, s.Validate(), "remote without vault_addr")
	s.VaultAddr = "https://vault.example.com:8200"
	assert.NoError(t, s.Validate())

	s.CredentialSource = "keyring"
	assert.Error(t, s.Validate())
}

func TestDerivedPaths(t *testing.T) {
	t.Parallel()

	s := &Settings{DataDir: "/data", UserDir: "/home/u/.osimager"}
	assert.Equal(t, "/data/platforms", s.PlatformsDir())
	assert.Equal(t, "/data/specs", s.SpecsDir())
	assert.Equal(t, "/home/u/.osimager/locations", s.LocationsDir())
	assert.Equal(t, "/home/u/.osimager/secrets", s.SecretsFile())
	assert.Equal(t, "/home/u/.osimager/specs/index.json", s.IndexCacheFile())
	assert.Equal(t, []string{"/data/isos", "/home/u/.osimager/isos"}, s.ISODirs())
}

func TestEnsureUserDirs(t *testing.T) {
	t.Parallel()

	s := Defaults()
	s.UserDir = filepath.Join(t.TempDir(), ".osimager")
	require.NoError(t, s.EnsureUserDirs())

	for _, dir := range []string{s.UserDir, s.LocationsDir(), filepath.Join(s.UserDir, "specs")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestNewWorkspace(t *testing.T) {
	t.Parallel()

	s := Defaults()
	s.TempRoot = t.TempDir()

	ws, err := s.NewWorkspace("rhel-9.5-x86_64")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(ws), "osimager-rhel-9.5-x86_64-"))

	info, err := os.Stat(ws)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	ws2, err := s.NewWorkspace("rhel-9.5-x86_64")
	require.NoError(t, err)
	assert.NotEqual(t, ws, ws2)
}
