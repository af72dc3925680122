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

package specindex

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osimager/osimager/errors"
)

const rhelSpec = `{
	"defs": {
		"iso_url": "https://mirror.example.com/isos/rhel->>version<<->>arch<<.iso"
	},
	"provides": {
		"dist": "rhel",
		"versions": ["9.[4-5]"],
		"arches": ["x86_64", "aarch64"],
		"version_arches": {"9\\.5": ["x86_64"]}
	}
}`

func newSpecFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/specs/rhel/spec.json", []byte(rhelSpec), 0o644))
	return fs
}

func TestBuildExpandsAndNarrows(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)
	ix, err := Build(Options{Fs: fs, SpecsDir: "/specs"})
	require.NoError(t, err)

	keys := ix.Keys()
	assert.Equal(t, []string{
		"rhel-9.4-aarch64",
		"rhel-9.4-x86_64",
		"rhel-9.5-x86_64",
	}, keys)

	entry, err := ix.Lookup("rhel-9.4-x86_64")
	require.NoError(t, err)
	assert.Equal(t, "rhel", entry.Dist)
	assert.Equal(t, "9.4", entry.Version)
	assert.Equal(t, "x86_64", entry.Arch)
	assert.Equal(t, "/specs/rhel/spec.json", entry.SpecPath)
}

func TestBuildArchFilter(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)
	ix, err := Build(Options{Fs: fs, SpecsDir: "/specs", Arches: []string{"x86_64"}})
	require.NoError(t, err)

	assert.Equal(t, []string{"rhel-9.4-x86_64", "rhel-9.5-x86_64"}, ix.Keys())
}

func TestBuildMarksLocalISOs(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)
	require.NoError(t, afero.WriteFile(fs, "/isos/rhel-9.4-x86_64.iso", []byte("iso"), 0o644))

	ix, err := Build(Options{Fs: fs, SpecsDir: "/specs", ISODirs: []string{"/isos"}})
	require.NoError(t, err)

	local, err := ix.Lookup("rhel-9.4-x86_64")
	require.NoError(t, err)
	assert.True(t, local.ISOLocal)

	remote, err := ix.Lookup("rhel-9.5-x86_64")
	require.NoError(t, err)
	assert.False(t, remote.ISOLocal)
}

func TestLookupUnknownKey(t *testing.T) {
	t.Parallel()

	ix := &Index{Entries: map[string]Entry{}}
	_, err := ix.Lookup("debian-12-x86_64")
	require.Error(t, err)
	assert.Equal(t, errors.KindSpecNotFound, errors.KindOf(err))
}

func TestSearchFuzzy(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)
	ix, err := Build(Options{Fs: fs, SpecsDir: "/specs"})
	require.NoError(t, err)

	assert.Equal(t, ix.Keys(), ix.Search(""))
	hits := ix.Search("9.5")
	require.Len(t, hits, 1)
	assert.Equal(t, "rhel-9.5-x86_64", hits[0])
}

func TestLoadUsesFreshCache(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)

	// A doctored cache file newer than every spec must be returned verbatim.
	doctored := &Index{Entries: map[string]Entry{
		"cached-1.0-x86_64": {Key: "cached-1.0-x86_64", Dist: "cached"},
	}}
	data, err := json.Marshal(doctored)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/cache/index.json", data, 0o644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, fs.Chtimes("/specs/rhel/spec.json", past, past))

	ix, err := Load(Options{Fs: fs, SpecsDir: "/specs", CacheFile: "/cache/index.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cached-1.0-x86_64"}, ix.Keys())
}

func TestLoadRebuildsStaleCache(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)

	stale := &Index{Entries: map[string]Entry{}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/cache/index.json", data, 0o644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, fs.Chtimes("/cache/index.json", past, past))

	ix, err := Load(Options{Fs: fs, SpecsDir: "/specs", CacheFile: "/cache/index.json"})
	require.NoError(t, err)
	assert.Len(t, ix.Entries, 3)

	// The rebuild must have committed a fresh cache.
	cached, _, err := readCache(fs, "/cache/index.json")
	require.NoError(t, err)
	assert.Len(t, cached.Entries, 3)
}

func TestLoadHeldLockFallsBackToCache(t *testing.T) {
	t.Parallel()

	fs := newSpecFs(t)

	stale := &Index{Entries: map[string]Entry{
		"old-1.0-x86_64": {Key: "old-1.0-x86_64"},
	}}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/cache/index.json", data, 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, fs.Chtimes("/cache/index.json", past, past))

	// Someone else is rebuilding.
	require.NoError(t, afero.WriteFile(fs, "/cache/index.json.lock", nil, 0o644))

	ix, err := Load(Options{Fs: fs, SpecsDir: "/specs", CacheFile: "/cache/index.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-1.0-x86_64"}, ix.Keys())
}

func TestAcquireLock(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()

	unlock, err := acquireLock(fs, "/cache/index.json.lock")
	require.NoError(t, err)

	_, err = acquireLock(fs, "/cache/index.json.lock")
	assert.Error(t, err, "second acquire while held must fail")

	unlock()
	unlock2, err := acquireLock(fs, "/cache/index.json.lock")
	require.NoError(t, err)
	unlock2()
}

func TestAcquireLockBreaksStaleLock(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/lock", nil, 0o644))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, fs.Chtimes("/lock", old, old))

	unlock, err := acquireLock(fs, "/lock")
	require.NoError(t, err)
	unlock()
}
