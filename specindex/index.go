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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/afero"

	"github.com/osimager/osimager/errors"
	"github.com/osimager/osimager/resolver"
)

// Entry is one (dist, version, arch) tuple the spec library can build.
type Entry struct {
	Key      string `json:"key"`
	Dist     string `json:"dist"`
	Version  string `json:"version"`
	Arch     string `json:"arch"`
	SpecPath string `json:"spec_path"`
	ISOLocal bool   `json:"iso_local"`
}

// Index maps build keys ("dist-version-arch") to entries. Keys() returns the
// keys under natural ordering.
type Index struct {
	Entries map[string]Entry `json:"entries"`
	BuiltAt time.Time        `json:"built_at"`
}

// Options configures an index build or load.
type Options struct {
	Fs        afero.Fs
	SpecsDir  string
	CacheFile string
	// ISODirs are searched when deciding whether an entry's ISO is already
	// local.
	ISODirs []string
	// Arches limits entries to architectures any configured platform or
	// location supports. Empty means no filter.
	Arches []string
}

func (o *Options) fs() afero.Fs {
	if o.Fs == nil {
		return afero.NewOsFs()
	}
	return o.Fs
}

// Lookup returns the entry for key.
func (ix *Index) Lookup(key string) (Entry, error) {
	entry, ok := ix.Entries[key]
	if !ok {
		return Entry{}, errors.E(errors.KindSpecNotFound, "spec %q not in index", key)
	}
	return entry, nil
}

// Keys returns all build keys in natural order.
func (ix *Index) Keys() []string {
	keys := make([]string, 0, len(ix.Entries))
	for k := range ix.Entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return NaturalLess(keys[i], keys[j]) })
	return keys
}

// Search fuzzy-matches needle against the build keys, preserving natural
// order of the hits.
func (ix *Index) Search(needle string) []string {
	if needle == "" {
		return ix.Keys()
	}
	hits := fuzzy.Find(needle, ix.Keys())
	return hits
}

// Load returns the cached index when it is current, rebuilding it otherwise.
// A rebuild takes a coarse lock next to the cache file so concurrent
// processes do not clobber each other; readers always get the last committed
// cache.
func Load(opts Options) (*Index, error) {
	fs := opts.fs()

	cached, cacheTime, cacheErr := readCache(fs, opts.CacheFile)
	newest, err := newestSpecTime(fs, opts.SpecsDir)
	if err != nil {
		return nil, err
	}
	if cacheErr == nil && !newest.After(cacheTime) {
		return cached, nil
	}

	unlock, err := acquireLock(fs, opts.CacheFile+".lock")
	if err != nil {
		// Another process is rebuilding; fall back to the stale cache when
		// one exists.
		if cacheErr == nil {
			return cached, nil
		}
		return nil, err
	}
	defer unlock()

	ix, err := Build(opts)
	if err != nil {
		return nil, err
	}
	if opts.CacheFile != "" {
		if err := writeCache(fs, opts.CacheFile, ix); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Build scans the spec tree and constructs a fresh index.
func Build(opts Options) (*Index, error) {
	fs := opts.fs()
	ix := &Index{Entries: map[string]Entry{}, BuiltAt: time.Now().UTC()}

	archFilter := map[string]bool{}
	for _, a := range opts.Arches {
		archFilter[a] = true
	}

	specFiles, err := findSpecFiles(fs, opts.SpecsDir)
	if err != nil {
		return nil, err
	}

	for _, path := range specFiles {
		layer, err := loadSpecLayer(fs, path)
		if err != nil {
			return nil, errors.Wrap("index spec", path, err)
		}
		if layer.Provides == nil || layer.Provides.Dist == "" {
			continue
		}
		p := layer.Provides

		for _, versionExpr := range p.Versions {
			versions, err := ExpandVersions(versionExpr)
			if err != nil {
				return nil, errors.Wrap("expand versions", path, err)
			}
			for _, version := range versions {
				arches, err := archesForVersion(p, version)
				if err != nil {
					return nil, errors.Wrap("narrow arches", path, err)
				}
				for _, arch := range arches {
					if len(archFilter) > 0 && !archFilter[arch] {
						continue
					}
					key := fmt.Sprintf("%s-%s-%s", p.Dist, version, arch)
					ix.Entries[key] = Entry{
						Key:      key,
						Dist:     p.Dist,
						Version:  version,
						Arch:     arch,
						SpecPath: path,
						ISOLocal: isoIsLocal(fs, layer, version, arch, opts.ISODirs),
					}
				}
			}
		}
	}
	return ix, nil
}

// archesForVersion applies per-version arch narrowing from
// provides.version_arches.
func archesForVersion(p *resolver.Provides, version string) ([]string, error) {
	for pattern, arches := range p.VersionArches {
		re, err := regexp.Compile(`(?i)\A(?:` + pattern + `)\z`)
		if err != nil {
			return nil, fmt.Errorf("bad version_arches pattern %q: %w", pattern, err)
		}
		if re.MatchString(version) {
			return arches, nil
		}
	}
	return p.Arches, nil
}

// findSpecFiles collects every spec.json under the specs directory.
func findSpecFiles(fs afero.Fs, dir string) ([]string, error) {
	var files []string
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && info.Name() == "spec.json" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan specs dir %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadSpecLayer(fs afero.Fs, path string) (*resolver.Layer, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.WithKind(errors.KindConfigParse, err)
	}
	return resolver.ParseLayer(raw)
}

// isoIsLocal reports whether any ISO URL referenced by the spec resolves to
// a file already on disk. Version and arch markers inside the URL are
// substituted textually before the basename is checked.
func isoIsLocal(fs afero.Fs, layer *resolver.Layer, version, arch string, isoDirs []string) bool {
	urls := isoURLs(layer)
	if len(urls) == 0 {
		return false
	}
	major := version
	if idx := strings.IndexByte(version, '.'); idx > 0 {
		major = version[:idx]
	}
	replacer := strings.NewReplacer(
		">>version<<", version,
		">>arch<<", arch,
		">>major<<", major,
	)
	for _, raw := range urls {
		url := replacer.Replace(raw)
		base := filepath.Base(strings.TrimPrefix(url, "file://"))
		for _, dir := range isoDirs {
			if ok, _ := afero.Exists(fs, filepath.Join(dir, base)); ok {
				return true
			}
		}
		if strings.HasPrefix(url, "file://") || strings.HasPrefix(url, "/") {
			if ok, _ := afero.Exists(fs, strings.TrimPrefix(url, "file://")); ok {
				return true
			}
		}
	}
	return false
}

func isoURLs(layer *resolver.Layer) []string {
	var urls []string
	for _, key := range []string{"iso_url", "iso_urls"} {
		switch v := layer.Defs[key].(type) {
		case string:
			urls = append(urls, v)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					urls = append(urls, s)
				}
			}
		}
	}
	return urls
}

// newestSpecTime returns the latest mtime among the spec files.
func newestSpecTime(fs afero.Fs, dir string) (time.Time, error) {
	var newest time.Time
	files, err := findSpecFiles(fs, dir)
	if err != nil {
		return newest, err
	}
	for _, path := range files {
		info, err := fs.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, nil
}

func readCache(fs afero.Fs, path string) (*Index, time.Time, error) {
	if path == "" {
		return nil, time.Time{}, os.ErrNotExist
	}
	info, err := fs.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, time.Time{}, err
	}
	ix := &Index{}
	if err := json.Unmarshal(data, ix); err != nil {
		return nil, time.Time{}, err
	}
	return ix, info.ModTime(), nil
}

func writeCache(fs afero.Fs, path string, ix *Index) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write index cache %s: %w", path, err)
	}
	return nil
}

// staleLockAge is how old a lock file must be before it is considered
// abandoned by a dead process.
const staleLockAge = 5 * time.Minute

// acquireLock creates the lock file exclusively, breaking stale locks. The
// returned function releases the lock.
func acquireLock(fs afero.Fs, path string) (func(), error) {
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		f.Close()
		return func() { _ = fs.Remove(path) }, nil
	}

	if info, statErr := fs.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
		_ = fs.Remove(path)
		f, retryErr := fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if retryErr == nil {
			f.Close()
			return func() { _ = fs.Remove(path) }, nil
		}
	}
	return nil, fmt.Errorf("index lock %s is held: %w", path, err)
}
