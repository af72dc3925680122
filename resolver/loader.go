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

package resolver

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/osimager/osimager/errors"
)

// Where values select the directory a logical layer name resolves in.
const (
	WherePlatforms = "platforms"
	WhereLocations = "locations"
	WhereSpecs     = "specs"
)

// Loader resolves logical layer names to files and merges them, includes
// first, into an accumulator. A Loader is created per resolution; the
// active include chain is tracked so a file revisiting itself is rejected
// as a cycle, while diamond includes (two layers sharing a base) are fine.
type Loader struct {
	// PlatformsDir and LocationsDir root the platform and location lookups.
	PlatformsDir string
	LocationsDir string

	// SpecPath maps a spec name to its file path, normally via the spec
	// index.
	SpecPath func(name string) (string, error)

	visited map[string]bool
}

// NewLoader returns a loader over the given directories.
func NewLoader(platformsDir, locationsDir string, specPath func(string) (string, error)) *Loader {
	return &Loader{
		PlatformsDir: platformsDir,
		LocationsDir: locationsDir,
		SpecPath:     specPath,
		visited:      map[string]bool{},
	}
}

// resolvePath maps (where, name) to a file on disk. Platforms and locations
// prefer .json with a .toml fallback; specs come from the index.
func (l *Loader) resolvePath(where, name string) (string, error) {
	var dir string
	switch where {
	case WherePlatforms:
		dir = l.PlatformsDir
	case WhereLocations:
		dir = l.LocationsDir
	case WhereSpecs:
		if l.SpecPath == nil {
			return "", errors.E(errors.KindConfigParse, "no spec path resolver configured")
		}
		return l.SpecPath(name)
	default:
		return "", errors.E(errors.KindConfigParse, "unknown layer kind %q", where)
	}

	for _, ext := range []string{".json", ".toml"} {
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", errors.E(errors.KindConfigParse, "no %s layer named %q under %s", where, name, dir)
}

// Apply loads the named layer (resolving its include chain first) and merges
// it into acc. It returns the named layer itself so callers can inspect its
// metadata sections (provides, platforms, required_files).
func (l *Loader) Apply(acc *Accumulator, where, name string) (*Layer, error) {
	path, err := l.resolvePath(where, name)
	if err != nil {
		return nil, err
	}
	return l.applyFile(acc, where, path)
}

func (l *Loader) applyFile(acc *Accumulator, where, path string) (*Layer, error) {
	canonical, err := filepath.Abs(path)
	if err != nil {
		canonical = path
	}
	if l.visited[canonical] {
		return nil, errors.E(errors.KindIncludeCycle, "include chain revisits %s", canonical)
	}
	l.visited[canonical] = true
	defer delete(l.visited, canonical)

	layer, err := LoadLayerFile(path)
	if err != nil {
		return nil, err
	}

	// Includes are applied, in listed order, before the including layer.
	for _, inc := range layer.Include {
		if _, err := l.Apply(acc, where, inc); err != nil {
			return nil, fmt.Errorf("include %q from %s: %w", inc, path, err)
		}
	}

	if err := l.applyLayer(acc, where, layer); err != nil {
		return nil, errors.Wrap("apply layer", path, err)
	}
	return layer, nil
}

// applyLayer merges one layer and then runs its specific-section arrays.
// Specific-override bodies re-enter this function, so nesting works to any
// depth.
func (l *Loader) applyLayer(acc *Accumulator, where string, layer *Layer) error {
	acc.MergeLayer(layer)
	return l.processSpecific(acc, where, layer)
}
