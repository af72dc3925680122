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

// Package resolver loads platform, location, and spec configuration layers,
// resolves include chains, and deep-merges them into an accumulator that the
// build pipeline consumes. Conditional overrides (the *_specific arrays) are
// applied recursively as part of every merge.
package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/osimager/osimager/errors"
)

// Method values for a layer.
const (
	MethodMerge   = "merge"
	MethodReplace = "replace"
)

// SpecificTypes is the fixed processing order for conditional override
// arrays. The array key in a layer file is "<type>_specific" and the match
// pattern inside each entry sits under the type name itself.
var SpecificTypes = []string{"platform", "location", "dist", "version", "arch", "firmware"}

// layerKeys is the set of recognized top-level keys; anything else is a
// configuration error.
var layerKeys = map[string]bool{
	"include": true, "method": true,
	"defs": true, "config": true, "variables": true, "evars": true,
	"files":             true,
	"pre_provisioners":  true,
	"provisioners":      true,
	"post_provisioners": true,
	"platforms":         true, "locations": true, "arches": true,
	"flavor": true, "venv": true,
	"provides":       true,
	"required_files": true,
	"platform_specific": true, "location_specific": true,
	"dist_specific": true, "version_specific": true,
	"arch_specific": true, "firmware_specific": true,
}

// FileSet describes one generated installer file: fragment sources relative
// to the fragment root and a destination relative to the build workspace.
type FileSet struct {
	Sources []string `json:"sources"`
	Dest    string   `json:"dest"`
}

// Provides declares the (dist, versions, arches) tuples a spec covers.
// Version strings may use the bracket range and list syntax expanded by the
// spec index.
type Provides struct {
	Dist     string   `json:"dist"`
	Versions []string `json:"versions"`
	Arches   []string `json:"arches"`

	// VersionArches optionally narrows the arch set for versions matching
	// a pattern (anchored, case-insensitive).
	VersionArches map[string][]string `json:"version_arches,omitempty"`
}

// RequiredFile is a file a spec needs on disk before a build can start.
type RequiredFile struct {
	File        string `json:"file"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Location    string `json:"location"`
}

// Layer is one loaded configuration file's contribution to the accumulator.
type Layer struct {
	Path   string
	Method string

	Include []string

	Defs      map[string]interface{}
	Config    map[string]interface{}
	Variables map[string]string
	Evars     map[string]string

	Files            []FileSet
	PreProvisioners  []map[string]interface{}
	Provisioners     []map[string]interface{}
	PostProvisioners []map[string]interface{}

	Platforms []string
	Locations []string
	Arches    []string
	Flavor    string
	Venv      string

	Provides      *Provides
	RequiredFiles []RequiredFile

	// Specific holds the raw *_specific arrays keyed by type
	// ("platform", "version", ...). Entries keep their pattern key so the
	// processor can match and strip it.
	Specific map[string][]map[string]interface{}
}

// LoadLayerFile reads and parses a layer from a .json or .toml file.
func LoadLayerFile(path string) (*Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithKind(errors.KindConfigParse,
			fmt.Errorf("failed to read layer %s: %w", path, err))
	}

	raw := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, errors.WithKind(errors.KindConfigParse,
				fmt.Errorf("failed to parse TOML layer %s: %w", path, err))
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, errors.WithKind(errors.KindConfigParse,
				fmt.Errorf("failed to parse JSON layer %s: %w", path, err))
		}
	}

	layer, err := ParseLayer(raw)
	if err != nil {
		return nil, errors.Wrap("parse layer", path, err)
	}
	layer.Path = path
	return layer, nil
}

// ParseLayer converts a decoded document into a Layer, rejecting unknown
// top-level keys. Specific-override bodies reuse this for their own content.
func ParseLayer(raw map[string]interface{}) (*Layer, error) {
	layer := &Layer{
		Method:   MethodMerge,
		Specific: map[string][]map[string]interface{}{},
	}

	for key := range raw {
		if !layerKeys[key] {
			return nil, errors.E(errors.KindConfigParse, "unknown top-level key %q", key)
		}
	}

	var err error
	if v, ok := raw["include"]; ok {
		if layer.Include, err = toStringList(v); err != nil {
			return nil, fmt.Errorf("include: %w", err)
		}
	}
	if v, ok := raw["method"]; ok {
		m, ok := v.(string)
		if !ok || (m != MethodMerge && m != MethodReplace) {
			return nil, errors.E(errors.KindConfigParse, "method must be %q or %q", MethodMerge, MethodReplace)
		}
		layer.Method = m
	}

	if layer.Defs, err = toStringMap(raw["defs"]); err != nil {
		return nil, fmt.Errorf("defs: %w", err)
	}
	if layer.Config, err = toStringMap(raw["config"]); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if layer.Variables, err = toStringStringMap(raw["variables"]); err != nil {
		return nil, fmt.Errorf("variables: %w", err)
	}
	if layer.Evars, err = toStringStringMap(raw["evars"]); err != nil {
		return nil, fmt.Errorf("evars: %w", err)
	}

	if v, ok := raw["files"]; ok {
		if layer.Files, err = toFileSets(v); err != nil {
			return nil, fmt.Errorf("files: %w", err)
		}
	}
	for key, dst := range map[string]*[]map[string]interface{}{
		"pre_provisioners":  &layer.PreProvisioners,
		"provisioners":      &layer.Provisioners,
		"post_provisioners": &layer.PostProvisioners,
	} {
		if v, ok := raw[key]; ok {
			if *dst, err = toMapList(v); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}

	for key, dst := range map[string]*[]string{
		"platforms": &layer.Platforms,
		"locations": &layer.Locations,
		"arches":    &layer.Arches,
	} {
		if v, ok := raw[key]; ok {
			if *dst, err = toStringList(v); err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	if v, ok := raw["flavor"].(string); ok {
		layer.Flavor = v
	}
	if v, ok := raw["venv"].(string); ok {
		layer.Venv = v
	}

	if v, ok := raw["provides"]; ok {
		if layer.Provides, err = toProvides(v); err != nil {
			return nil, fmt.Errorf("provides: %w", err)
		}
	}
	if v, ok := raw["required_files"]; ok {
		if layer.RequiredFiles, err = toRequiredFiles(v); err != nil {
			return nil, fmt.Errorf("required_files: %w", err)
		}
	}

	for _, typ := range SpecificTypes {
		key := typ + "_specific"
		v, ok := raw[key]
		if !ok {
			continue
		}
		entries, err := toMapList(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		layer.Specific[typ] = entries
	}

	return layer, nil
}

// IsEmpty reports whether the layer contributes nothing to the accumulator.
func (l *Layer) IsEmpty() bool {
	return len(l.Defs) == 0 && len(l.Config) == 0 &&
		len(l.Variables) == 0 && len(l.Evars) == 0 &&
		len(l.Files) == 0 &&
		len(l.PreProvisioners) == 0 && len(l.Provisioners) == 0 && len(l.PostProvisioners) == 0 &&
		len(l.Specific) == 0
}

func toStringList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, errors.E(errors.KindConfigParse, "expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	case []string:
		return t, nil
	default:
		return nil, errors.E(errors.KindConfigParse, "expected string or list of strings, got %T", v)
	}
}

func toStringMap(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.E(errors.KindConfigParse, "expected mapping, got %T", v)
	}
	return m, nil
}

func toStringStringMap(v interface{}) (map[string]string, error) {
	out := map[string]string{}
	if v == nil {
		return out, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.E(errors.KindConfigParse, "expected mapping, got %T", v)
	}
	for k, item := range m {
		out[k] = Stringify(item)
	}
	return out, nil
}

func toMapList(v interface{}) ([]map[string]interface{}, error) {
	list, ok := v.([]interface{})
	if !ok {
		return nil, errors.E(errors.KindConfigParse, "expected list, got %T", v)
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.E(errors.KindConfigParse, "expected mapping entry, got %T", item)
		}
		out = append(out, m)
	}
	return out, nil
}

func toFileSets(v interface{}) ([]FileSet, error) {
	entries, err := toMapList(v)
	if err != nil {
		return nil, err
	}
	out := make([]FileSet, 0, len(entries))
	for _, entry := range entries {
		fs := FileSet{}
		if fs.Sources, err = toStringList(entry["sources"]); err != nil {
			return nil, err
		}
		if dest, ok := entry["dest"].(string); ok {
			fs.Dest = dest
		}
		if fs.Dest == "" {
			return nil, errors.E(errors.KindConfigParse, "files entry missing dest")
		}
		out = append(out, fs)
	}
	return out, nil
}

func toProvides(v interface{}) (*Provides, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.E(errors.KindConfigParse, "expected mapping, got %T", v)
	}
	p := &Provides{}
	if dist, ok := m["dist"].(string); ok {
		p.Dist = dist
	}
	var err error
	if p.Versions, err = toStringList(m["versions"]); err != nil {
		return nil, fmt.Errorf("versions: %w", err)
	}
	if p.Arches, err = toStringList(m["arches"]); err != nil {
		return nil, fmt.Errorf("arches: %w", err)
	}
	if va, ok := m["version_arches"].(map[string]interface{}); ok {
		p.VersionArches = map[string][]string{}
		for pattern, arches := range va {
			list, err := toStringList(arches)
			if err != nil {
				return nil, fmt.Errorf("version_arches[%s]: %w", pattern, err)
			}
			p.VersionArches[pattern] = list
		}
	}
	return p, nil
}

func toRequiredFiles(v interface{}) ([]RequiredFile, error) {
	entries, err := toMapList(v)
	if err != nil {
		return nil, err
	}
	out := make([]RequiredFile, 0, len(entries))
	for _, entry := range entries {
		rf := RequiredFile{}
		if s, ok := entry["file"].(string); ok {
			rf.File = s
		}
		if s, ok := entry["description"].(string); ok {
			rf.Description = s
		}
		if s, ok := entry["url"].(string); ok {
			rf.URL = s
		}
		if s, ok := entry["location"].(string); ok {
			rf.Location = s
		}
		if rf.File == "" {
			return nil, errors.E(errors.KindConfigParse, "required_files entry missing file")
		}
		out = append(out, rf)
	}
	return out, nil
}
