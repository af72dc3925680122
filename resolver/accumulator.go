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
	"strconv"
)

// Accumulator is the state a build target resolves into. It is created per
// build, mutated only during resolution, and frozen (via Clone) before being
// handed to the orchestrator.
type Accumulator struct {
	Defs      map[string]interface{}
	Config    map[string]interface{}
	Variables map[string]string
	Evars     map[string]string

	Files            []FileSet
	PreProvisioners  []map[string]interface{}
	Provisioners     []map[string]interface{}
	PostProvisioners []map[string]interface{}

	RequiredFiles []RequiredFile
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		Defs:      map[string]interface{}{},
		Config:    map[string]interface{}{},
		Variables: map[string]string{},
		Evars:     map[string]string{},
	}
}

// DefString returns the defs value for key rendered as a string, and whether
// the key exists.
func (a *Accumulator) DefString(key string) (string, bool) {
	v, ok := a.Defs[key]
	if !ok {
		return "", false
	}
	return Stringify(v), true
}

// Clone returns a deep copy. The orchestrator receives a clone so later
// mutation of the resolver state can never leak into a running build.
func (a *Accumulator) Clone() *Accumulator {
	out := &Accumulator{
		Defs:      deepCopyMap(a.Defs),
		Config:    deepCopyMap(a.Config),
		Variables: map[string]string{},
		Evars:     map[string]string{},
	}
	for k, v := range a.Variables {
		out.Variables[k] = v
	}
	for k, v := range a.Evars {
		out.Evars[k] = v
	}
	for _, fs := range a.Files {
		out.Files = append(out.Files, FileSet{Sources: append([]string(nil), fs.Sources...), Dest: fs.Dest})
	}
	out.PreProvisioners = deepCopyMapList(a.PreProvisioners)
	out.Provisioners = deepCopyMapList(a.Provisioners)
	out.PostProvisioners = deepCopyMapList(a.PostProvisioners)
	out.RequiredFiles = append([]RequiredFile(nil), a.RequiredFiles...)
	return out
}

// MergeLayer applies one layer to the accumulator. Replace-method layers
// clear the list-typed sections first; mapping sections always merge
// key-by-key, honoring the layer's per-section merge directive.
func (a *Accumulator) MergeLayer(layer *Layer) {
	if layer.Method == MethodReplace {
		a.Files = nil
		a.PreProvisioners = nil
		a.Provisioners = nil
		a.PostProvisioners = nil
	}

	mergeSection(a.Defs, layer.Defs)
	mergeSection(a.Config, layer.Config)
	for k, v := range layer.Variables {
		a.Variables[k] = v
	}
	for k, v := range layer.Evars {
		a.Evars[k] = v
	}

	a.Files = append(a.Files, layer.Files...)
	a.PreProvisioners = append(a.PreProvisioners, layer.PreProvisioners...)
	a.Provisioners = append(a.Provisioners, layer.Provisioners...)
	a.PostProvisioners = append(a.PostProvisioners, layer.PostProvisioners...)

	a.RequiredFiles = append(a.RequiredFiles, layer.RequiredFiles...)
}

// mergeSection copies src keys into dst. Keys listed in src's "merge"
// directive are deep-merged when both sides support it; every other key
// replaces. The directive itself is never copied.
func mergeSection(dst, src map[string]interface{}) {
	if len(src) == 0 {
		return
	}

	deepKeys := map[string]bool{}
	if directive, ok := src["merge"]; ok {
		if keys, err := toStringList(directive); err == nil {
			for _, k := range keys {
				deepKeys[k] = true
			}
		}
	}

	for k, v := range src {
		if k == "merge" {
			continue
		}
		if deepKeys[k] {
			dst[k] = deepMerge(dst[k], v)
			continue
		}
		dst[k] = v
	}
}

// deepMerge combines old and new: mappings update recursively, lists extend,
// anything else is replaced by new.
func deepMerge(old, new interface{}) interface{} {
	oldMap, oldIsMap := old.(map[string]interface{})
	newMap, newIsMap := new.(map[string]interface{})
	if oldIsMap && newIsMap {
		out := deepCopyMap(oldMap)
		for k, v := range newMap {
			if existing, ok := out[k]; ok {
				out[k] = deepMerge(existing, v)
			} else {
				out[k] = deepCopyValue(v)
			}
		}
		return out
	}

	oldList, oldIsList := old.([]interface{})
	newList, newIsList := new.([]interface{})
	if oldIsList && newIsList {
		out := make([]interface{}, 0, len(oldList)+len(newList))
		out = append(out, oldList...)
		out = append(out, newList...)
		return out
	}

	return new
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

func deepCopyMapList(list []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(list))
	for _, m := range list {
		out = append(out, deepCopyMap(m))
	}
	return out
}

// Stringify renders a configuration value the way it appears when inlined
// into a longer string. Floats that carry integer values print without the
// decimal point, matching how JSON numbers round-trip.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
