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

// Package specindex enumerates spec files, expands their version declarations,
// and maintains the (dist, version, arch) lookup index with an on-disk cache.
package specindex

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/osimager/osimager/errors"
)

// ExpandVersions expands one provides.versions entry:
//
//	"8.[3-5]"    -> 8.3, 8.4, 8.5   (inclusive integer range)
//	"12.[01-03]" -> 12.01, 12.02, 12.03 (zero padding preserved)
//	"5.[1,9,10]" -> 5.1, 5.9, 5.10  (explicit enumeration)
//
// Multiple bracket groups in one string produce the cartesian product.
// A plain string is returned verbatim. Mixing a range and a list inside one
// bracket group is rejected.
func ExpandVersions(version string) ([]string, error) {
	results := []string{""}

	rest := version
	for {
		open := strings.Index(rest, "[")
		if open < 0 {
			break
		}
		closeIdx := strings.Index(rest[open:], "]")
		if closeIdx < 0 {
			return nil, errors.E(errors.KindConfigParse,
				"unbalanced bracket in version %q", version)
		}
		prefix := rest[:open]
		group := rest[open+1 : open+closeIdx]
		rest = rest[open+closeIdx+1:]

		parts, err := expandGroup(group)
		if err != nil {
			return nil, errors.Wrap("expand version group", version, err)
		}

		next := make([]string, 0, len(results)*len(parts))
		for _, head := range results {
			for _, part := range parts {
				next = append(next, head+prefix+part)
			}
		}
		results = next
	}

	for i := range results {
		results[i] += rest
	}
	return results, nil
}

// expandGroup expands one bracket group: either "a-b" or "a,b,c".
func expandGroup(group string) ([]string, error) {
	hasRange := strings.Contains(group, "-")
	hasList := strings.Contains(group, ",")
	if hasRange && hasList {
		return nil, fmt.Errorf("group %q mixes range and list syntax", group)
	}

	if hasRange {
		bounds := strings.SplitN(group, "-", 2)
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("bad range start %q", bounds[0])
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("bad range end %q", bounds[1])
		}
		if hi < lo {
			return nil, fmt.Errorf("range %q runs backwards", group)
		}
		// Zero padding of the endpoint is preserved in outputs.
		width := 0
		if strings.HasPrefix(bounds[0], "0") || strings.HasPrefix(bounds[1], "0") {
			width = len(bounds[1])
		}
		out := make([]string, 0, hi-lo+1)
		for n := lo; n <= hi; n++ {
			if width > 0 {
				out = append(out, fmt.Sprintf("%0*d", width, n))
			} else {
				out = append(out, strconv.Itoa(n))
			}
		}
		return out, nil
	}

	parts := strings.Split(group, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty element in group %q", group)
		}
		out = append(out, p)
	}
	return out, nil
}
