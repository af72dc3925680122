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
	"regexp"

	"github.com/osimager/osimager/errors"
)

// processSpecific applies the layer's conditional override arrays in the
// fixed type order. For each entry whose pattern full-matches the current
// runtime value (case-insensitive), the entry body is parsed as a layer and
// applied through the normal merge path, which recurses into any nested
// specific arrays.
func (l *Loader) processSpecific(acc *Accumulator, where string, layer *Layer) error {
	for _, typ := range SpecificTypes {
		entries := layer.Specific[typ]
		if len(entries) == 0 {
			continue
		}

		runtime, _ := acc.DefString(typ)

		for i, entry := range entries {
			pattern, ok := entry[typ].(string)
			if !ok {
				return errors.E(errors.KindConfigParse,
					"%s_specific entry %d has no %q pattern", typ, i, typ)
			}

			matched, err := fullMatch(pattern, runtime)
			if err != nil {
				return errors.WithKind(errors.KindConfigParse,
					fmt.Errorf("%s_specific entry %d: bad pattern %q: %w", typ, i, pattern, err))
			}
			if !matched {
				continue
			}

			body := make(map[string]interface{}, len(entry)-1)
			for k, v := range entry {
				if k == typ {
					continue
				}
				body[k] = v
			}

			sub, err := ParseLayer(body)
			if err != nil {
				return fmt.Errorf("%s_specific entry %d: %w", typ, i, err)
			}
			// An override body may carry its own include directive.
			for _, inc := range sub.Include {
				if _, err := l.Apply(acc, where, inc); err != nil {
					return fmt.Errorf("%s_specific entry %d include %q: %w", typ, i, inc, err)
				}
			}
			if err := l.applyLayer(acc, where, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// fullMatch reports whether value matches pattern as a case-insensitive,
// anchored regular expression.
func fullMatch(pattern, value string) (bool, error) {
	re, err := regexp.Compile(`(?i)\A(?:` + pattern + `)\z`)
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}
