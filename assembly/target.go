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
	"strings"

	"github.com/osimager/osimager/errors"
)

// Target is the parsed form of a build target "platform/location/spec-key".
type Target struct {
	Platform string
	Location string
	SpecKey  string
}

// ParseTarget splits a "platform/location/spec" build target.
func ParseTarget(s string) (Target, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Target{}, errors.E(errors.KindConfigParse,
			"invalid build target %q (want platform/location/spec)", s)
	}
	return Target{Platform: parts[0], Location: parts[1], SpecKey: parts[2]}, nil
}

// String reassembles the canonical target form.
func (t Target) String() string {
	return t.Platform + "/" + t.Location + "/" + t.SpecKey
}
