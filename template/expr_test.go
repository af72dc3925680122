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

package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprDefs() map[string]interface{} {
	return map[string]interface{}{
		"dist":     "rhel",
		"major":    float64(9),
		"arch":     "x86_64",
		"headless": true,
		"mirrors":  []interface{}{"a.example.com", "b.example.com"},
	}
}

func TestEvalExpression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want interface{}
	}{
		{"string literal", "'hello'", "hello"},
		{"int literal", "42", int64(42)},
		{"variable", "dist", "rhel"},
		{"numeric variable normalized", "major", int64(9)},
		{"conditional true", "'efi' if major >= 7 else 'bios'", "efi"},
		{"conditional false", "'efi' if major < 7 else 'bios'", "bios"},
		{"chained conditional", "'new' if major >= 9 else 'mid' if major >= 7 else 'old'", "new"},
		{"in list", "dist in ['rhel', 'centos']", true},
		{"not in list", "dist not in ['debian', 'ubuntu']", true},
		{"in string", "'86' in arch", true},
		{"startswith", "arch.startswith('x86')", true},
		{"endswith", "arch.endswith('_64')", true},
		{"len string", "len(dist)", int64(4)},
		{"len list", "len(mirrors)", int64(2)},
		{"concat", "dist + '-' + arch", "rhel-x86_64"},
		{"arithmetic", "major * 10 + 5", int64(95)},
		{"numeric compare over string form", "'10' > '9'", true},
		{"boolean logic", "headless and major > 8", true},
		{"not", "not headless", false},
		{"equality string", "dist == 'rhel'", true},
		{"parenthesized", "(major + 1) * 2", int64(20)},
		{"bool literals", "True and not False", true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := EvalExpression(tc.src, exprDefs())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalExpressionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"undefined variable", "no_such_var"},
		{"missing else", "'a' if headless"},
		{"disallowed method", "dist.upper()"},
		{"trailing tokens", "1 2"},
		{"unterminated string", "'oops"},
		{"mixed concat", "dist + 1"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := EvalExpression(tc.src, exprDefs())
			assert.Error(t, err)
		})
	}
}

func TestEvalArithExpr(t *testing.T) {
	t.Parallel()

	defs := map[string]interface{}{
		"memory":    float64(4096),
		"cpu_cores": float64(4),
	}

	tests := []struct {
		name string
		src  string
		want int64
	}{
		{"literal", "7", 7},
		{"variable", "memory", 4096},
		{"precedence", "2 + 3 * 4", 14},
		{"division", "memory / 2", 2048},
		{"parens", "(2 + 3) * 4", 20},
		{"unary minus", "-cpu_cores + 10", 6},
		{"mixed", "memory / cpu_cores", 1024},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := evalArithExpr(tc.src, defs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalArithExprErrors(t *testing.T) {
	t.Parallel()

	defs := map[string]interface{}{"dist": "rhel"}

	tests := []struct {
		name string
		src  string
	}{
		{"division by zero", "4 / 0"},
		{"undefined variable", "missing + 1"},
		{"non numeric variable", "dist + 1"},
		{"trailing garbage", "1 + 2 )"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := evalArithExpr(tc.src, defs)
			assert.Error(t, err)
		})
	}
}

func TestConditionalSkipsUntakenBranchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
		want interface{}
	}{
		{"division by zero in else", "'efi' if major >= 7 else 1/0", "efi"},
		{"division by zero in value", "1/0 if major < 7 else 2048", int64(2048)},
		{"undefined variable in else", "'x' if major >= 7 else no_such_var", "x"},
		{"undefined variable in value", "no_such_var if major < 7 else 'bios'", "bios"},
		{"type mismatch in value", "dist + 1 if major < 7 else 'ok'", "ok"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := EvalExpression(tc.src, exprDefs())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConditionalTakenBranchStillFails(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		src  string
	}{
		{"division by zero in taken branch", "1/0 if major >= 7 else 'bios'"},
		{"undefined variable in taken branch", "no_such_var if major >= 7 else 'x'"},
		{"error in the condition itself", "'a' if no_such_var else 'b'"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := EvalExpression(tc.src, exprDefs())
			require.Error(t, err)
		})
	}
}
