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

// Package errors provides error wrapping utilities and the error-kind
// taxonomy used to classify resolution and build failures.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can map it to an exit code or a
// terminal build state without inspecting error strings.
type Kind int

// Error kinds, from configuration problems through build-time failures.
const (
	KindUnknown Kind = iota
	KindConfigParse
	KindIncludeCycle
	KindSpecNotFound
	KindPlatformUnsupported
	KindTemplateSyntax
	KindUnresolvedVariable
	KindExpression
	KindSecretUnavailable
	KindAuthFailed
	KindSourceUnavailable
	KindMissingRequiredFile
	KindPackerExit
	KindTimedOut
	KindCancelled
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfigParse:
		return "ConfigParseError"
	case KindIncludeCycle:
		return "IncludeCycle"
	case KindSpecNotFound:
		return "SpecNotFound"
	case KindPlatformUnsupported:
		return "PlatformUnsupportedByLocation"
	case KindTemplateSyntax:
		return "TemplateSyntaxError"
	case KindUnresolvedVariable:
		return "UnresolvedVariable"
	case KindExpression:
		return "ExpressionError"
	case KindSecretUnavailable:
		return "SecretUnavailable"
	case KindAuthFailed:
		return "AuthFailed"
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindMissingRequiredFile:
		return "MissingRequiredFile"
	case KindPackerExit:
		return "PackerExitError"
	case KindTimedOut:
		return "TimedOut"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// kindError attaches a Kind to an underlying error.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Is reports whether target is a kindError with the same kind, which lets
// errors.Is compare against sentinel kinds created by E.
func (e *kindError) Is(target error) bool {
	var ke *kindError
	if errors.As(target, &ke) {
		return ke.kind == e.kind
	}
	return false
}

// E creates a new error of the given kind.
func E(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// WithKind tags an existing error with a kind, preserving the chain.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf returns the kind of err, or KindUnknown when err carries none.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// CLI exit codes. Success is 0; anything unknown maps to the generic
// configuration/resolution code.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitMissingFile = 2
	ExitCredential  = 3
	ExitBuildFailed = 4
	ExitCancelled   = 5
	ExitTimedOut    = 6
)

// ExitCode maps an error to the documented CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindMissingRequiredFile:
		return ExitMissingFile
	case KindSecretUnavailable, KindAuthFailed, KindSourceUnavailable:
		return ExitCredential
	case KindPackerExit:
		return ExitBuildFailed
	case KindCancelled:
		return ExitCancelled
	case KindTimedOut:
		return ExitTimedOut
	default:
		return ExitConfig
	}
}

// Wrap wraps an error with a descriptive action and optional detail.
// It returns a formatted error in the form "failed to <action> [(<detail>)]: <error>".
//
// Example usage:
//
//	if err := loadLayer(path); err != nil {
//	    return errors.Wrap("load platform layer", path, err)
//	}
func Wrap(action, detail string, err error) error {
	if err == nil {
		return nil
	}

	if detail != "" {
		return fmt.Errorf("failed to %s (%s): %w", action, detail, err)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers do not need both this package and the stdlib one.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
