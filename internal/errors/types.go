// Package errors defines the navigation error taxonomy. Fetch and unexpected
// errors abort a navigation and trigger the full-page fallback; resource
// errors are absorbed where they happen and only reported.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind represents different categories of errors.
type Kind string

const (
	KindFetch      Kind = "fetch"
	KindResource   Kind = "resource"
	KindUnexpected Kind = "unexpected"
	KindConfig     Kind = "config"
	KindSuperseded Kind = "superseded"
)

// Common error codes.
const (
	CodeTransport   = "transport"
	CodeStatus      = "status"
	CodeBreakerOpen = "breaker_open"
	CodeTimeout     = "timeout"
	CodeLoadFailed  = "load_failed"
	CodeParse       = "parse"
	CodeCommit      = "commit"
	CodePanic       = "panic"
	CodeInvalid     = "invalid"
	CodeStale       = "stale"
)

// NavError is a structured error type with context.
type NavError struct {
	Kind        Kind
	Code        string
	Message     string
	Target      string
	Status      int
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *NavError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s/%s]", e.Kind, e.Code))
	} else {
		parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	}
	if e.Target != "" {
		parts = append(parts, "target:"+e.Target)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status:%d", e.Status))
	}

	parts = append(parts, e.Message)
	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *NavError) Unwrap() error {
	return e.Cause
}

// Is matches another NavError with the same kind and code.
func (e *NavError) Is(target error) bool {
	var t *NavError
	if errors.As(target, &t) {
		return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
	}

	return false
}

// WithContext adds context information to the error.
func (e *NavError) WithContext(key string, value interface{}) *NavError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithTarget records the navigation target the error belongs to.
func (e *NavError) WithTarget(target string) *NavError {
	e.Target = target

	return e
}

// Sentinels for errors.Is comparisons against a whole kind.
var (
	ErrFetch      = &NavError{Kind: KindFetch}
	ErrResource   = &NavError{Kind: KindResource}
	ErrUnexpected = &NavError{Kind: KindUnexpected}
	ErrConfig     = &NavError{Kind: KindConfig}
	ErrSuperseded = &NavError{Kind: KindSuperseded}
)

// NewFetchError creates a transport-level fetch error.
func NewFetchError(code, message string, cause error) *NavError {
	return &NavError{
		Kind:    KindFetch,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewStatusError creates a fetch error for a non-success HTTP status.
func NewStatusError(target string, status int) *NavError {
	return &NavError{
		Kind:    KindFetch,
		Code:    CodeStatus,
		Message: fmt.Sprintf("fetch failed with status %d", status),
		Target:  target,
		Status:  status,
	}
}

// NewResourceLoadError creates a non-fatal resource error.
func NewResourceLoadError(code, resource string, cause error) *NavError {
	return &NavError{
		Kind:        KindResource,
		Code:        code,
		Message:     "resource " + resource + " did not load",
		Cause:       cause,
		Recoverable: true,
	}
}

// NewUnexpectedError creates an error for a failure during parse or commit.
func NewUnexpectedError(code, message string, cause error) *NavError {
	return &NavError{
		Kind:    KindUnexpected,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *NavError {
	return &NavError{
		Kind:    KindConfig,
		Code:    code,
		Message: message,
	}
}

// NewSupersededError marks a navigation discarded because a newer one was requested.
func NewSupersededError(target string, seq, latest uint64) *NavError {
	return &NavError{
		Kind:        KindSuperseded,
		Code:        CodeStale,
		Message:     fmt.Sprintf("navigation %d superseded by %d", seq, latest),
		Target:      target,
		Recoverable: true,
	}
}

// Wrap wraps err as kind, keeping an existing NavError untouched.
func Wrap(err error, kind Kind, code, message string) *NavError {
	if err == nil {
		return nil
	}

	var ne *NavError
	if errors.As(err, &ne) {
		return ne
	}

	return &NavError{
		Kind:        kind,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: kind == KindResource || kind == KindSuperseded,
	}
}

func kindOf(err error) (Kind, bool) {
	var ne *NavError
	if errors.As(err, &ne) {
		return ne.Kind, true
	}
	return "", false
}

// IsFetchError checks if an error is a fetch error.
func IsFetchError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindFetch
}

// IsResourceLoadError checks if an error is a resource load error.
func IsResourceLoadError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindResource
}

// IsSuperseded checks if a navigation was discarded by the commit policy.
func IsSuperseded(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindSuperseded
}

// ShouldFallback reports whether err must end the enhanced navigation with a
// full page load. Anything that is not a known recoverable kind qualifies.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	k, ok := kindOf(err)
	if !ok {
		return true
	}
	return k == KindFetch || k == KindUnexpected
}

// StatusCode returns the HTTP status attached to err, or 0.
func StatusCode(err error) int {
	var ne *NavError
	if errors.As(err, &ne) {
		return ne.Status
	}
	return 0
}
