// Package errs provides structured error types and helpers for Vantage services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies a failure category raised by a scheduler component.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a collaborator is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeCompilation indicates the graph compiler rejected a view definition.
	CodeCompilation Code = "compilation"
	// CodeStaleResolution indicates a target resolution changed while compiling.
	CodeStaleResolution Code = "stale_resolution"
	// CodeExecution indicates the graph executor failed mid-cycle.
	CodeExecution Code = "execution"
	// CodeMarketData indicates a market data configuration or provider failure.
	CodeMarketData Code = "market_data"
	// CodeTimeout indicates a bounded wait expired.
	CodeTimeout Code = "timeout"
	// CodeTerminated indicates the owning worker was terminated.
	CodeTerminated Code = "terminated"
)

// E captures structured error information produced across the scheduler.
type E struct {
	Component string
	Code      Code
	Message   string
	Target    string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithTarget records the computation target or value the failure relates to.
func WithTarget(target string) Option {
	trimmed := strings.TrimSpace(target)
	return func(e *E) {
		e.Target = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single diagnostic key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Target != "" {
		parts = append(parts, "target="+strconv.Quote(e.Target))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code. A target with
// an empty component matches any component.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Component == "" || t.Component == e.Component
}

// HasCode reports whether err wraps an envelope with the given code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*E); ok && e.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
