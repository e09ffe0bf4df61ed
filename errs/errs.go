// Package errs provides structured error envelopes shared across the bus.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a bus error category.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the bus or one of its queues cannot accept work.
	CodeUnavailable Code = "unavailable"
	// CodeExhausted indicates a pool has no free blocks for the requested size.
	CodeExhausted Code = "exhausted"
	// CodeClosed indicates the bus has been shut down.
	CodeClosed Code = "closed"
	// CodeTimeout indicates a bounded wait elapsed without a result.
	CodeTimeout Code = "timeout"
)

// E captures structured error information produced across the bus.
type E struct {
	Op      string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		Message: "",
		cause:   nil,
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

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := strings.TrimSpace(e.Op)
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E carrying the same code (and op, when the
// target names one). Allows errors.Is matching against bare code sentinels.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	if other.Code != "" && other.Code != e.Code {
		return false
	}
	if other.Op != "" && other.Op != e.Op {
		return false
	}
	return true
}

// CodeOf extracts the bus error code from err, or an empty Code when err does
// not wrap an *E.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}
