// Package poolerrors provides structured error handling for swarmpool with
// error categorization, contextual details, and stack capture. The pool,
// memory, and coordinator layers all report failures through this package so
// callers can branch on category instead of string-matching messages.
//
// The two categories a borrower is expected to handle are ErrorTypeExhausted
// (the pool and its emergency headroom are fully committed; degrade or shed
// load) and ErrorTypeFactory (slot construction failed; pool state is
// untouched). ErrorTypeUnknownKind indicates a misconfigured caller and is
// not retryable. Coordinator errors never leave the orchestrator boundary.
package poolerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType categorizes an error for handling strategy and monitoring.
type ErrorType string

const (
	// ErrorTypeExhausted means the pool and its emergency overflow headroom
	// are fully committed. Recoverable: the caller must construct an
	// unpooled object or reject the unit of work.
	ErrorTypeExhausted ErrorType = "pool_exhausted"
	// ErrorTypeFactory wraps a slot factory construction failure.
	// Recoverable; pool counters are unaffected.
	ErrorTypeFactory ErrorType = "factory"
	// ErrorTypeUnknownKind means a Borrow/Return named a kind that was
	// never registered. Programmer error, never retried.
	ErrorTypeUnknownKind ErrorType = "unknown_kind"
	// ErrorTypeCoordinator represents coordination backend failures.
	// Absorbed inside the orchestrator; callers never see it.
	ErrorTypeCoordinator ErrorType = "coordinator"
	// ErrorTypeTimeout represents an operation deadline expiring.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConfig represents invalid configuration.
	ErrorTypeConfig ErrorType = "config"
)

// Error is a categorized error with key-value details and the call stack
// captured at creation.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame is a single frame of the captured call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap enables errors.Is / errors.As over the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a categorized error, capturing the call stack at the creation
// point.
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a categorized error with a formatted message.
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with a category and message, preserving the
// original as the cause. If err is already an *Error its stack is kept.
// Returns nil if err is nil.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// IsType reports whether err carries the given category anywhere in its chain.
func IsType(err error, errType ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == errType
}

// IsExhausted reports whether err is a pool-exhaustion condition. Borrowers
// branch on this to fall back to unpooled construction.
func IsExhausted(err error) bool {
	return IsType(err, ErrorTypeExhausted)
}

// IsRetryable reports whether the error category is worth retrying.
// Exhaustion and timeouts may clear on a later attempt; factory, unknown
// kind, and config errors will not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeExhausted, ErrorTypeTimeout, ErrorTypeCoordinator:
		return true
	default:
		return false
	}
}

// captureStack records up to maxFrames call-stack frames, skipping the
// innermost skip frames.
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
