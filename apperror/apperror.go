// Package apperror defines the error taxonomy shared by the engine and its adapters.
//
// Every failure a caller can observe wraps exactly one sentinel, so adapters
// classify with errors.Is and never inspect messages.
package apperror

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is
var (
	ErrValidation          = errors.New("validation failed")
	ErrUnsupportedLanguage = fmt.Errorf("%w: unsupported language", ErrValidation)
	ErrNotFound            = errors.New("not found")
	ErrCompile             = errors.New("compilation failed")
	ErrRuntime             = errors.New("execution failed")
	ErrTimeout             = errors.New("execution timeout exceeded")
	ErrInfrastructure      = errors.New("execution runtime unavailable")
	ErrCleanup             = errors.New("cleanup failed")
)

// TimeoutMessage is the message reported for executions killed at the deadline
const TimeoutMessage = "Execution timeout exceeded"

// AppError carries a sentinel, a caller-facing message and an optional cause.
type AppError struct {
	Err     error
	Message string
	Field   string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Err, e.Cause)
	}
	return e.Err.Error()
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Validation reports a missing or malformed request field.
func Validation(field, message string) *AppError {
	return &AppError{Err: ErrValidation, Field: field, Message: message}
}

// UnsupportedLanguage reports a language the registry does not know.
func UnsupportedLanguage(language string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Field:   "language",
		Message: fmt.Sprintf("unsupported language: %q", language),
	}
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) *AppError {
	return &AppError{Err: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

// Compile carries the compiler diagnostic text verbatim.
func Compile(diagnostic string) *AppError {
	return &AppError{Err: ErrCompile, Message: diagnostic}
}

// Runtime carries the program's stderr verbatim.
func Runtime(stderr string) *AppError {
	return &AppError{Err: ErrRuntime, Message: stderr}
}

// Timeout reports an execution that was killed at its deadline.
func Timeout() *AppError {
	return &AppError{Err: ErrTimeout, Message: TimeoutMessage}
}

// Infrastructure wraps a failure of the isolation runtime or host toolchain.
func Infrastructure(message string, cause error) *AppError {
	return &AppError{Err: ErrInfrastructure, Message: message, Cause: cause}
}

// Cleanup wraps a failed release of a per-request resource.
func Cleanup(resource string, cause error) *AppError {
	return &AppError{Err: ErrCleanup, Message: fmt.Sprintf("cleanup of %s failed: %v", resource, cause), Cause: cause}
}

// Wire codes returned by KindOf
const (
	KindValidation     = "validation_error"
	KindNotFound       = "not_found"
	KindCompile        = "compile_error"
	KindRuntime        = "runtime_error"
	KindTimeout        = "timeout"
	KindInfrastructure = "infrastructure_error"
	KindCleanup        = "cleanup_error"
	KindInternal       = "internal_error"
)

// KindOf returns the wire code for err. Unclassified errors are internal.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCompile):
		return KindCompile
	case errors.Is(err, ErrRuntime):
		return KindRuntime
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrInfrastructure):
		return KindInfrastructure
	case errors.Is(err, ErrCleanup):
		return KindCleanup
	default:
		return KindInternal
	}
}

// FieldOf returns the offending request field of a validation error, if any.
func FieldOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
