// Package errors defines the error taxonomy of the playback core.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

const (
	// ErrCodeUnknown represents an unknown error
	ErrCodeUnknown ErrorCode = 1000

	// Configuration errors (2000-2999)
	ErrCodeInvalidConfig     ErrorCode = 2000
	ErrCodeMissingConfig     ErrorCode = 2001
	ErrCodeBufferTypeUnknown ErrorCode = 2002

	// Media errors (3000-3999)
	ErrCodeDiscontinuityEncountered ErrorCode = 3000
	ErrCodeMediaTimeBeforeManifest  ErrorCode = 3001
	ErrCodeMediaTimeAfterManifest   ErrorCode = 3002
	ErrCodeNoPlayableRepresentation ErrorCode = 3003
	ErrCodeBufferAppendError        ErrorCode = 3004
	ErrCodeBufferRemoveError        ErrorCode = 3005
	ErrCodeSegmentParsingError      ErrorCode = 3006
	ErrCodeCodecUnsupported         ErrorCode = 3007

	// Network errors (4000-4999)
	ErrCodeNetworkError    ErrorCode = 4000
	ErrCodeTimeout         ErrorCode = 4001
	ErrCodeBadHTTPStatus   ErrorCode = 4002
	ErrCodeSegmentNotFound ErrorCode = 4003

	// State and other errors (5000-5999)
	ErrCodeInvalidState   ErrorCode = 5000
	ErrCodeSinkDisposed   ErrorCode = 5001
	ErrCodeCanceled       ErrorCode = 5002
	ErrCodeTransportError ErrorCode = 5003
)

// Kind groups error codes the way they are reported outward.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindMedia         Kind = "media"
	KindNetwork       Kind = "network"
	KindOther         Kind = "other"
)

// Error represents a custom error with code and message
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error

	// Fatal is set when the error must end the content-loading session.
	Fatal bool
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind returns the category of the error code.
func (e *Error) Kind() Kind {
	switch {
	case e.Code >= 2000 && e.Code < 3000:
		return KindConfiguration
	case e.Code >= 3000 && e.Code < 4000:
		return KindMedia
	case e.Code >= 4000 && e.Code < 5000:
		return KindNetwork
	default:
		return KindOther
	}
}

// New creates a new Error with the given code and message
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// AsFatal marks the error as fatal and returns it.
func (e *Error) AsFatal() *Error {
	e.Fatal = true
	return e
}

// IsErrorCode checks if the error chain contains an Error with the given code
func IsErrorCode(err error, code ErrorCode) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrCodeUnknown if not found
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// IsFatal reports whether err carries a fatal Error.
func IsFatal(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Fatal
	}
	return false
}

// IsCanceled reports whether err results from a cancellation.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, context.Canceled) || IsErrorCode(err, ErrCodeCanceled)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code ErrorCode, message string) *Error {
	return New(code, message).AsFatal()
}

// NewUnknownBufferTypeError is returned when a sink is requested for an unsupported track type
func NewUnknownBufferTypeError(trackType string) *Error {
	return NewConfigurationError(ErrCodeBufferTypeUnknown, fmt.Sprintf("unknown buffer type: %s", trackType))
}

// NewDiscontinuityError describes a corrective seek over a hole in the content.
func NewDiscontinuityError(stalledPosition, seekTo float64) *Error {
	return New(ErrCodeDiscontinuityEncountered,
		fmt.Sprintf("a discontinuity has been encountered at position %g, seeked at position %g", stalledPosition, seekTo))
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *Error {
	return Wrap(ErrCodeNetworkError, message, cause)
}

// NewInvalidStateError creates a fatal error for an invalid call sequence
func NewInvalidStateError(message string) *Error {
	return New(ErrCodeInvalidState, message).AsFatal()
}

// NewCanceledError is returned by operations interrupted by their context
func NewCanceledError(cause error) *Error {
	return Wrap(ErrCodeCanceled, "operation canceled", cause)
}
