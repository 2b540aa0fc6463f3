package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error code for stable testing
type ErrorCode string

// Error codes for different error categories
const (
	// General errors
	ErrUnknown      ErrorCode = "UNKNOWN"
	ErrInternal     ErrorCode = "INTERNAL"
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"

	// ErrPrecondition marks a caller programming error, such as constructing an
	// object with missing collaborators. It is never retried.
	ErrPrecondition ErrorCode = "PRECONDITION"

	// Configuration errors
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigParse ErrorCode = "CONFIG_PARSE"
	ErrConfigValid ErrorCode = "CONFIG_INVALID"

	// System state errors
	ErrStateUnavailable ErrorCode = "STATE_UNAVAILABLE"
	ErrStateLocked      ErrorCode = "STATE_LOCKED"

	// Transaction errors
	ErrTxnConstruct ErrorCode = "TXN_CONSTRUCT"
	ErrTxnConflict  ErrorCode = "TXN_CONFLICT"
	ErrTxnCancelled ErrorCode = "TXN_CANCELLED"
	ErrTxnFailed    ErrorCode = "TXN_FAILED"

	// Bus errors
	ErrBusConnect   ErrorCode = "BUS_CONNECT"
	ErrBusNameTaken ErrorCode = "BUS_NAME_TAKEN"
	ErrBusPublish   ErrorCode = "BUS_PUBLISH"
)

// Name returns the code in CamelCase, the form used for bus error names:
// STATE_UNAVAILABLE becomes StateUnavailable.
func (c ErrorCode) Name() string {
	var b strings.Builder
	for _, part := range strings.Split(strings.ToLower(string(c)), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

// DeploydError represents a structured error with code and details
type DeploydError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

// Error implements the error interface
func (e *DeploydError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *DeploydError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is interface
func (e *DeploydError) Is(target error) bool {
	var targetErr *DeploydError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// New creates a new DeploydError with the given code and message
func New(code ErrorCode, message string) *DeploydError {
	return &DeploydError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new DeploydError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *DeploydError {
	return &DeploydError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with a DeploydError
func Wrap(err error, code ErrorCode, message string) *DeploydError {
	if err == nil {
		return nil
	}
	return &DeploydError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *DeploydError {
	if err == nil {
		return nil
	}
	return &DeploydError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// WithDetail adds a detail to the error
func (e *DeploydError) WithDetail(key string, value interface{}) *DeploydError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsErrorCode checks if an error has a specific error code.
// The outermost DeploydError in the chain decides.
func IsErrorCode(err error, code ErrorCode) bool {
	var deploydErr *DeploydError
	if errors.As(err, &deploydErr) {
		return deploydErr.Code == code
	}
	return false
}

// HasErrorCode reports whether any DeploydError in the chain carries code.
func HasErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var deploydErr *DeploydError
		if !errors.As(err, &deploydErr) {
			return false
		}
		if deploydErr.Code == code {
			return true
		}
		err = deploydErr.Wrapped
	}
	return false
}

// GetErrorCode returns the error code from an error, or ErrUnknown if not a DeploydError
func GetErrorCode(err error) ErrorCode {
	var deploydErr *DeploydError
	if errors.As(err, &deploydErr) {
		return deploydErr.Code
	}
	return ErrUnknown
}

// GetErrorDetails returns the details from an error, or nil if not a DeploydError
func GetErrorDetails(err error) map[string]interface{} {
	var deploydErr *DeploydError
	if errors.As(err, &deploydErr) {
		return deploydErr.Details
	}
	return nil
}

var knownCodes = []ErrorCode{
	ErrUnknown, ErrInternal, ErrInvalidInput, ErrNotFound, ErrPrecondition,
	ErrConfigLoad, ErrConfigParse, ErrConfigValid,
	ErrStateUnavailable, ErrStateLocked,
	ErrTxnConstruct, ErrTxnConflict, ErrTxnCancelled, ErrTxnFailed,
	ErrBusConnect, ErrBusNameTaken, ErrBusPublish,
}

// CodeFromName is the inverse of ErrorCode.Name
func CodeFromName(name string) (ErrorCode, bool) {
	for _, code := range knownCodes {
		if code.Name() == name {
			return code, true
		}
	}
	return ErrUnknown, false
}
