package execution

import "fmt"

// Code classifies why an execution did not produce a result.
type Code string

const (
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeTimeout           Code = "TIMEOUT"
	CodeBadStatus         Code = "BAD_STATUS"
	CodeMalformedResponse Code = "MALFORMED_RESPONSE"
	CodeRateLimited       Code = "RATE_LIMITED"
)

// Error is a failed execution with a machine-readable code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest    = &Error{Code: CodeInvalidRequest}
	ErrUnavailable       = &Error{Code: CodeUnavailable}
	ErrTimeout           = &Error{Code: CodeTimeout}
	ErrBadStatus         = &Error{Code: CodeBadStatus}
	ErrMalformedResponse = &Error{Code: CodeMalformedResponse}
	ErrRateLimited       = &Error{Code: CodeRateLimited}
)
