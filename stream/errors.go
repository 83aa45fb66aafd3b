package stream

import "fmt"

// ErrorCode classifies a streaming failure.
type ErrorCode string

const (
	// CodeSink covers decode sink creation, append, and open failures.
	CodeSink ErrorCode = "sink"
	// CodeCache covers durable cache I/O failures.
	CodeCache ErrorCode = "cache"
	// CodeProcessing covers decode and trim failures.
	CodeProcessing ErrorCode = "processing"
	// CodeStream covers network and orchestration failures.
	CodeStream ErrorCode = "stream"
)

// Error is a typed streaming failure tagged with the request it belongs to.
type Error struct {
	Code      ErrorCode
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("stream [%s]: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("stream [%s] request %s: %v", e.Code, e.RequestID, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, requestID string, err error) *Error {
	return &Error{Code: code, RequestID: requestID, Err: err}
}
