// Package apierr defines the error kinds surfaced by the conversation client.
package apierr

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPreviousResponseID = errors.New("previous response id is required")
	ErrCancelled                 = errors.New("stream cancelled")
	ErrToolRoundsExceeded        = errors.New("maximum tool call rounds exceeded")
	ErrStreamTruncated           = errors.New("stream ended before a terminal event")
	ErrNotFound                  = errors.New("conversation state not found")
)

// RequestError reports caller input that failed validation. Nothing was sent.
type RequestError struct {
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	msg := "invalid request"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError returns a RequestError for the named field.
func NewRequestError(op, field, format string, args ...any) *RequestError {
	return &RequestError{Op: op, Field: field, Message: fmt.Sprintf(format, args...)}
}

// ResponseError reports a failed provider call or a response with an invalid shape.
type ResponseError struct {
	Op         string
	Message    string
	Code       string
	StatusCode int
	ResponseID string
	Err        error
}

func (e *ResponseError) Error() string {
	msg := "response error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil && e.Message == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResponseError) Unwrap() error { return e.Err }

// NewResponseError returns a ResponseError with a formatted message.
func NewResponseError(op, format string, args ...any) *ResponseError {
	return &ResponseError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// ResponseHandlingError reports local post-processing failures:
// unparseable tool arguments, oversize tool output, runaway tool loops.
type ResponseHandlingError struct {
	Op      string
	ItemID  string
	Message string
	Err     error
}

func (e *ResponseHandlingError) Error() string {
	msg := "response handling error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ItemID != "" {
		msg += " (" + e.ItemID + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResponseHandlingError) Unwrap() error { return e.Err }

// NewHandlingError returns a ResponseHandlingError with a formatted message.
func NewHandlingError(op, format string, args ...any) *ResponseHandlingError {
	return &ResponseHandlingError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// StateManagementError reports a state store failure or a malformed state key.
type StateManagementError struct {
	Op      string
	Key     string
	Message string
	Err     error
}

func (e *StateManagementError) Error() string {
	msg := "state error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StateManagementError) Unwrap() error { return e.Err }

// IsRequest reports whether err is, or wraps, a RequestError.
func IsRequest(err error) bool {
	var target *RequestError
	return errors.As(err, &target)
}

// IsResponse reports whether err is, or wraps, a ResponseError.
func IsResponse(err error) bool {
	var target *ResponseError
	return errors.As(err, &target)
}

// IsHandling reports whether err is, or wraps, a ResponseHandlingError.
func IsHandling(err error) bool {
	var target *ResponseHandlingError
	return errors.As(err, &target)
}

// IsState reports whether err is, or wraps, a StateManagementError.
func IsState(err error) bool {
	var target *StateManagementError
	return errors.As(err, &target)
}
