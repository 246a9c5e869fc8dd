// Package errors provides a structured error system for objmapper. Every
// error carries the one-byte wire status, so a response status byte and a
// Go error are two views of the same value.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Status is the one-byte wire status code transmitted in every V1/V2 response.
type Status uint8

// Status codes. The numeric values are fixed by the wire protocol: client
// errors occupy 0x01-0x0f, server errors 0x10-0x1f, protocol errors 0x20+.
const (
	StatusOK Status = 0x00

	// Client errors
	StatusNotFound       Status = 0x01
	StatusInvalidRequest Status = 0x02
	StatusInvalidMode    Status = 0x03
	StatusURITooLong     Status = 0x04
	StatusUnsupportedOp  Status = 0x05

	// Server errors
	StatusInternalError Status = 0x10
	StatusStorageError  Status = 0x11
	StatusOutOfMemory   Status = 0x12
	StatusTimeout       Status = 0x13
	StatusUnavailable   Status = 0x14

	// Protocol errors
	StatusProtocolError   Status = 0x20
	StatusVersionMismatch Status = 0x21
	StatusCapabilityError Status = 0x22
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusInvalidRequest:
		return "INVALID_REQUEST"
	case StatusInvalidMode:
		return "INVALID_MODE"
	case StatusURITooLong:
		return "URI_TOO_LONG"
	case StatusUnsupportedOp:
		return "UNSUPPORTED_OP"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusStorageError:
		return "STORAGE_ERROR"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusVersionMismatch:
		return "VERSION_MISMATCH"
	case StatusCapabilityError:
		return "CAPABILITY_ERROR"
	default:
		return "UNKNOWN_STATUS"
	}
}

// Category groups status codes for metrics labeling and log filtering.
type Category string

const (
	CategoryClient   Category = "client"
	CategoryServer   Category = "server"
	CategoryProtocol Category = "protocol"
	CategoryNone     Category = "none"
)

// GetCategory returns the category for a status code.
func GetCategory(s Status) Category {
	switch s {
	case StatusOK:
		return CategoryNone
	case StatusNotFound, StatusInvalidRequest, StatusInvalidMode, StatusURITooLong, StatusUnsupportedOp:
		return CategoryClient
	case StatusInternalError, StatusStorageError, StatusOutOfMemory, StatusTimeout, StatusUnavailable:
		return CategoryServer
	case StatusProtocolError, StatusVersionMismatch, StatusCapabilityError:
		return CategoryProtocol
	default:
		return CategoryServer
	}
}

// Retryable reports whether the client library should consider retrying a
// request that failed with the given status. The core does not retry on its
// own; this only informs callers.
func Retryable(s Status) bool {
	switch s {
	case StatusTimeout, StatusUnavailable, StatusOutOfMemory:
		return true
	default:
		return false
	}
}

// Error is objmapper's structured error, used internally and translated to a
// Status when serialized onto the wire.
type Error struct {
	Status    Status
	Category  Category
	Message   string
	Component string
	Operation string
	Context   map[string]string
	Cause     error
	Timestamp time.Time
	Stack     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Status, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Status, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same status code.
func (e *Error) Is(target error) bool {
	if o, ok := target.(*Error); ok {
		return e.Status == o.Status
	}
	return false
}

// New creates an error for the given status.
func New(status Status, message string) *Error {
	return &Error{
		Status:    status,
		Category:  GetCategory(status),
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]string),
	}
}

// Newf creates an error for the given status with a formatted message.
func Newf(status Status, format string, args ...interface{}) *Error {
	return New(status, fmt.Sprintf(format, args...))
}

// WithComponent sets the component that raised the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation that raised the error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a key/value of diagnostic context.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithStack captures the current stack trace for debug logging.
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// CaptureStack captures the current call stack, skipping this package's own
// frames, for inclusion in ERROR-level log entries.
func CaptureStack(skip int) string {
	const depth = 12
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// JSON renders the error as a JSON object, used by the HTTP side-channel.
func (e *Error) JSON() string {
	data, err := json.Marshal(struct {
		Status    string            `json:"status"`
		Category  Category          `json:"category"`
		Message   string            `json:"message"`
		Component string            `json:"component,omitempty"`
		Operation string            `json:"operation,omitempty"`
		Context   map[string]string `json:"context,omitempty"`
		Timestamp time.Time         `json:"timestamp"`
	}{e.Status.String(), e.Category, e.Message, e.Component, e.Operation, e.Context, e.Timestamp})
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// FromStatus returns a bare error carrying only a status, for the common
// case of translating a wire response back into a Go error at the client.
func FromStatus(status Status, message string) error {
	if status == StatusOK {
		return nil
	}
	return New(status, message)
}

// StatusOf extracts the Status from err if it is (or wraps) an *Error,
// defaulting to StatusInternalError for opaque errors.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if as(err, &e) {
		return e.Status
	}
	return StatusInternalError
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
