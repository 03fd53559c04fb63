package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures the router reports back to the caller.
type ErrorKind string

const (
	KindConfigError       ErrorKind = "CONFIG_ERROR"
	KindUnknownServer     ErrorKind = "UNKNOWN_SERVER"
	KindUnknownTool       ErrorKind = "UNKNOWN_TOOL"
	KindBlocked           ErrorKind = "BLOCKED"
	KindServerUnavailable ErrorKind = "SERVER_UNAVAILABLE"
	KindServerCrashed     ErrorKind = "SERVER_CRASHED"
	KindProtocolError     ErrorKind = "PROTOCOL_ERROR"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindBackpressure      ErrorKind = "BACKPRESSURE"
	KindStorageError      ErrorKind = "STORAGE_ERROR"
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindOutOfRange        ErrorKind = "OUT_OF_RANGE"
	KindUpstreamLLMError  ErrorKind = "UPSTREAM_LLM_ERROR"
	KindInternal          ErrorKind = "INTERNAL"
)

// Error is a classified failure. The router renders it as a text part
// "ERROR:<kind>: <message>" instead of failing the outer tool call.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from err, defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
