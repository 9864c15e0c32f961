// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-pstream.

package api

import (
	"fmt"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeOutOfMemory
	ErrCodeProtocolViolation
	ErrCodeTransport
	ErrCodeAlreadyDead
	ErrCodeNotSupported
	ErrCodeTransportClosed
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeOutOfMemory:
		return "out of memory"
	case ErrCodeProtocolViolation:
		return "protocol violation"
	case ErrCodeTransport:
		return "transport error"
	case ErrCodeAlreadyDead:
		return "already dead"
	case ErrCodeNotSupported:
		return "operation not supported"
	case ErrCodeTransportClosed:
		return "transport is closed"
	default:
		return "internal error"
	}
}

// Common errors used across the library. Match with errors.Is; every
// *Error with the same code compares equal to its sentinel.
var (
	ErrInvalidArgument   = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrOutOfMemory       = &Error{Code: ErrCodeOutOfMemory, Message: "out of memory"}
	ErrProtocolViolation = &Error{Code: ErrCodeProtocolViolation, Message: "protocol violation"}
	ErrTransport         = &Error{Code: ErrCodeTransport, Message: "transport error"}
	ErrAlreadyDead       = &Error{Code: ErrCodeAlreadyDead, Message: "stream is dead"}
	ErrNotSupported      = &Error{Code: ErrCodeNotSupported, Message: "operation not supported"}
	ErrTransportClosed   = &Error{Code: ErrCodeTransportClosed, Message: "transport is closed"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if len(e.Context) != 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap attaches cause to a new structured error of the given code.
func Wrap(code ErrorCode, cause error, message string) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternal if err is not
// a structured error. A nil err yields ErrCodeOK.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternal
}
