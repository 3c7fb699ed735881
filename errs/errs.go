// Package errs implements the error model shared by the store pipeline and
// the scheduler. Every error carries a Code classifying it for transport
// mapping and retry decisions, plus an ordered list of context messages that
// grows as the error propagates outward.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies an error for transport mapping and retry decisions.
type Code int

const (
	// Internal is the default for errors with no better classification.
	Internal Code = iota
	// NotFound means the requested digest or entity does not exist.
	NotFound
	// InvalidArgument means the caller sent something malformed.
	InvalidArgument
	// Unavailable is a transient failure worth retrying.
	Unavailable
	// ResourceExhausted signals backpressure; the scheduler does not count
	// these against an action's retry budget.
	ResourceExhausted
	// Unimplemented marks endpoints that are intentionally not provided.
	Unimplemented
)

func (c Code) String() string {
	switch c {
	case Internal:
		return "Internal"
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case Unavailable:
		return "Unavailable"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Unimplemented:
		return "Unimplemented"
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is the concrete error value. Messages are ordered oldest-first; the
// last entry is the most recent context pushed by Wrap.
type Error struct {
	Code     Code
	Messages []string
}

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Messages: []string{fmt.Sprintf(format, args...)}}
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return e.Code.String()
	}
	return e.Code.String() + ": " + strings.Join(e.Messages, ": ")
}

// LastMessage returns the most recently pushed context message.
func (e *Error) LastMessage() string {
	if len(e.Messages) == 0 {
		return ""
	}
	return e.Messages[len(e.Messages)-1]
}

// TruncateToLastMessage drops all context except the most recent entry.
// Used to bound payload size when common errors like NotFound surface on
// the wire.
func (e *Error) TruncateToLastMessage() {
	if len(e.Messages) > 1 {
		e.Messages = []string{e.Messages[len(e.Messages)-1]}
	}
}

// Wrap pushes another context message onto err. If err is not an *Error it
// is converted with code Internal first. A nil err returns nil.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	e := promote(err)
	e.Messages = append(e.Messages, fmt.Sprintf(format, args...))
	return e
}

// Merge combines two errors into one. The most recent context wins the
// terminal message slot, but kind-significant codes are preserved: NotFound
// from either side survives an Internal on the other, and any specific code
// beats Internal. Either side may be nil.
func Merge(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	ea, eb := promote(a), promote(b)
	code := ea.Code
	if code == Internal || (eb.Code == NotFound && code != NotFound) {
		code = eb.Code
	}
	msgs := make([]string, 0, len(ea.Messages)+len(eb.Messages))
	msgs = append(msgs, ea.Messages...)
	msgs = append(msgs, eb.Messages...)
	return &Error{Code: code, Messages: msgs}
}

// CodeOf extracts the Code from an error chain, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsNotFound reports whether err carries the NotFound code.
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == NotFound
}

// promote converts an arbitrary error into an *Error without losing its
// code if it already is one. The returned value is a copy so callers may
// append context without mutating shared state.
func promote(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := &Error{Code: e.Code, Messages: make([]string, len(e.Messages))}
		copy(cp.Messages, e.Messages)
		return cp
	}
	return &Error{Code: Internal, Messages: []string{err.Error()}}
}

// GRPCStatus maps an error to a gRPC status for the streaming front doors.
func GRPCStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	var grpcCode codes.Code
	switch CodeOf(err) {
	case NotFound:
		grpcCode = codes.NotFound
	case InvalidArgument:
		grpcCode = codes.InvalidArgument
	case Unavailable:
		grpcCode = codes.Unavailable
	case ResourceExhausted:
		grpcCode = codes.ResourceExhausted
	case Unimplemented:
		grpcCode = codes.Unimplemented
	default:
		grpcCode = codes.Internal
	}
	return status.New(grpcCode, err.Error())
}
