// Package fleeterr classifies failures of fleet operations so that callers can
// map them to server status values and HTTP responses without string matching.
package fleeterr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error code.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindUnreachable Kind = "unreachable"
	KindAgent       Kind = "agent_error"
	KindProtocol    Kind = "protocol_error"
	KindAmbiguous   Kind = "ambiguous"
	KindUnknown     Kind = "unknown"
)

// Error is a classified fleet error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// Status is the HTTP status reported by an agent, when there was one.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the next poll tick may succeed without intervention.
func (e *Error) Retryable() bool { return e.Kind == KindUnreachable }

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Ambiguous(op, format string, args ...any) *Error {
	return &Error{Kind: KindAmbiguous, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Unreachable(op string, err error) *Error {
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

// Agent wraps a failure reported by the remote agent; message is passed through verbatim.
func Agent(op string, status int, message string) *Error {
	return &Error{Kind: KindAgent, Op: op, Status: status, Message: message}
}

func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the human readable part of err; agent messages are returned unwrapped.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindAgent && fe.Message != "" {
		return fe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// HTTPStatus maps err to the status used by endpoints that answer with HTTP codes.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAmbiguous:
		return http.StatusConflict
	case KindUnreachable, KindAgent, KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
