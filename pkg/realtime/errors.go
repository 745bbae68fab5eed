package realtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures surfaced by the realtime engine.
type ErrorKind int

const (
	// KindConnection indicates the transport could not be established
	// or was closed while in use.
	KindConnection ErrorKind = iota

	// KindHandshakeTimeout indicates no ready frame arrived within the
	// handshake bound after the transport opened.
	KindHandshakeTimeout

	// KindAckTimeout indicates no matching acknowledgement arrived
	// within the ack bound for a sent command.
	KindAckTimeout

	// KindServer indicates the server answered a command with an
	// explicit error frame.
	KindServer

	// KindValidation indicates a caller error detected before any
	// network activity (empty topic, missing required field).
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindHandshakeTimeout:
		return "handshake timeout"
	case KindAckTimeout:
		return "ack timeout"
	case KindServer:
		return "server"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is the typed failure carried by every error this module
// returns to callers. None of these are fatal to the process.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("realtime: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so callers can match with errors.Is against
// a bare &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// NewError creates a typed failure of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError creates a typed failure wrapping an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the ErrorKind of err and true if err (or anything it
// wraps) is a realtime Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsConnection reports whether err is a connection failure.
func IsConnection(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConnection
}

// IsHandshakeTimeout reports whether err is a handshake timeout.
func IsHandshakeTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindHandshakeTimeout
}

// IsAckTimeout reports whether err is an acknowledgement timeout.
func IsAckTimeout(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindAckTimeout
}

// IsServer reports whether err is an explicit server error frame.
func IsServer(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindServer
}

// IsValidation reports whether err is a caller validation error.
func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}
