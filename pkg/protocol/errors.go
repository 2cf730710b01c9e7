package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure for retry and propagation decisions.
type Kind string

const (
	// KindConnect means the transport could not be established.
	KindConnect Kind = "connect"
	// KindHandshake means the peer handshake was malformed or timed out.
	KindHandshake Kind = "handshake"
	// KindConnectionLost means the transport dropped mid-session.
	KindConnectionLost Kind = "connection_lost"
	// KindTimeout means no response arrived within the deadline.
	KindTimeout Kind = "timeout"
	// KindSessionClosed means an operation was attempted after close.
	KindSessionClosed Kind = "session_closed"
	// KindUnknownServer means the logical server name is not configured.
	KindUnknownServer Kind = "unknown_server"
	// KindUnknownCapability means the server does not expose the tool.
	KindUnknownCapability Kind = "unknown_capability"
	// KindInvalidArgs means the arguments failed schema validation.
	KindInvalidArgs Kind = "invalid_args"
	// KindRemote means the server answered with an error result.
	KindRemote Kind = "remote"
)

// Error is the structured error value every runtime failure surfaces as.
type Error struct {
	Kind    Kind
	Server  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Server != "" {
		return fmt.Sprintf("%s: server %q: %s", e.Kind, e.Server, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an error of the given kind.
func NewError(kind Kind, server, message string) *Error {
	return &Error{Kind: kind, Server: server, Message: message}
}

// WrapError wraps an underlying cause under the given kind.
func WrapError(kind Kind, server string, err error) *Error {
	return &Error{Kind: kind, Server: server, Err: err}
}

// KindOf extracts the failure kind from an error chain. It returns the
// empty kind for errors the runtime did not produce.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Transient reports whether an error is retry-eligible. Only connection
// drops and timeouts qualify; validation and caller errors never do.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindConnectionLost, KindTimeout:
		return true
	default:
		return false
	}
}
