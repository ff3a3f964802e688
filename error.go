package busrpc

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrDisconnected is the error with which calls fail when their
// Session is closed before a reply arrives.
const ErrDisconnected = errors.ConstError("session disconnected")

// EncodeError is the error returned when a value cannot be
// represented in the DBus wire format.
type EncodeError struct {
	// Type describes the value that caused the error, either as a
	// DBus signature or as a Go type.
	Type string
	// Reason is an explanation of why the value isn't representable.
	Reason error
}

func (e EncodeError) Error() string {
	return fmt.Sprintf("cannot encode %s: %s", e.Type, e.Reason)
}

func (e EncodeError) Unwrap() error {
	return e.Reason
}

func encodeErr(typ string, reason string, args ...any) error {
	return EncodeError{typ, fmt.Errorf(reason, args...)}
}

// DecodeError is the error returned when a message body cannot be
// decoded.
type DecodeError struct {
	// Signature is the signature of the message body.
	Signature string
	// Reason is the underlying failure.
	Reason error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decoding message body %q: %s", e.Signature, e.Reason)
}

func (e DecodeError) Unwrap() error {
	return e.Reason
}

// RemoteError is the error returned when the peer answers a call
// with a DBus error reply.
type RemoteError struct {
	// Name is the error name provided by the remote peer, for example
	// "org.freedesktop.DBus.Error.UnknownMethod".
	Name string
	// Message is the human-readable explanation of what went wrong.
	Message string
}

func (e RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Message)
}

// TransportError is the error returned when the bus connection fails
// while a call is in progress.
type TransportError struct {
	// Op is the operation that failed.
	Op string
	// Err is the underlying failure.
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("bus %s: %s", e.Op, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}
