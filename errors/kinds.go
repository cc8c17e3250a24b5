package errors

import (
	"errors"
)

// Kind identifies a failure of the request-reply transport or the
// authorization chain.
type Kind string

// Transport and authorization error kinds
const (
	KindMalformedCredential Kind = "MalformedCredential"
	KindUnauthorized        Kind = "Unauthorized"
	KindNotReady            Kind = "NotReady"
	KindTimeout             Kind = "Timeout"
	KindDownstream          Kind = "DownstreamError"
	KindBrokerUnavailable   Kind = "BrokerUnavailable"
	KindCanceled            Kind = "Canceled"
)

// Class maps a kind onto the retry classification used by IsTransient and friends.
func (k Kind) Class() ErrorClass {
	switch k {
	case KindTimeout, KindNotReady, KindBrokerUnavailable, KindCanceled:
		return ErrorTransient
	case KindMalformedCredential, KindUnauthorized, KindDownstream:
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Error is a kinded error. For KindDownstream, RemoteKind and Message carry
// the structured failure returned by the remote handler.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RemoteKind string
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// NewKind creates a kinded error without a cause.
func NewKind(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapKind attaches a kind to err. A nil err still yields a non-nil error.
func WrapKind(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Downstream creates a DownstreamError from a remote failure.
func Downstream(op, remoteKind, message string) *Error {
	return &Error{Kind: KindDownstream, Op: op, Message: message, RemoteKind: remoteKind}
}

// KindOf returns the kind of the outermost kinded error in the chain, or ""
// when there is none.
func KindOf(err error) Kind {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether the outermost kinded error in err's chain has kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// RemoteKindOf returns the remote kind of a DownstreamError, or "".
func RemoteKindOf(err error) string {
	var ke *Error
	if errors.As(err, &ke) && ke.Kind == KindDownstream {
		return ke.RemoteKind
	}
	return ""
}
