// Package envelope defines the CallEnvelope exchanged between request-reply
// clients and remote handlers, and the codecs that put it on the wire.
package envelope

import (
	"fmt"
	"strings"
)

// Remote error kinds a handler may report.
const (
	RemoteBadRequest   = "bad_request"
	RemoteUnauthorized = "unauthorized"
	RemoteNotFound     = "not_found"
	RemoteConflict     = "conflict"
	RemoteInternal     = "internal"
)

// Envelope is one request or one reply. A reply carries the correlation id of
// the request it answers and either a payload or an error.
type Envelope struct {
	CorrelationID string
	ReplyTo       string
	Payload       []byte // codec-encoded body, nil when absent
	Error         *RemoteError
}

// RemoteError is the structured failure a remote handler returns.
type RemoteError struct {
	Kind    string `json:"kind" cbor:"kind"`
	Message string `json:"message" cbor:"message"`
}

// Error implements the error interface so handlers can return it directly.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewRemoteError builds a RemoteError.
func NewRemoteError(kind, message string) *RemoteError {
	return &RemoteError{Kind: kind, Message: message}
}

// BadRequest reports invalid input.
func BadRequest(format string, args ...any) *RemoteError {
	return NewRemoteError(RemoteBadRequest, fmt.Sprintf(format, args...))
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *RemoteError {
	return NewRemoteError(RemoteNotFound, fmt.Sprintf(format, args...))
}

// Conflict reports a uniqueness violation.
func Conflict(format string, args ...any) *RemoteError {
	return NewRemoteError(RemoteConflict, fmt.Sprintf(format, args...))
}

// Unauthorized reports a rejected credential.
func Unauthorized(format string, args ...any) *RemoteError {
	return NewRemoteError(RemoteUnauthorized, fmt.Sprintf(format, args...))
}

// Operation topics
const (
	TopicVerifyCredential  = "verify-credential"
	TopicFetchPrincipal    = "fetch-principal"
	TopicCreateCredential  = "create-credential"
	TopicDestroyCredential = "destroy-credential"
	TopicRegister          = "register"
	TopicLogin             = "login"
	TopicFindAllUsers      = "find-all-users"
	TopicCreateTask        = "create-task"
	TopicListTasks         = "list-tasks"
)

// Topic joins an optional namespace prefix with an operation name.
func Topic(prefix, op string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return op
	}
	return prefix + "." + op
}

// ReplyTopic is the reply subject paired with a request topic for one client
// instance.
func ReplyTopic(topic, instanceID string) string {
	if instanceID == "" {
		return topic + ".reply"
	}
	return topic + ".reply." + instanceID
}
