// Package broker defines the publish/subscribe surface the request-reply core
// consumes, plus an in-process implementation.
package broker

import (
	"context"
)

// Handler receives the raw payload of one message.
type Handler func(ctx context.Context, data []byte)

// Subscription is a live interest in a subject.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// Broker is a many-producer, many-consumer pub/sub transport.
//
// Publish is fire-and-forget. A message published before a matching
// subscription exists is lost, so callers that expect replies must subscribe
// and Flush first.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	// QueueSubscribe delivers each message to one member of the queue group.
	QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (Subscription, error)
	// Flush returns once the broker has processed every subscription change
	// issued so far.
	Flush(ctx context.Context) error
	// WaitForConnection blocks until the underlying connection is healthy.
	WaitForConnection(ctx context.Context) error
}
