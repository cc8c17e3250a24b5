package responder

import (
	"context"

	"github.com/c360/taskmesh/envelope"
)

// Handler serves one request topic. The returned value becomes the reply
// payload; an *envelope.RemoteError anywhere in the error chain is sent to
// the caller as is, any other error is reported as internal.
type Handler interface {
	Serve(ctx context.Context, codec envelope.Codec, payload []byte) (any, error)
}

// HandlerFunc adapts a function over the raw request payload to a Handler.
type HandlerFunc func(ctx context.Context, payload []byte) (any, error)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, _ envelope.Codec, payload []byte) (any, error) {
	return f(ctx, payload)
}

type typed[Req, Resp any] struct {
	fn func(context.Context, Req) (Resp, error)
}

// Typed adapts fn to a Handler that decodes the request payload into Req with
// the responder's codec. An empty payload leaves Req at its zero value. A
// payload that does not decode is answered with bad_request.
func Typed[Req, Resp any](fn func(context.Context, Req) (Resp, error)) Handler {
	return typed[Req, Resp]{fn: fn}
}

func (t typed[Req, Resp]) Serve(ctx context.Context, codec envelope.Codec, payload []byte) (any, error) {
	var req Req
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, envelope.BadRequest("malformed request: %v", err)
		}
	}
	return t.fn(ctx, req)
}
