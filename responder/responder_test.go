package responder

import (
	"context"
	stderrors "errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
	"github.com/c360/taskmesh/requestreply"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoReply struct {
	Text string `json:"text"`
}

func upper(_ context.Context, req echoRequest) (echoReply, error) {
	return echoReply{Text: strings.ToUpper(req.Text)}, nil
}

func startResponder(t *testing.T, b broker.Broker, register func(r *Responder), opts ...Option) *Responder {
	t.Helper()

	r := New("echo", b, opts...)
	register(r)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(time.Second) })
	return r
}

func readyClient(t *testing.T, b broker.Broker, topics ...string) *requestreply.Client {
	t.Helper()

	c := requestreply.New(b, requestreply.WithInstanceID("test"), requestreply.WithTimeout(time.Second))
	require.NoError(t, c.SubscribeToResponseOf(topics...))
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestResponder_TypedRoundTrip(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("echo", Typed(upper)))
	})
	c := readyClient(t, b, "echo")

	reply, err := requestreply.Call[echoRequest, echoReply](context.Background(), c, "echo", echoRequest{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "HI", reply.Text)
}

func TestResponder_CBOR(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("echo", Typed(upper)))
	}, WithCodec(envelope.CBOR))

	c := requestreply.New(b, requestreply.WithCodec(envelope.CBOR), requestreply.WithTimeout(time.Second))
	require.NoError(t, c.SubscribeToResponseOf("echo"))
	require.NoError(t, c.Connect(context.Background()))

	reply, err := requestreply.Call[echoRequest, echoReply](context.Background(), c, "echo", echoRequest{Text: "cbor"})
	require.NoError(t, err)
	assert.Equal(t, "CBOR", reply.Text)
}

func TestResponder_RemoteErrorPassesThrough(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("lookup", Typed(func(_ context.Context, req echoRequest) (echoReply, error) {
			return echoReply{}, envelope.NotFound("no entry %q", req.Text)
		})))
	})
	c := readyClient(t, b, "lookup")

	_, err := requestreply.Call[echoRequest, echoReply](context.Background(), c, "lookup", echoRequest{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDownstream))
	assert.Equal(t, envelope.RemoteNotFound, errors.RemoteKindOf(err))
	assert.Contains(t, err.Error(), `no entry "x"`)
}

func TestResponder_WrappedRemoteError(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("register", HandlerFunc(func(context.Context, []byte) (any, error) {
			return nil, errors.Wrap(envelope.Conflict("email taken"), "users", "Register", "create user")
		})))
	})
	c := readyClient(t, b, "register")

	_, err := c.Send(context.Background(), "register", nil)
	require.Error(t, err)
	assert.Equal(t, envelope.RemoteConflict, errors.RemoteKindOf(err))
}

func TestResponder_InternalErrorHidesCause(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("fail", HandlerFunc(func(context.Context, []byte) (any, error) {
			return nil, stderrors.New("database password is hunter2")
		})))
	})
	c := readyClient(t, b, "fail")

	_, err := c.Send(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Equal(t, envelope.RemoteInternal, errors.RemoteKindOf(err))
	assert.Contains(t, err.Error(), MsgInternal)
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestResponder_MalformedPayloadIsBadRequest(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("echo", Typed(upper)))
	})
	c := readyClient(t, b, "echo")

	_, err := c.Send(context.Background(), "echo", []byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, envelope.RemoteBadRequest, errors.RemoteKindOf(err))
}

func TestResponder_NilResultHasNoPayload(t *testing.T) {
	b := broker.NewMemory()
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("noop", HandlerFunc(func(context.Context, []byte) (any, error) {
			return nil, nil
		})))
	})
	c := readyClient(t, b, "noop")

	data, err := c.Send(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestResponder_DropsBadEnvelopes(t *testing.T) {
	b := broker.NewMemory()
	registry := metric.NewMetricsRegistry()
	var calls atomic.Int32
	startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("echo", HandlerFunc(func(context.Context, []byte) (any, error) {
			calls.Add(1)
			return nil, nil
		})))
	}, WithMetrics(registry))

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "echo", []byte("garbage")))

	noReply, err := envelope.JSON.EncodeEnvelope(envelope.Envelope{CorrelationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "echo", noReply))

	handled := registry.CoreMetrics().HandledMessages
	assert.Equal(t, 1.0, testutil.ToFloat64(handled.WithLabelValues("echo", OutcomeMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(handled.WithLabelValues("echo", OutcomeNoReplyTo)))
	assert.Zero(t, calls.Load())
	assert.Equal(t, 2, b.PublishCount(), "nothing replied")
}

func TestResponder_QueueFullRepliesOverloaded(t *testing.T) {
	b := broker.NewMemory()
	release := make(chan struct{})
	r := startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("slow", HandlerFunc(func(context.Context, []byte) (any, error) {
			<-release
			return nil, nil
		})))
	}, WithWorkers(1, 1))
	defer close(release)

	var replies [][]byte
	_, err := b.Subscribe(context.Background(), "replies", func(_ context.Context, data []byte) {
		replies = append(replies, data)
	})
	require.NoError(t, err)

	publish := func(id string) {
		data, err := envelope.JSON.EncodeEnvelope(envelope.Envelope{CorrelationID: id, ReplyTo: "replies"})
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), "slow", data))
	}

	publish("busy")
	require.Eventually(t, func() bool { return r.Stats().Busy == 1 }, time.Second, time.Millisecond)
	publish("queued")
	publish("rejected")

	// The overload reply is published synchronously by the receiver.
	require.Len(t, replies, 1)
	env, err := envelope.JSON.DecodeEnvelope(replies[0])
	require.NoError(t, err)
	assert.Equal(t, "rejected", env.CorrelationID)
	require.NotNil(t, env.Error)
	assert.Equal(t, envelope.RemoteInternal, env.Error.Kind)
	assert.Equal(t, MsgOverloaded, env.Error.Message)
}

func TestResponder_QueueGroupSharesLoad(t *testing.T) {
	b := broker.NewMemory()
	var first, second atomic.Int32
	count := func(n *atomic.Int32) Handler {
		return HandlerFunc(func(context.Context, []byte) (any, error) {
			n.Add(1)
			return nil, nil
		})
	}
	startResponder(t, b, func(r *Responder) { require.NoError(t, r.Handle("work", count(&first))) })
	startResponder(t, b, func(r *Responder) { require.NoError(t, r.Handle("work", count(&second))) })
	c := readyClient(t, b, "work")

	for i := 0; i < 4; i++ {
		_, err := c.Send(context.Background(), "work", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), first.Load())
	assert.Equal(t, int32(2), second.Load())
}

func TestResponder_TopicPrefix(t *testing.T) {
	b := broker.NewMemory()
	r := startResponder(t, b, func(r *Responder) {
		require.NoError(t, r.Handle("echo", Typed(upper)))
	}, WithTopicPrefix("taskmesh"))

	assert.Equal(t, []string{"taskmesh.echo"}, r.Topics())
	assert.Equal(t, 1, b.SubscriberCount("taskmesh.echo"))
}

func TestResponder_Registration(t *testing.T) {
	b := broker.NewMemory()
	r := New("svc", b)

	assert.Error(t, r.Handle("", Typed(upper)))
	assert.Error(t, r.Handle("echo", nil))

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	require.NoError(t, r.Handle("echo", Typed(upper)))
	assert.Error(t, r.Handle("echo", Typed(upper)), "duplicate")

	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	assert.ErrorIs(t, r.Handle("late", Typed(upper)), errors.ErrAlreadyStarted)
	assert.ErrorIs(t, r.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestResponder_StartFailsOnFlush(t *testing.T) {
	b := broker.NewMemory()
	b.FailFlush(stderrors.New("flush failed"))

	r := New("svc", b)
	require.NoError(t, r.Handle("echo", Typed(upper)))

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 0, b.SubscriberCount("echo"))
}

func TestResponder_StopUnsubscribes(t *testing.T) {
	b := broker.NewMemory()
	r := New("svc", b)
	require.NoError(t, r.Handle("echo", Typed(upper)))
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, 1, b.SubscriberCount("echo"))

	require.NoError(t, r.Stop(time.Second))
	assert.Equal(t, 0, b.SubscriberCount("echo"))
	assert.NoError(t, r.Stop(time.Second))
}
