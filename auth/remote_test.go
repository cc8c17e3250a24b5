package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/broker"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/requestreply"
)

// reply answers every request on topic with fn's result.
func reply(t *testing.T, b *broker.Memory, topic string, fn func(payload []byte) (any, *envelope.RemoteError)) {
	t.Helper()
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, data []byte) {
		req, err := envelope.JSON.DecodeEnvelope(data)
		require.NoError(t, err)

		out := envelope.Envelope{CorrelationID: req.CorrelationID}
		body, remoteErr := fn(req.Payload)
		if remoteErr != nil {
			out.Error = remoteErr
		} else {
			out.Payload, err = envelope.JSON.Marshal(body)
			require.NoError(t, err)
		}
		data, err = envelope.JSON.EncodeEnvelope(out)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, req.ReplyTo, data))
	})
	require.NoError(t, err)
}

func newAuthority(t *testing.T, b *broker.Memory) *RemoteAuthority {
	t.Helper()
	client := requestreply.New(b, requestreply.WithTimeout(100*time.Millisecond))
	authority := NewRemoteAuthority(client, "")
	require.NoError(t, client.SubscribeToResponseOf(authority.Topics()...))
	require.NoError(t, client.Connect(context.Background()))
	return authority
}

func TestRemoteAuthority_EndToEnd(t *testing.T) {
	b := broker.NewMemory()
	reply(t, b, envelope.TopicVerifyCredential, func(payload []byte) (any, *envelope.RemoteError) {
		var req VerifyRequest
		require.NoError(t, envelope.JSON.Unmarshal(payload, &req))
		if req.Token != testToken {
			return nil, envelope.Unauthorized("invalid credential")
		}
		return VerifyReply{SubjectID: "u1"}, nil
	})
	reply(t, b, envelope.TopicFetchPrincipal, func(payload []byte) (any, *envelope.RemoteError) {
		var req FetchPrincipalRequest
		require.NoError(t, envelope.JSON.Unmarshal(payload, &req))
		if req.SubjectID != "u1" {
			return nil, envelope.NotFound("user %s not found", req.SubjectID)
		}
		return FetchPrincipalReply{Principal: alice}, nil
	})

	authority := newAuthority(t, b)
	o := NewOrchestrator(authority, authority)

	ac, err := o.Authorize(context.Background(), "Bearer "+testToken)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", ac.Principal.Email)
	assert.True(t, ac.Principal.CreatedAt.Equal(alice.CreatedAt))
}

func TestRemoteAuthority_RejectedCredential(t *testing.T) {
	b := broker.NewMemory()
	reply(t, b, envelope.TopicVerifyCredential, func([]byte) (any, *envelope.RemoteError) {
		return nil, envelope.Unauthorized("credential revoked")
	})
	fetched := false
	reply(t, b, envelope.TopicFetchPrincipal, func([]byte) (any, *envelope.RemoteError) {
		fetched = true
		return FetchPrincipalReply{Principal: alice}, nil
	})

	authority := newAuthority(t, b)
	o := NewOrchestrator(authority, authority)

	_, err := o.Authorize(context.Background(), "Bearer "+testToken)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
	assert.False(t, fetched)
}

func TestRemoteAuthority_TimeoutIsUnauthorized(t *testing.T) {
	b := broker.NewMemory()
	authority := newAuthority(t, b)
	o := NewOrchestrator(authority, authority)

	_, err := o.Authorize(context.Background(), "Bearer "+testToken)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
}

func TestRemoteAuthority_EmptyReplies(t *testing.T) {
	b := broker.NewMemory()
	reply(t, b, envelope.TopicVerifyCredential, func([]byte) (any, *envelope.RemoteError) {
		return VerifyReply{}, nil
	})
	reply(t, b, envelope.TopicFetchPrincipal, func([]byte) (any, *envelope.RemoteError) {
		return FetchPrincipalReply{}, nil
	})
	authority := newAuthority(t, b)

	_, err := authority.VerifyCredential(context.Background(), testToken)
	assert.True(t, errors.IsKind(err, errors.KindDownstream))

	_, err = authority.FetchPrincipal(context.Background(), "u1")
	assert.True(t, errors.IsKind(err, errors.KindDownstream))
}

func TestRemoteAuthority_TopicPrefix(t *testing.T) {
	authority := NewRemoteAuthority(requestreply.New(broker.NewMemory()), "prod")
	assert.Equal(t, []string{"prod.verify-credential", "prod.fetch-principal"}, authority.Topics())
}
