package auth

import (
	"context"

	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/requestreply"
)

// VerifyRequest is the verify-credential request body.
type VerifyRequest struct {
	Token string `json:"token" cbor:"token"`
}

// VerifyReply is the verify-credential reply body.
type VerifyReply struct {
	SubjectID string `json:"subjectId" cbor:"subjectId"`
}

// FetchPrincipalRequest is the fetch-principal request body.
type FetchPrincipalRequest struct {
	SubjectID string `json:"subjectId" cbor:"subjectId"`
}

// FetchPrincipalReply is the fetch-principal reply body.
type FetchPrincipalReply struct {
	Principal *Principal `json:"principal" cbor:"principal"`
}

// RemoteAuthority implements Verifier and PrincipalFetcher with remote
// calls over a request-reply client.
type RemoteAuthority struct {
	client      *requestreply.Client
	verifyTopic string
	fetchTopic  string
}

// NewRemoteAuthority uses client for verify-credential and fetch-principal
// under the given topic prefix.
func NewRemoteAuthority(client *requestreply.Client, prefix string) *RemoteAuthority {
	return &RemoteAuthority{
		client:      client,
		verifyTopic: envelope.Topic(prefix, envelope.TopicVerifyCredential),
		fetchTopic:  envelope.Topic(prefix, envelope.TopicFetchPrincipal),
	}
}

// Topics returns the request topics whose replies the client must subscribe to.
func (r *RemoteAuthority) Topics() []string {
	return []string{r.verifyTopic, r.fetchTopic}
}

// VerifyCredential implements Verifier
func (r *RemoteAuthority) VerifyCredential(ctx context.Context, token string) (string, error) {
	reply, err := requestreply.Call[VerifyRequest, VerifyReply](ctx, r.client, r.verifyTopic, VerifyRequest{Token: token})
	if err != nil {
		return "", err
	}
	if reply.SubjectID == "" {
		return "", errors.Downstream(r.verifyTopic, envelope.RemoteInternal, "reply without subject id")
	}
	return reply.SubjectID, nil
}

// FetchPrincipal implements PrincipalFetcher
func (r *RemoteAuthority) FetchPrincipal(ctx context.Context, subjectID string) (*Principal, error) {
	reply, err := requestreply.Call[FetchPrincipalRequest, FetchPrincipalReply](ctx, r.client, r.fetchTopic,
		FetchPrincipalRequest{SubjectID: subjectID})
	if err != nil {
		return nil, err
	}
	if reply.Principal == nil {
		return nil, errors.Downstream(r.fetchTopic, envelope.RemoteInternal, "reply without principal")
	}
	return reply.Principal, nil
}
