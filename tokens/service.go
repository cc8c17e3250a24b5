// Package tokens is the credential service. It issues HS256 JWTs, keeps the
// live credential of each subject in Redis, and verifies presented tokens
// against both the signature and the stored credential, so a destroyed
// credential stops verifying before it expires.
package tokens

import (
	"context"
	"log/slog"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/responder"
)

// MsgInvalidCredential is the message of every verify-credential failure.
const MsgInvalidCredential = "invalid or expired credential"

// CreateRequest is the create-credential request body.
type CreateRequest struct {
	SubjectID string `json:"subjectId"`
}

// CreateReply carries the issued token.
type CreateReply struct {
	Token string `json:"token"`
}

// DestroyRequest is the destroy-credential request body.
type DestroyRequest struct {
	SubjectID string `json:"subjectId"`
}

// DestroyReply reports whether a live credential was removed.
type DestroyReply struct {
	Destroyed bool `json:"destroyed"`
}

// Service implements the credential operations.
type Service struct {
	manager *Manager
	store   Store
	logger  *slog.Logger
}

// NewService creates the credential service.
func NewService(manager *Manager, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: manager, store: store, logger: logger.With("component", "tokens")}
}

// Mount registers the credential operations on r.
func (s *Service) Mount(r *responder.Responder) error {
	if err := r.Handle(envelope.TopicCreateCredential, responder.Typed(s.CreateCredential)); err != nil {
		return err
	}
	if err := r.Handle(envelope.TopicVerifyCredential, responder.Typed(s.VerifyCredential)); err != nil {
		return err
	}
	return r.Handle(envelope.TopicDestroyCredential, responder.Typed(s.DestroyCredential))
}

// CreateCredential issues a token for the subject, replacing any previous one.
func (s *Service) CreateCredential(ctx context.Context, req CreateRequest) (CreateReply, error) {
	if req.SubjectID == "" {
		return CreateReply{}, envelope.BadRequest("subjectId is required")
	}

	token, _, err := s.manager.Issue(req.SubjectID)
	if err != nil {
		return CreateReply{}, err
	}
	if err := s.store.Put(ctx, req.SubjectID, token, s.manager.TTL()); err != nil {
		return CreateReply{}, errors.Wrap(err, "Service", "CreateCredential", "store credential")
	}
	return CreateReply{Token: token}, nil
}

// VerifyCredential returns the subject of a valid, live token. Every failure
// is reported as unauthorized with the same message.
func (s *Service) VerifyCredential(ctx context.Context, req auth.VerifyRequest) (auth.VerifyReply, error) {
	claims, err := s.manager.Parse(req.Token)
	if err != nil {
		s.logger.Debug("token rejected", "error", err)
		return auth.VerifyReply{}, envelope.Unauthorized(MsgInvalidCredential)
	}

	live, err := s.store.Matches(ctx, claims.Subject, req.Token)
	if err != nil || !live {
		s.logger.Debug("credential not live", "subject_id", claims.Subject, "error", err)
		return auth.VerifyReply{}, envelope.Unauthorized(MsgInvalidCredential)
	}
	return auth.VerifyReply{SubjectID: claims.Subject}, nil
}

// DestroyCredential removes the subject's credential. Destroying a missing
// credential succeeds.
func (s *Service) DestroyCredential(ctx context.Context, req DestroyRequest) (DestroyReply, error) {
	if req.SubjectID == "" {
		return DestroyReply{}, envelope.BadRequest("subjectId is required")
	}
	destroyed, err := s.store.Delete(ctx, req.SubjectID)
	if err != nil {
		return DestroyReply{}, errors.Wrap(err, "Service", "DestroyCredential", "delete credential")
	}
	return DestroyReply{Destroyed: destroyed}, nil
}
