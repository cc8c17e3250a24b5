// Package users is the user service: registration, login, listing and
// principal lookup, served as remote call handlers.
package users

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/auth"
	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/pkg/password"
	"github.com/c360/taskmesh/responder"
)

// Paging limits for find-all-users
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// MsgInvalidLogin is returned for both unknown emails and wrong passwords.
const MsgInvalidLogin = "invalid email or password"

// RegisterRequest is the register request body.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the login request body.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SubjectReply carries the id of the registered or logged in user.
type SubjectReply struct {
	SubjectID string `json:"subjectId"`
}

// FindAllRequest selects one page of users. Zero values take the defaults.
type FindAllRequest struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// FindAllReply is one page of users.
type FindAllReply struct {
	Users []*auth.Principal `json:"users"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// Service implements the user operations over a Store.
type Service struct {
	store  Store
	hasher *password.Hasher
	logger *slog.Logger
	now    func() time.Time

	// dummyHash is verified against on unknown emails so both login
	// failures cost one argon2 evaluation.
	dummyHash string
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService creates the user service.
func NewService(store Store, hasher *password.Hasher, opts ...Option) (*Service, error) {
	s := &Service{store: store, hasher: hasher, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "users")

	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, errors.WrapFatal(err, "Service", "NewService", "prepare dummy hash")
	}
	s.dummyHash = dummy
	return s, nil
}

// Mount registers the user operations on r.
func (s *Service) Mount(r *responder.Responder) error {
	handlers := []struct {
		op string
		h  responder.Handler
	}{
		{envelope.TopicRegister, responder.Typed(s.Register)},
		{envelope.TopicLogin, responder.Typed(s.Login)},
		{envelope.TopicFindAllUsers, responder.Typed(s.FindAll)},
		{envelope.TopicFetchPrincipal, responder.Typed(s.FetchPrincipal)},
	}
	for _, e := range handlers {
		if err := r.Handle(e.op, e.h); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user and returns its id.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (SubjectReply, error) {
	name := strings.TrimSpace(req.Name)
	email := NormalizeEmail(req.Email)

	switch {
	case name == "":
		return SubjectReply{}, envelope.BadRequest("name is required")
	case email == "":
		return SubjectReply{}, envelope.BadRequest("email is required")
	case req.Password == "":
		return SubjectReply{}, envelope.BadRequest("password is required")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return SubjectReply{}, envelope.BadRequest("email is invalid")
	}
	if err := password.CheckLength(req.Password); err != nil {
		return SubjectReply{}, envelope.BadRequest("password must be between %d and %d bytes",
			password.MinLength, password.MaxLength)
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return SubjectReply{}, errors.Wrap(err, "Service", "Register", "hash password")
	}

	u := &User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		if stderrors.Is(err, ErrEmailTaken) {
			return SubjectReply{}, envelope.Conflict("email %s is already registered", email)
		}
		return SubjectReply{}, errors.Wrap(err, "Service", "Register", "store user")
	}

	s.logger.Info("user registered", "subject_id", u.ID)
	return SubjectReply{SubjectID: u.ID}, nil
}

// Login checks the credentials and returns the user's id.
func (s *Service) Login(ctx context.Context, req LoginRequest) (SubjectReply, error) {
	email := NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		return SubjectReply{}, envelope.BadRequest("email and password are required")
	}

	u, err := s.store.GetByEmail(ctx, email)
	if err != nil && !stderrors.Is(err, ErrNotFound) {
		return SubjectReply{}, errors.Wrap(err, "Service", "Login", "look up user")
	}

	hash := s.dummyHash
	if u != nil {
		hash = u.PasswordHash
	}
	ok, verr := s.hasher.Verify(req.Password, hash)
	if verr != nil {
		return SubjectReply{}, errors.Wrap(verr, "Service", "Login", "verify password")
	}
	if u == nil || !ok {
		return SubjectReply{}, envelope.Unauthorized(MsgInvalidLogin)
	}

	if err := s.store.TouchLogin(ctx, u.ID, s.now().UTC()); err != nil {
		s.logger.Warn("record login time", "subject_id", u.ID, "error", err)
	}
	return SubjectReply{SubjectID: u.ID}, nil
}

// FindAll returns one page of users ordered by creation time.
func (s *Service) FindAll(ctx context.Context, req FindAllRequest) (FindAllReply, error) {
	page, limit := req.Page, req.Limit
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	all, err := s.store.List(ctx)
	if err != nil {
		return FindAllReply{}, errors.Wrap(err, "Service", "FindAll", "list users")
	}

	reply := FindAllReply{Users: []*auth.Principal{}, Total: len(all), Page: page, Limit: limit}
	start := (page - 1) * limit
	if start >= len(all) {
		return reply, nil
	}
	end := min(start+limit, len(all))
	for _, u := range all[start:end] {
		reply.Users = append(reply.Users, u.Principal())
	}
	return reply, nil
}

// FetchPrincipal returns the principal for a subject id.
func (s *Service) FetchPrincipal(ctx context.Context, req auth.FetchPrincipalRequest) (auth.FetchPrincipalReply, error) {
	if req.SubjectID == "" {
		return auth.FetchPrincipalReply{}, envelope.BadRequest("subjectId is required")
	}
	u, err := s.store.Get(ctx, req.SubjectID)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return auth.FetchPrincipalReply{}, envelope.NotFound("user %s not found", req.SubjectID)
		}
		return auth.FetchPrincipalReply{}, errors.Wrap(err, "Service", "FetchPrincipal", "read user")
	}
	return auth.FetchPrincipalReply{Principal: u.Principal()}, nil
}
