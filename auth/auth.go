// Package auth authorizes gateway requests by chaining two remote calls:
// verify-credential resolves the bearer token to a subject id, then
// fetch-principal loads the user behind it. The resolved principal travels
// in the request context as an AuthContext.
package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
)

// FailureMessage is the only failure text callers ever see.
const FailureMessage = "Authorization failed, please retry"

// Principal is a user record without credentials.
type Principal struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthContext is attached to an authorized request.
type AuthContext struct {
	Principal       *Principal
	CredentialToken string
}

// Verifier resolves a credential token to the subject id it was issued for.
type Verifier interface {
	VerifyCredential(ctx context.Context, token string) (string, error)
}

// PrincipalFetcher loads the principal for a subject id.
type PrincipalFetcher interface {
	FetchPrincipal(ctx context.Context, subjectID string) (*Principal, error)
}

// Failing stages, recorded in logs and metrics only.
const (
	StageExtract = "extract"
	StageVerify  = "verify"
	StageFetch   = "fetch"
)

// Orchestrator runs the authorization chain.
type Orchestrator struct {
	verifier Verifier
	fetcher  PrincipalFetcher
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics counts decisions by outcome and failing stage.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(v Verifier, f PrincipalFetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{verifier: v, fetcher: f, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "auth")
	return o
}

// Authorize extracts the bearer token from header, verifies it, and fetches
// the principal. fetch-principal is only called after verify-credential
// succeeded and while ctx is live. Every failure is an Unauthorized error
// whose message is FailureMessage; the cause stays in the chain.
func (o *Orchestrator) Authorize(ctx context.Context, header string) (*AuthContext, error) {
	token, err := ExtractCredential(header)
	if err != nil {
		return nil, o.deny(ctx, StageExtract, err)
	}

	subjectID, err := o.verifier.VerifyCredential(ctx, token)
	if err != nil {
		return nil, o.deny(ctx, StageVerify, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, o.deny(ctx, StageVerify, errors.WrapKind(errors.KindCanceled, "auth.Authorize",
			"request ended before fetching principal", err))
	}

	principal, err := o.fetcher.FetchPrincipal(ctx, subjectID)
	if err != nil {
		return nil, o.deny(ctx, StageFetch, err)
	}

	o.metrics.RecordAuthDecision("allowed", "")
	return &AuthContext{Principal: principal, CredentialToken: token}, nil
}

func (o *Orchestrator) deny(ctx context.Context, stage string, cause error) error {
	o.metrics.RecordAuthDecision("denied", stage)
	o.logger.InfoContext(ctx, "authorization denied",
		"stage", stage, "kind", string(errors.KindOf(cause)), "error", cause)
	return errors.WrapKind(errors.KindUnauthorized, "auth.Authorize", FailureMessage, cause)
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying ac.
func WithContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext returns the AuthContext of an authorized request.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(*AuthContext)
	return ac, ok && ac != nil
}
