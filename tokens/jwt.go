package tokens

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/c360/taskmesh/errors"
)

// MinSecretLength is the shortest HS256 secret accepted, in bytes.
const MinSecretLength = 32

// Config configures token issuing and verification.
type Config struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	// Leeway tolerates clock skew on exp and iat.
	Leeway time.Duration
}

// Claims are the registered claims of a credential token.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager issues and parses HS256 credential tokens.
type Manager struct {
	cfg Config
	now func() time.Time
}

// NewManager validates cfg and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case len(cfg.Secret) < MinSecretLength:
		return nil, errors.WrapInvalid(fmt.Errorf("secret must be at least %d bytes", MinSecretLength),
			"Manager", "NewManager", "validate config")
	case cfg.TTL <= 0:
		return nil, errors.WrapInvalid(stderrors.New("ttl must be positive"), "Manager", "NewManager", "validate config")
	case cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute:
		return nil, errors.WrapInvalid(stderrors.New("leeway must be within [0, 2m]"), "Manager", "NewManager", "validate config")
	case cfg.Issuer == "":
		return nil, errors.WrapInvalid(stderrors.New("issuer is required"), "Manager", "NewManager", "validate config")
	}
	return &Manager{cfg: cfg, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.cfg.TTL
}

// Issue signs a token for subjectID valid for the configured TTL.
func (m *Manager) Issue(subjectID string) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subjectID,
		Issuer:    m.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		ID:        uuid.NewString(),
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", nil, errors.WrapFatal(err, "Manager", "Issue", "sign token")
	}
	return signed, claims, nil
}

// Parse checks the signature, algorithm, issuer and expiry of token and
// returns its claims.
func (m *Manager) Parse(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.cfg.Leeway),
		jwt.WithTimeFunc(m.now),
	)

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.cfg.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
