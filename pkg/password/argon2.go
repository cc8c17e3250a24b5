// Package password hashes and verifies passwords with argon2id, storing
// parameters, salt and key together in the PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/c360/taskmesh/errors"
)

const (
	algorithmID = "argon2id"

	// MinLength and MaxLength bound the password in bytes.
	MinLength = 8
	MaxLength = 1024

	minMemoryKB   uint32 = 8 * 1024
	minSaltLength uint32 = 16
	minKeyLength  uint32 = 16
)

// Password errors
var (
	ErrTooShort      = stderrors.New("password too short")
	ErrTooLong       = stderrors.New("password too long")
	ErrMalformedHash = stderrors.New("malformed password hash")
)

// Params are the argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams follow the RFC 9106 second recommended option.
func DefaultParams() Params {
	return Params{Memory: 64 * 1024, Time: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

// LightParams are the cheapest accepted parameters, for tests and
// constrained deployments.
func LightParams() Params {
	return Params{Memory: minMemoryKB, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func (p Params) validate() error {
	switch {
	case p.Memory < minMemoryKB:
		return fmt.Errorf("memory must be >= %d KiB", minMemoryKB)
	case p.Time < 1:
		return stderrors.New("time must be >= 1")
	case p.Parallelism < 1:
		return stderrors.New("parallelism must be >= 1")
	case p.SaltLength < minSaltLength:
		return fmt.Errorf("salt length must be >= %d", minSaltLength)
	case p.KeyLength < minKeyLength:
		return fmt.Errorf("key length must be >= %d", minKeyLength)
	}
	return nil
}

// Hasher hashes with fixed parameters and verifies hashes made with any
// parameters.
type Hasher struct {
	params Params
}

// NewHasher validates params and returns a Hasher.
func NewHasher(params Params) (*Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Hasher", "NewHasher", "validate params")
	}
	return &Hasher{params: params}, nil
}

// CheckLength reports ErrTooShort or ErrTooLong for passwords outside
// [MinLength, MaxLength] bytes.
func CheckLength(password string) error {
	switch {
	case len(password) < MinLength:
		return ErrTooShort
	case len(password) > MaxLength:
		return ErrTooLong
	}
	return nil
}

// Hash returns the PHC string for password under a fresh random salt.
func (h *Hasher) Hash(password string) (string, error) {
	if err := CheckLength(password); err != nil {
		return "", err
	}

	salt := make([]byte, h.params.SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", errors.WrapFatal(err, "Hasher", "Hash", "read salt")
	}

	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID, argon2.Version,
		h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. Over-long passwords never
// match. A malformed hash is an error.
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	phc, err := parse(encoded)
	if err != nil {
		return false, err
	}
	if len(password) > MaxLength {
		return false, nil
	}

	key := argon2.IDKey([]byte(password), phc.salt, phc.params.Time, phc.params.Memory,
		phc.params.Parallelism, uint32(len(phc.key)))
	return subtle.ConstantTimeCompare(key, phc.key) == 1, nil
}

// NeedsRehash reports whether encoded was made with weaker parameters than
// the Hasher's.
func (h *Hasher) NeedsRehash(encoded string) (bool, error) {
	phc, err := parse(encoded)
	if err != nil {
		return false, err
	}
	p := phc.params
	return p.Memory < h.params.Memory ||
		p.Time < h.params.Time ||
		p.Parallelism < h.params.Parallelism ||
		uint32(len(phc.key)) != h.params.KeyLength, nil
}

type phc struct {
	params Params
	salt   []byte
	key    []byte
}

func parse(encoded string) (*phc, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != algorithmID {
		return nil, ErrMalformedHash
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("%w: unsupported version %s", ErrMalformedHash, parts[2])
	}

	var p Params
	for _, pair := range strings.Split(parts[3], ",") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, ErrMalformedHash
		}
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: bad parameter %s", ErrMalformedHash, pair)
		}
		switch name {
		case "m":
			p.Memory = uint32(n)
		case "t":
			p.Time = uint32(n)
		case "p":
			if n > 255 {
				return nil, fmt.Errorf("%w: bad parameter %s", ErrMalformedHash, pair)
			}
			p.Parallelism = uint8(n)
		default:
			return nil, fmt.Errorf("%w: unknown parameter %s", ErrMalformedHash, name)
		}
	}
	if p.Memory == 0 || p.Time == 0 || p.Parallelism == 0 {
		return nil, fmt.Errorf("%w: missing parameters", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || uint32(len(salt)) < minSaltLength {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformedHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("%w: bad key", ErrMalformedHash)
	}

	return &phc{params: p, salt: salt, key: key}, nil
}
