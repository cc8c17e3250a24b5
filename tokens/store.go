package tokens

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c360/taskmesh/errors"
)

// ErrNoCredential means no live credential is stored for the subject.
var ErrNoCredential = stderrors.New("no credential stored")

// KeyPrefix prefixes every credential key.
const KeyPrefix = "credential:"

// Store holds the single live credential of each subject.
type Store interface {
	// Put replaces the subject's credential; it expires after ttl.
	Put(ctx context.Context, subjectID, token string, ttl time.Duration) error
	// Matches reports whether token is the subject's live credential.
	Matches(ctx context.Context, subjectID, token string) (bool, error)
	// Delete removes the credential and reports whether one existed.
	Delete(ctx context.Context, subjectID string) (bool, error)
}

// RedisStore keeps a SHA-256 digest of each credential at
// credential:<subjectId> with the token's TTL.
type RedisStore struct {
	rdb redis.UniversalClient
}

// NewRedisStore creates a store on rdb.
func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func credentialKey(subjectID string) string { return KeyPrefix + subjectID }

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (s *RedisStore) Put(ctx context.Context, subjectID, token string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, credentialKey(subjectID), digest(token), ttl).Err(); err != nil {
		return errors.WrapTransient(err, "RedisStore", "Put", "store credential")
	}
	return nil
}

func (s *RedisStore) Matches(ctx context.Context, subjectID, token string) (bool, error) {
	stored, err := s.rdb.Get(ctx, credentialKey(subjectID)).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return false, ErrNoCredential
		}
		return false, errors.WrapTransient(err, "RedisStore", "Matches", "read credential")
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(digest(token))) == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, subjectID string) (bool, error) {
	n, err := s.rdb.Del(ctx, credentialKey(subjectID)).Result()
	if err != nil {
		return false, errors.WrapTransient(err, "RedisStore", "Delete", "delete credential")
	}
	return n > 0, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
