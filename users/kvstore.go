package users

import (
	"context"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/natsclient"
)

// Key prefixes in the users bucket
const (
	userKeyPrefix  = "user."
	emailKeyPrefix = "email."
)

// KV is the subset of natsclient.KVStore the user store needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

var _ KV = (*natsclient.KVStore)(nil)

// KVStore keeps users in a JetStream KV bucket. Each user is stored as JSON
// under user.<id>; email.<hex(email)> holds the id and is created with CAS
// so two registrations cannot claim one email.
type KVStore struct {
	kv KV
}

// NewKVStore creates a store on kv.
func NewKVStore(kv KV) *KVStore {
	return &KVStore{kv: kv}
}

func userKey(id string) string { return userKeyPrefix + id }

// Email addresses may contain characters that are not valid in KV keys.
func emailKey(email string) string { return emailKeyPrefix + hex.EncodeToString([]byte(email)) }

func (s *KVStore) Create(ctx context.Context, u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return errors.WrapInvalid(err, "KVStore", "Create", "encode user")
	}

	if _, err := s.kv.Create(ctx, emailKey(u.Email), []byte(u.ID)); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return ErrEmailTaken
		}
		return errors.WrapTransient(err, "KVStore", "Create", "claim email")
	}

	if _, err := s.kv.Create(ctx, userKey(u.ID), data); err != nil {
		if rbErr := s.kv.Delete(ctx, emailKey(u.Email)); rbErr != nil {
			err = stderrors.Join(err, fmt.Errorf("release email: %w", rbErr))
		}
		return errors.WrapTransient(err, "KVStore", "Create", "store user")
	}
	return nil
}

func (s *KVStore) Get(ctx context.Context, id string) (*User, error) {
	entry, err := s.kv.Get(ctx, userKey(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "read user")
	}
	return decodeUser(entry.Value)
}

func (s *KVStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	entry, err := s.kv.Get(ctx, emailKey(email))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, errors.WrapTransient(err, "KVStore", "GetByEmail", "read email index")
	}
	return s.Get(ctx, string(entry.Value))
}

func (s *KVStore) List(ctx context.Context) ([]*User, error) {
	keys, err := s.kv.Keys(ctx, userKeyPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list keys")
	}

	list := make([]*User, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			// Deleted between listing and reading.
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "KVStore", "List", "read "+key)
		}
		u, err := decodeUser(entry.Value)
		if err != nil {
			return nil, err
		}
		list = append(list, u)
	}

	sortUsers(list)
	return list, nil
}

func (s *KVStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.kv.UpdateWithRetry(ctx, userKey(id), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		u, err := decodeUser(current)
		if err != nil {
			return nil, err
		}
		u.LastLoginAt = &at
		return json.Marshal(u)
	})
}

func decodeUser(data []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "decodeUser", "decode user record")
	}
	return &u, nil
}
