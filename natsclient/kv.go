package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	errs "github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/pkg/retry"
)

var (
	// ErrKVKeyNotFound also matches errs.ErrKeyNotFound.
	ErrKVKeyNotFound        = fmt.Errorf("kv: %w", errs.ErrKeyNotFound)
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
)

// KVEntry is a value together with the revision needed to CAS-update it.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes a KVStore.
type KVOptions struct {
	// Timeout bounds each call, including a whole UpdateWithRetry loop.
	Timeout time.Duration
	// MaxRetries is the number of CAS retries after the first attempt.
	MaxRetries   int
	RetryDelay   time.Duration
	MaxRetryWait time.Duration
	// MaxValueSize rejects larger values in UpdateWithRetry. Zero disables it.
	MaxValueSize int
}

func DefaultKVOptions() KVOptions {
	return KVOptions{
		Timeout:      5 * time.Second,
		MaxRetries:   10,
		RetryDelay:   10 * time.Millisecond,
		MaxRetryWait: time.Second,
		MaxValueSize: 1 << 20,
	}
}

// KVStore wraps one JetStream bucket, mapping server errors onto the ErrKV
// sentinels.
type KVStore struct {
	bucket jetstream.KeyValue
	opts   KVOptions
	logger *slog.Logger
}

func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	o := DefaultKVOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &KVStore{bucket: bucket, opts: o, logger: c.logger.With("bucket", bucket.Bucket())}
}

func (kv *KVStore) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, kv.opts.Timeout)
}

// kvError maps err from op on key to a sentinel where one applies.
func kvError(op, key string, err error) error {
	switch {
	case err == nil:
		return nil
	case IsKVNotFoundError(err):
		return ErrKVKeyNotFound
	case op == "create" && IsKVConflictError(err):
		return ErrKVKeyExists
	case op == "update" && IsKVConflictError(err):
		return ErrKVRevisionMismatch
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		return nil, kvError("get", key, err)
	}
	return &KVEntry{Key: key, Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes key unconditionally.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	return rev, kvError("put", key, err)
}

// Create writes key only if absent, else ErrKVKeyExists.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	return rev, kvError("create", key, err)
}

// Update writes key only if it is still at revision, else ErrKVRevisionMismatch.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	return rev, kvError("update", key, err)
}

// UpdateWithRetry is a read-modify-write loop. fn sees nil for a missing
// key, which is then created. Revision conflicts are retried with backoff;
// an error from fn ends the loop and stays reachable through errors.Is.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	cfg := retry.Config{
		MaxAttempts:  kv.opts.MaxRetries + 1,
		InitialDelay: kv.opts.RetryDelay,
		MaxDelay:     kv.opts.MaxRetryWait,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	attempt := 0
	err := retry.Do(ctx, cfg, func() error {
		attempt++
		var current []byte
		var revision uint64
		switch entry, err := kv.Get(ctx, key); {
		case err == nil:
			current, revision = entry.Value, entry.Revision
		case !stderrors.Is(err, ErrKVKeyNotFound):
			return err
		}

		next, err := fn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if max := kv.opts.MaxValueSize; max > 0 && len(next) > max {
			return retry.NonRetryable(fmt.Errorf("value size %d exceeds maximum %d", len(next), max))
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("kv CAS conflict", "key", key, "attempt", attempt)
		}
		return err
	})
	if IsKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	return kvError("delete", key, kv.bucket.Delete(ctx, key))
}

// Keys returns the live keys starting with prefix, sorted.
func (kv *KVStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := kv.bounded(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, kvError("list", prefix+"*", err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// IsKVNotFoundError also matches server error code 10037 in the message,
// for errors that crossed a boundary without their type.
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{ErrKVKeyNotFound, jetstream.ErrKeyNotFound, jetstream.ErrKeyDeleted} {
		if stderrors.Is(err, target) {
			return true
		}
	}
	return containsAny(err.Error(), "key not found", "10037")
}

// IsKVConflictError covers both an existing key and a stale revision.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{ErrKVKeyExists, ErrKVRevisionMismatch, jetstream.ErrKeyExists} {
		if stderrors.Is(err, target) {
			return true
		}
	}
	return containsAny(err.Error(), "wrong last sequence", "10071", "key exists", "10058")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
