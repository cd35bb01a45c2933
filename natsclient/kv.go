package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SignalK/signalk-server-sub000/pkg/retry"
)

// KV errors. Callers match them with errors.Is.
var (
	ErrKVKeyNotFound        = errors.New("kv: key not found")
	ErrKVKeyExists          = errors.New("kv: key already exists")
	ErrKVRevisionMismatch   = errors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = errors.New("kv: max retries exceeded")
)

// KVEntry is a value together with the revision a later Update must name.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions tunes a KVStore.
type KVOptions struct {
	// MaxRetries is how many times UpdateWithRetry retries after a conflict.
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Timeout bounds each bucket call. Zero leaves the caller's context alone.
	Timeout time.Duration
	// MaxValueSize rejects larger writes before they reach the server. Zero
	// disables the check.
	MaxValueSize int
}

// DefaultKVOptions suits the small JSON documents kept in the settings
// bucket.
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1 << 20,
	}
}

// KVStore is a bucket with bounded calls, size limits and revision-checked
// read-modify-write.
type KVStore struct {
	bucket jetstream.KeyValue
	opts   KVOptions
	logger *slog.Logger
}

// NewKVStore wraps bucket. Each opt edits a copy of DefaultKVOptions.
func NewKVStore(bucket jetstream.KeyValue, logger *slog.Logger, opts ...func(*KVOptions)) *KVStore {
	o := DefaultKVOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{bucket: bucket, opts: o, logger: logger}
}

// NewKVStore wraps bucket with the client's logger.
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	return NewKVStore(bucket, c.logger, opts...)
}

// Bucket returns the underlying bucket.
func (kv *KVStore) Bucket() jetstream.KeyValue { return kv.bucket }

// call runs one bucket operation under the store timeout and maps the
// library's errors onto the KV sentinels. conflict is what a "key exists"
// or "wrong last sequence" answer means for this operation.
func (kv *KVStore) call(ctx context.Context, op, key string, conflict error, fn func(context.Context) error) error {
	if kv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, kv.opts.Timeout)
		defer cancel()
	}
	err := fn(ctx)
	switch {
	case err == nil:
		return nil
	case IsKVNotFoundError(err):
		return ErrKVKeyNotFound
	case conflict != nil && IsKVConflictError(err):
		return conflict
	}
	return fmt.Errorf("kv %s %s: %w", op, key, err)
}

func (kv *KVStore) fits(value []byte) error {
	if limit := kv.opts.MaxValueSize; limit > 0 && len(value) > limit {
		return fmt.Errorf("kv value of %d bytes exceeds the %d byte limit", len(value), limit)
	}
	return nil
}

// Get returns key with its current revision.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	var out *KVEntry
	err := kv.call(ctx, "get", key, nil, func(ctx context.Context) error {
		e, err := kv.bucket.Get(ctx, key)
		if err != nil {
			return err
		}
		out = &KVEntry{Key: key, Value: e.Value(), Revision: e.Revision()}
		return nil
	})
	return out, err
}

// Put writes key unconditionally.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	var rev uint64
	err := kv.call(ctx, "put", key, nil, func(ctx context.Context) (err error) {
		rev, err = kv.bucket.Put(ctx, key, value)
		return err
	})
	if err == nil {
		kv.logger.Debug("kv put", "key", key, "revision", rev)
	}
	return rev, err
}

// Create writes key only if it does not exist yet; otherwise it returns
// ErrKVKeyExists.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	var rev uint64
	err := kv.call(ctx, "create", key, ErrKVKeyExists, func(ctx context.Context) (err error) {
		rev, err = kv.bucket.Create(ctx, key, value)
		return err
	})
	return rev, err
}

// Update writes key only if its revision is still revision; otherwise it
// returns ErrKVRevisionMismatch.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.fits(value); err != nil {
		return 0, err
	}
	var rev uint64
	err := kv.call(ctx, "update", key, ErrKVRevisionMismatch, func(ctx context.Context) (err error) {
		rev, err = kv.bucket.Update(ctx, key, value, revision)
		return err
	})
	return rev, err
}

// UpdateWithRetry is a read-modify-write of key. change receives the
// current value, nil if the key is missing, and returns the new one. On a
// concurrent write the whole cycle runs again; after MaxRetries conflicts
// it gives up with ErrKVMaxRetriesExceeded. An error from change is
// returned as is.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string, change func(current []byte) ([]byte, error)) error {
	schedule := retry.Config{
		MaxAttempts:  kv.opts.MaxRetries + 1,
		InitialDelay: kv.opts.RetryDelay,
		MaxDelay:     kv.opts.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	attempt := 0
	err := retry.Do(ctx, schedule, func() error {
		attempt++
		current, err := kv.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrKVKeyNotFound) {
			return err
		}

		var (
			value []byte
			rev   uint64
		)
		if current != nil {
			value, rev = current.Value, current.Revision
		}
		next, err := change(value)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("update function error: %w", err))
		}
		if err := kv.fits(next); err != nil {
			return retry.NonRetryable(err)
		}

		if rev == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, rev)
		}
		if IsKVConflictError(err) {
			kv.logger.Debug("kv write conflict", "key", key, "attempt", attempt)
		}
		return err
	})
	if IsKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// Delete removes key.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	return kv.call(ctx, "delete", key, nil, func(ctx context.Context) error {
		return kv.bucket.Delete(ctx, key)
	})
}

// Watch follows keys matching pattern until ctx ends. It is not bound by
// the store timeout.
func (kv *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return w, nil
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	return errors.Is(err, ErrKVKeyNotFound) || errors.Is(err, jetstream.ErrKeyNotFound)
}

// IsKVConflictError reports whether err means another writer got there
// first.
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	return strings.Contains(err.Error(), "wrong last sequence")
}
