package natsclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEntry struct {
	jetstream.KeyValueEntry
	key      string
	value    []byte
	revision uint64
}

func (e memEntry) Key() string      { return e.key }
func (e memEntry) Value() []byte    { return e.value }
func (e memEntry) Revision() uint64 { return e.revision }

// memBucket is an in-memory KeyValue covering the calls KVStore makes.
type memBucket struct {
	jetstream.KeyValue

	mu       sync.Mutex
	data     map[string]memEntry
	revision uint64
	// beforeWrite runs before every conditional write
	beforeWrite func()
}

func newMemBucket() *memBucket {
	return &memBucket{data: make(map[string]memEntry)}
}

func (b *memBucket) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return e, nil
}

func (b *memBucket) put(key string, value []byte) uint64 {
	b.revision++
	b.data[key] = memEntry{key: key, value: value, revision: b.revision}
	return b.revision
}

func (b *memBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.put(key, value), nil
}

func (b *memBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	return b.put(key, value), nil
}

func (b *memBucket) Update(_ context.Context, key string, value []byte, last uint64) (uint64, error) {
	if b.beforeWrite != nil {
		b.beforeWrite()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.data[key]; !ok || e.revision != last {
		return 0, fmt.Errorf("nats: wrong last sequence: %d", e.revision)
	}
	return b.put(key, value), nil
}

func (b *memBucket) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(b.data, key)
	return nil
}

func fastRetries(max int) func(*KVOptions) {
	return func(o *KVOptions) {
		o.MaxRetries = max
		o.RetryDelay = time.Millisecond
		o.MaxRetryDelay = 2 * time.Millisecond
	}
}

func TestKVStore_BasicOperations(t *testing.T) {
	ctx := context.Background()
	kv := NewKVStore(newMemBucket(), nil)

	_, err := kv.Get(ctx, "settings")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "settings", []byte("a"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "settings", []byte("b"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	entry, err := kv.Get(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, "a", string(entry.Value))
	assert.Equal(t, rev, entry.Revision)

	_, err = kv.Update(ctx, "settings", []byte("c"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	rev2, err := kv.Update(ctx, "settings", []byte("c"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	require.NoError(t, kv.Delete(ctx, "settings"))
	assert.ErrorIs(t, kv.Delete(ctx, "settings"), ErrKVKeyNotFound)
}

func TestKVStore_MaxValueSize(t *testing.T) {
	ctx := context.Background()
	kv := NewKVStore(newMemBucket(), nil, func(o *KVOptions) { o.MaxValueSize = 4 })

	_, err := kv.Put(ctx, "k", []byte("12345"))
	assert.Error(t, err)

	err = kv.UpdateWithRetry(ctx, "k", func([]byte) ([]byte, error) {
		return []byte("too long"), nil
	})
	assert.Error(t, err)
}

func TestKVStore_UpdateWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("creates missing key", func(t *testing.T) {
		kv := NewKVStore(newMemBucket(), nil, fastRetries(3))
		err := kv.UpdateWithRetry(ctx, "k", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("v1"), nil
		})
		require.NoError(t, err)

		entry, err := kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(entry.Value))
	})

	t.Run("retries after a concurrent write", func(t *testing.T) {
		bucket := newMemBucket()
		kv := NewKVStore(bucket, nil, fastRetries(3))
		_, err := kv.Put(ctx, "k", []byte("v1"))
		require.NoError(t, err)

		interfered := false
		bucket.beforeWrite = func() {
			if !interfered {
				interfered = true
				_, _ = bucket.Put(ctx, "k", []byte("other"))
			}
		}

		calls := 0
		err = kv.UpdateWithRetry(ctx, "k", func(current []byte) ([]byte, error) {
			calls++
			return append(current, '!'), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)

		entry, err := kv.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "other!", string(entry.Value))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		bucket := newMemBucket()
		kv := NewKVStore(bucket, nil, fastRetries(1))
		_, err := kv.Put(ctx, "k", []byte("v1"))
		require.NoError(t, err)
		bucket.beforeWrite = func() { _, _ = bucket.Put(ctx, "k", []byte("other")) }

		calls := 0
		err = kv.UpdateWithRetry(ctx, "k", func([]byte) ([]byte, error) {
			calls++
			return []byte("mine"), nil
		})
		assert.Equal(t, ErrKVMaxRetriesExceeded, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("update function error is not retried", func(t *testing.T) {
		kv := NewKVStore(newMemBucket(), nil, fastRetries(5))
		calls := 0
		err := kv.UpdateWithRetry(ctx, "k", func([]byte) ([]byte, error) {
			calls++
			return nil, assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 1, calls)
	})
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("wrapped: %w", ErrKVKeyNotFound)))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(fmt.Errorf("nats: wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(assert.AnError))
	assert.False(t, IsKVConflictError(nil))
}
