package cache

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

func TestLRU_RejectsBadCapacity(t *testing.T) {
	_, err := NewLRU[int](0)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLRU_SetGet(t *testing.T) {
	c, err := NewLRU[[]string](8)
	require.NoError(t, err)

	created, err := c.Set("vessels.self", []string{"vessels", "self"})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = c.Set("vessels.self", []string{"vessels", "self"})
	require.NoError(t, err)
	assert.False(t, created)

	v, ok := c.Get("vessels.self")
	assert.True(t, ok)
	assert.Equal(t, []string{"vessels", "self"}, v)
	_, ok = c.Get("aircraft.x")
	assert.False(t, ok)

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 1, st.Len)
	assert.InDelta(t, 0.5, st.HitRatio(), 0.001)
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c, err := NewLRU(2, OnEvict(func(key string, _ int) { evicted = append(evicted, key) }))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	c.Get("a")
	_, _ = c.Set("c", 3)

	assert.Equal(t, []string{"b"}, evicted)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions)
	assert.Equal(t, 2, c.Stats().Peak)
}

func TestLRU_DeleteAndClear(t *testing.T) {
	var evicted []string
	c, err := NewLRU(4, OnEvict(func(key string, _ int) { evicted = append(evicted, key) }))
	require.NoError(t, err)

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	_, _ = c.Set("c", 3)

	existed, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, _ = c.Delete("a")
	assert.False(t, existed)

	require.NoError(t, c.Clear())
	assert.Equal(t, []string{"a", "b", "c"}, evicted)
	assert.Zero(t, c.Len())
	assert.Equal(t, 3, c.Stats().Peak)
	assert.Zero(t, c.Stats().Evictions)
}

func TestLRU_EmptyKey(t *testing.T) {
	c, err := NewLRU[int](1)
	require.NoError(t, err)
	_, err = c.Set("", 1)
	assert.Error(t, err)
	_, err = c.Delete("")
	assert.Error(t, err)
}

func TestLRU_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewLRU(1, WithMetrics[int](registry, "contexts"))
	require.NoError(t, err)

	_, _ = c.Set("x", 1)
	c.Get("x")
	c.Get("y")
	_, _ = c.Set("z", 2)

	n, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "signalk_cache_lookups_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(registry.PrometheusRegistry(), "signalk_cache_evictions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewLRU(1, WithMetrics[int](registry, "contexts"))
	assert.Error(t, err, "second cache with the same name")
}
