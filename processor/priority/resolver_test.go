package priority

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
)

const self = "vessels.urn:mrn:signalk:uuid:self"

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func valueDelta(context, sourceRef, path string, v any) *delta.Delta {
	return &delta.Delta{
		Context: context,
		Updates: []delta.Update{{
			SourceRef: sourceRef,
			Values:    []delta.PathValue{{Path: path, Value: v}},
		}},
	}
}

func accepted(t *testing.T, r *Resolver, sourceRef string, at time.Duration) bool {
	t.Helper()
	d := r.Resolve(valueDelta(self, sourceRef, "navigation.speedOverGround", 1.0), t0.Add(at), self)
	return len(d.Updates[0].Values) == 1
}

func speedTable() Config {
	return Config{Paths: map[string][]Entry{
		"navigation.speedOverGround": {
			{SourceRef: "A", Timeout: 0},
			{SourceRef: "B", Timeout: 5000},
		},
	}}
}

func TestResolve_HigherPrecedenceHolderBlocksUntilTimeout(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "A", 0))
	assert.False(t, accepted(t, r, "B", 1*time.Second))
	assert.False(t, accepted(t, r, "B", 5*time.Second), "elapsed must exceed the timeout")
	assert.True(t, accepted(t, r, "B", 5*time.Second+time.Millisecond))
	assert.True(t, accepted(t, r, "A", 6*time.Second), "higher precedence always wins back")
	assert.False(t, accepted(t, r, "B", 7*time.Second))
}

func TestResolve_LowerOrEqualHolderNeverBlocks(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "B", 0))
	assert.True(t, accepted(t, r, "A", time.Millisecond))
	assert.True(t, accepted(t, r, "A", 2*time.Millisecond), "same source keeps updating")
}

func TestResolve_UnknownIncomingSourceRanksLowest(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "A", 0))
	assert.False(t, accepted(t, r, "C", 5*time.Second))
	assert.False(t, accepted(t, r, "C", 10*time.Second))
	assert.True(t, accepted(t, r, "C", 10*time.Second+time.Millisecond))
}

func TestResolve_UnknownSourceTimeoutConfigurable(t *testing.T) {
	cfg := speedTable()
	cfg.UnknownSourceTimeout = time.Second
	r, err := New(cfg)
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "A", 0))
	assert.True(t, accepted(t, r, "C", 1001*time.Millisecond))
}

func TestResolve_UnknownHolderRanksHighest(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "C", 0), "no holder yet")
	assert.False(t, accepted(t, r, "B", time.Second))
	assert.True(t, accepted(t, r, "B", 5*time.Second+time.Millisecond))
	assert.True(t, accepted(t, r, "A", 5*time.Second+2*time.Millisecond), "timeout 0 passes any elapsed time")
}

func TestResolve_AcceptUnknownSources(t *testing.T) {
	cfg := speedTable()
	cfg.AcceptUnknownSources = true
	r, err := New(cfg)
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "A", 0))
	assert.True(t, accepted(t, r, "C", time.Millisecond))
}

func TestResolve_NegativeTimeoutDisablesSource(t *testing.T) {
	r, err := New(Config{Paths: map[string][]Entry{
		"navigation.speedOverGround": {{SourceRef: "A", Timeout: 0}, {SourceRef: "X", Timeout: -1}},
	}})
	require.NoError(t, err)

	assert.False(t, accepted(t, r, "X", 0), "disabled even with no holder")
	assert.True(t, accepted(t, r, "A", time.Hour))
	assert.False(t, accepted(t, r, "X", 2*time.Hour))
}

func TestResolve_RankingFallback(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	r, err := New(Config{
		Ranking: []Entry{{SourceRef: "gps1", Timeout: 0}, {SourceRef: "gps2", Timeout: 3000}},
		Paths:   map[string][]Entry{"environment.depth.belowKeel": {{SourceRef: "gps2", Timeout: 0}}},
	}, WithMetrics(registry.CoreMetrics()))
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "gps1", 0))
	assert.False(t, accepted(t, r, "gps2", time.Second))
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.CoreMetrics().ValuesRejected.WithLabelValues("gps2")))

	d := r.Resolve(valueDelta(self, "gps2", "environment.depth.belowKeel", 3.1), t0, self)
	assert.Len(t, d.Updates[0].Values, 1, "path table overrides ranking")
}

func TestResolve_PathsWithoutTableAcceptEverything(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	for i, src := range []string{"A", "Z", "B", "A"} {
		d := r.Resolve(valueDelta(self, src, "environment.wind.speedApparent", 1.0), t0.Add(time.Duration(i)), self)
		assert.Len(t, d.Updates[0].Values, 1)
	}
}

func TestResolve_OtherContextsPassThrough(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)

	assert.True(t, accepted(t, r, "A", 0))
	d := r.Resolve(valueDelta("vessels.other", "B", "navigation.speedOverGround", 2.0), t0.Add(time.Millisecond), self)
	assert.Len(t, d.Updates[0].Values, 1)
}

func TestResolve_OnlyValuesFiltered(t *testing.T) {
	r, err := New(speedTable())
	require.NoError(t, err)
	assert.True(t, accepted(t, r, "A", 0))

	d := &delta.Delta{Context: self, Updates: []delta.Update{{
		SourceRef: "B",
		Timestamp: "2024-06-01T12:00:00.001Z",
		Values: []delta.PathValue{
			{Path: "navigation.speedOverGround", Value: 1.0},
			{Path: "navigation.courseOverGroundTrue", Value: 0.5},
		},
		Meta: []delta.PathValue{{Path: "navigation.speedOverGround", Value: map[string]any{"units": "m/s"}}},
	}}}
	out := r.Resolve(d, t0.Add(time.Millisecond), self)

	require.Len(t, out.Updates[0].Values, 1)
	assert.Equal(t, "navigation.courseOverGroundTrue", out.Updates[0].Values[0].Path)
	assert.Len(t, out.Updates[0].Meta, 1)
	assert.Equal(t, "2024-06-01T12:00:00.001Z", out.Updates[0].Timestamp)
}

func TestNew_EmptyConfigIsIdentity(t *testing.T) {
	r, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, r.IsIdentity())
	assert.True(t, Identity().IsIdentity())

	d := valueDelta(self, "anything", "a", 1.0)
	assert.Same(t, d, r.Resolve(d, t0, self))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Paths: map[string][]Entry{"a": {{SourceRef: ""}}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidPriorities)

	_, err = New(Config{Ranking: []Entry{{SourceRef: "x"}, {SourceRef: "x"}}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSettings_Config(t *testing.T) {
	var s Settings
	require.NoError(t, json.Unmarshal([]byte(`{
		"sourcePriorities": {"navigation.position": [{"sourceRef": "gps.GP", "timeout": 5000}]},
		"sourceRanking": [{"sourceRef": "n2k.1", "timeout": 1000}],
		"unknownSourceTimeout": 2500
	}`), &s))

	cfg := s.Config()
	assert.Equal(t, []Entry{{SourceRef: "gps.GP", Timeout: 5000}}, cfg.Paths["navigation.position"])
	assert.Len(t, cfg.Ranking, 1)
	assert.Equal(t, 2500*time.Millisecond, cfg.UnknownSourceTimeout)
	assert.False(t, cfg.AcceptUnknownSources)
}
