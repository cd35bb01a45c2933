package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu         sync.Mutex
	streamCfgs []jetstream.StreamConfig
	ensureErrs []error
	publishErr error
	got        []published
	block      chan struct{}
}

func (f *fakePublisher) EnsureStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamCfgs = append(f.streamCfgs, cfg)
	if len(f.ensureErrs) > 0 {
		err := f.ensureErrs[0]
		f.ensureErrs = f.ensureErrs[1:]
		return nil, err
	}
	return nil, nil
}

func (f *fakePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.got = append(f.got, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.got...)
}

type fakeSource struct {
	mu  sync.Mutex
	fns map[int]func(*delta.Delta)
	seq int
}

func (f *fakeSource) OnDelta(fn func(*delta.Delta)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fns == nil {
		f.fns = make(map[int]func(*delta.Delta))
	}
	f.seq++
	id := f.seq
	f.fns[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.fns, id)
	}
}

func (f *fakeSource) emit(d *delta.Delta) {
	f.mu.Lock()
	fns := make([]func(*delta.Delta), 0, len(f.fns))
	for _, fn := range f.fns {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

func (f *fakeSource) listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fns)
}

func noRetry() *retry.Config {
	return &retry.Config{MaxAttempts: 1}
}

func positionDelta(deltaContext string) *delta.Delta {
	return &delta.Delta{
		Context: deltaContext,
		Updates: []delta.Update{{
			SourceRef: "gps.GP",
			Timestamp: "2024-05-01T10:00:00.000Z",
			Values: []delta.PathValue{{
				Path:  "navigation.position",
				Value: map[string]any{"latitude": 60.1, "longitude": 24.9},
			}},
		}},
	}
}

func startOutput(t *testing.T, deps OutputDeps) *Output {
	t.Helper()
	out := NewOutput(deps)
	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(time.Second) })
	return out
}

func TestOutput_PublishesBySubject(t *testing.T) {
	pub := &fakePublisher{}
	src := &fakeSource{}
	startOutput(t, OutputDeps{Publisher: pub, Source: src, Retry: noRetry()})

	src.emit(positionDelta("vessels.urn:mrn:imo:mmsi:230099999"))
	src.emit(positionDelta("aircraft.urn:mrn:imo:mmsi:111111111"))

	require.Eventually(t, func() bool { return len(pub.sent()) == 2 }, time.Second, 10*time.Millisecond)

	subjects := map[string]bool{}
	for _, p := range pub.sent() {
		subjects[p.subject] = true
		var d delta.Delta
		require.NoError(t, json.Unmarshal(p.data, &d))
		assert.Equal(t, "gps.GP", d.Updates[0].SourceRef)
	}
	assert.True(t, subjects["signalk.out.vessels"])
	assert.True(t, subjects["signalk.out.aircraft"])
}

func TestOutput_EnsuresStream(t *testing.T) {
	pub := &fakePublisher{}
	startOutput(t, OutputDeps{
		Config:    config.NATSOutputConfig{Stream: "BOAT", SubjectPrefix: "boat.deltas."},
		Publisher: pub,
		Source:    &fakeSource{},
		Retry:     noRetry(),
	})

	require.Len(t, pub.streamCfgs, 1)
	assert.Equal(t, "BOAT", pub.streamCfgs[0].Name)
	assert.Equal(t, []string{"boat.deltas.>"}, pub.streamCfgs[0].Subjects)
}

func TestOutput_RetriesEnsureStream(t *testing.T) {
	pub := &fakePublisher{ensureErrs: []error{natsclient.ErrNotConnected, natsclient.ErrNotConnected}}
	startOutput(t, OutputDeps{
		Publisher: pub,
		Source:    &fakeSource{},
		Retry:     &retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	assert.Len(t, pub.streamCfgs, 3)
}

func TestOutput_StartFailsWithoutStream(t *testing.T) {
	pub := &fakePublisher{ensureErrs: []error{natsclient.ErrNotConnected}}
	src := &fakeSource{}
	out := NewOutput(OutputDeps{Publisher: pub, Source: src, Retry: noRetry()})
	require.NoError(t, out.Initialize())

	err := out.Start(context.Background())
	require.Error(t, err)
	assert.Zero(t, src.listeners())
	assert.False(t, out.Health().Healthy)
}

func TestOutput_Subject(t *testing.T) {
	out := NewOutput(OutputDeps{})
	tests := []struct {
		context string
		want    string
	}{
		{"vessels.urn:mrn:imo:mmsi:230099999", "signalk.out.vessels"},
		{"atons.urn:mrn:imo:mmsi:992351234", "signalk.out.atons"},
		{"sar", "signalk.out.sar"},
		{"", "signalk.out.vessels"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, out.Subject(&delta.Delta{Context: tt.context}), tt.context)
	}
}

func TestOutput_CountsFailuresAndDrops(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	block := make(chan struct{})
	pub := &fakePublisher{publishErr: fmt.Errorf("stream unavailable"), block: block}
	src := &fakeSource{}
	out := startOutput(t, OutputDeps{
		Name:            "nats-out-test",
		Config:          config.NATSOutputConfig{Workers: 1, QueueSize: 1},
		Publisher:       pub,
		Source:          src,
		MetricsRegistry: registry,
		Retry:           noRetry(),
	})

	// one in flight, one queued, the rest dropped
	for i := 0; i < 5; i++ {
		src.emit(positionDelta("vessels.self"))
	}
	close(block)

	require.Eventually(t, func() bool {
		return out.failed.Load()+out.dropped.Load() == 5
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, out.dropped.Load(), int64(3))
	assert.Equal(t, 5, out.Health().ErrorCount)
	assert.Equal(t, "stream unavailable", out.Health().LastError)
	assert.Equal(t, float64(out.dropped.Load()), testutil.ToFloat64(out.metrics.published.WithLabelValues("dropped")))
	assert.Equal(t, 1.0, out.DataFlow().ErrorRate)
}

func TestOutput_StopDetaches(t *testing.T) {
	pub := &fakePublisher{}
	src := &fakeSource{}
	out := NewOutput(OutputDeps{Publisher: pub, Source: src, Retry: noRetry()})
	require.NoError(t, out.Initialize())
	require.NoError(t, out.Start(context.Background()))
	assert.Equal(t, 1, src.listeners())

	src.emit(positionDelta("vessels.self"))
	require.NoError(t, out.Stop(time.Second))
	assert.Zero(t, src.listeners())

	// queued work drains on Stop
	assert.Len(t, pub.sent(), 1)

	out.enqueue(positionDelta("vessels.self"))
	assert.Zero(t, out.dropped.Load())
}

func TestOutput_InitializeValidatesDependencies(t *testing.T) {
	assert.Error(t, NewOutput(OutputDeps{Source: &fakeSource{}}).Initialize())
	assert.Error(t, NewOutput(OutputDeps{Publisher: &fakePublisher{}}).Initialize())
}

func TestOutput_Lifecycle(t *testing.T) {
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		return NewOutput(OutputDeps{Publisher: &fakePublisher{}, Source: &fakeSource{}, Retry: noRetry()})
	})
}
