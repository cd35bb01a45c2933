package nats

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/delta"
	"github.com/SignalK/signalk-server-sub000/errors"
	"github.com/SignalK/signalk-server-sub000/metric"
	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/server"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	handler natsclient.MsgHandler
	subject string
	queue   string
	ctx     context.Context
	err     error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, subject, queue string, handler natsclient.MsgHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ctx, f.subject, f.queue, f.handler = ctx, subject, queue, handler
	return nil
}

func (f *fakeSubscriber) deliver(subject, payload string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(context.Background(), subject, []byte(payload))
}

type received struct {
	provider string
	delta    *delta.Delta
	version  server.Version
}

type fakeHandler struct {
	mu  sync.Mutex
	got []received
}

func (f *fakeHandler) HandleMessage(providerID string, d *delta.Delta, v server.Version) {
	f.mu.Lock()
	f.got = append(f.got, received{providerID, d, v})
	f.mu.Unlock()
}

func (f *fakeHandler) all() []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]received(nil), f.got...)
}

func newTestInput(t *testing.T, cfg config.NATSInputConfig, registry *metric.MetricsRegistry) (*Input, *fakeSubscriber, *fakeHandler) {
	t.Helper()
	sub := &fakeSubscriber{}
	h := &fakeHandler{}
	in := NewInput(InputDeps{
		Config:          cfg,
		Subscriber:      sub,
		Handler:         h,
		MetricsRegistry: registry,
	})
	require.NoError(t, in.Initialize())
	return in, sub, h
}

func TestInput_ForwardsValidDeltas(t *testing.T) {
	in, sub, h := newTestInput(t, config.NATSInputConfig{Queue: "servers"}, nil)
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop(time.Second)

	assert.Equal(t, config.DefaultInputSubject, sub.subject)
	assert.Equal(t, "servers", sub.queue)

	sub.deliver("signalk.delta.n2k-on-ve.can0", `{
		"context": "vessels.self",
		"updates": [{"source": {"label": "x", "type": "NMEA2000", "src": "3", "pgn": 128259},
		             "values": [{"path": "navigation.speedThroughWater", "value": 3.85}]}]
	}`)

	got := h.all()
	require.Len(t, got, 1)
	assert.Equal(t, "n2k-on-ve.can0", got[0].provider)
	assert.Equal(t, server.V1, got[0].version)
	assert.Equal(t, "vessels.self", got[0].delta.Context)
	assert.Equal(t, 3.85, got[0].delta.Updates[0].Values[0].Value)
	assert.Equal(t, int64(1), in.received.Load())
	assert.False(t, in.DataFlow().LastActivity.IsZero())
}

func TestInput_RejectsMalformed(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	in, sub, h := newTestInput(t, config.NATSInputConfig{}, registry)
	require.NoError(t, in.Start(context.Background()))
	defer in.Stop(time.Second)

	sub.deliver("signalk.delta.bad", `not json`)
	sub.deliver("signalk.delta.bad", `{"context": "vessels.self"}`)
	sub.deliver("signalk.delta.bad", `{"updates": "nope"}`)

	assert.Empty(t, h.all())
	health := in.Health()
	assert.Equal(t, 3, health.ErrorCount)
	assert.NotEmpty(t, health.LastError)
	assert.Equal(t, 3.0, testutil.ToFloat64(in.metrics.messagesRejected.WithLabelValues("invalid")))
	assert.Equal(t, 3.0, testutil.ToFloat64(in.metrics.messagesReceived))
}

func TestInput_ProviderID(t *testing.T) {
	tests := []struct {
		subject string
		msg     string
		want    string
	}{
		{"signalk.delta.>", "signalk.delta.gps", "gps"},
		{"signalk.delta.*", "signalk.delta.ais", "ais"},
		{"signalk.delta.>", "other.subject", DefaultProviderID},
		{"boat.gps", "boat.gps", DefaultProviderID},
	}
	for _, tt := range tests {
		in := NewInput(InputDeps{Config: config.NATSInputConfig{Subject: tt.subject}})
		assert.Equal(t, tt.want, in.providerID(tt.msg), "%s on %s", tt.msg, tt.subject)
	}
}

func TestInput_IgnoresMessagesWhenStopped(t *testing.T) {
	in, sub, h := newTestInput(t, config.NATSInputConfig{}, nil)
	require.NoError(t, in.Start(context.Background()))
	require.NoError(t, in.Stop(time.Second))

	select {
	case <-sub.ctx.Done():
	default:
		t.Fatal("subscription context should be cancelled on stop")
	}
	sub.deliver("signalk.delta.gps", `{"updates": []}`)
	assert.Empty(t, h.all())
}

func TestInput_InitializeValidatesDependencies(t *testing.T) {
	in := NewInput(InputDeps{Handler: &fakeHandler{}})
	err := in.Initialize()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	in = NewInput(InputDeps{Subscriber: &fakeSubscriber{}})
	assert.ErrorIs(t, in.Initialize(), errors.ErrMissingConfig)
}

func TestInput_StartFailsWhenSubscribeFails(t *testing.T) {
	sub := &fakeSubscriber{err: natsclient.ErrNotConnected}
	in := NewInput(InputDeps{Subscriber: sub, Handler: &fakeHandler{}})
	require.NoError(t, in.Initialize())

	err := in.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, natsclient.ErrNotConnected)
	assert.False(t, in.Health().Healthy)
}

func TestInput_Lifecycle(t *testing.T) {
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		return NewInput(InputDeps{Subscriber: &fakeSubscriber{}, Handler: &fakeHandler{}})
	})
}
