package udp

import (
	"context"
	"net"
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
	"github.com/SignalK/signalk-server-sub000/pkg/retry"
	"github.com/SignalK/signalk-server-sub000/server"
)

type received struct {
	provider string
	delta    *delta.Delta
}

type recordingHandler struct {
	mu  sync.Mutex
	got []received
}

func (h *recordingHandler) HandleMessage(providerID string, d *delta.Delta, _ server.Version) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, received{provider: providerID, delta: d})
}

func (h *recordingHandler) deltas() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.got...)
}

const windDelta = `{"context":"vessels.urn:mrn:imo:mmsi:230099999","updates":[{"values":[{"path":"environment.wind.speedApparent","value":7.1}]}]}`

func startInput(t *testing.T, h Handler, cfg config.UDPInputConfig, registry *metric.MetricsRegistry) *Input {
	t.Helper()
	cfg.Bind = "127.0.0.1"
	in := NewInput(InputDeps{Config: cfg, Handler: h, MetricsRegistry: registry, Retry: &retry.Config{MaxAttempts: 1}})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(time.Second) })
	return in
}

func send(t *testing.T, in *Input, payload string) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, in.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)
}

func TestInput_HandlesDatagram(t *testing.T) {
	h := &recordingHandler{}
	in := startInput(t, h, config.UDPInputConfig{ProviderID: "wind-sensor"}, nil)

	send(t, in, windDelta)

	require.Eventually(t, func() bool { return len(h.deltas()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := h.deltas()[0]
	assert.Equal(t, "wind-sensor", got.provider)
	assert.Equal(t, "vessels.urn:mrn:imo:mmsi:230099999", got.delta.Context)
	assert.Equal(t, "environment.wind.speedApparent", got.delta.Updates[0].Values[0].Path)
	assert.Positive(t, in.DataFlow().MessagesPerSecond)
}

func TestInput_DefaultProviderID(t *testing.T) {
	h := &recordingHandler{}
	in := startInput(t, h, config.UDPInputConfig{}, nil)

	send(t, in, windDelta)

	require.Eventually(t, func() bool { return len(h.deltas()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, config.DefaultUDPProviderID, h.deltas()[0].provider)
}

func TestInput_MultipleDeltasPerDatagram(t *testing.T) {
	h := &recordingHandler{}
	registry := metric.NewMetricsRegistry()
	in := startInput(t, h, config.UDPInputConfig{}, registry)

	send(t, in, windDelta+"\n\n{not json}\n"+windDelta+"\n")

	require.Eventually(t, func() bool { return len(h.deltas()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return in.Health().ErrorCount == 1 }, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, in.Health().LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(in.metrics.deltasRejected.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(in.metrics.packetsReceived))
}

func TestInput_RejectsSchemaViolations(t *testing.T) {
	h := &recordingHandler{}
	in := startInput(t, h, config.UDPInputConfig{}, nil)

	send(t, in, `{"updates":"nope"}`)

	require.Eventually(t, func() bool { return in.Health().ErrorCount == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.deltas())
}

func TestInput_Health(t *testing.T) {
	h := &recordingHandler{}
	in := NewInput(InputDeps{Config: config.UDPInputConfig{Bind: "127.0.0.1"}, Handler: h})
	assert.False(t, in.Health().Healthy)

	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	assert.True(t, in.Health().Healthy)
	assert.NotNil(t, in.Addr())

	require.NoError(t, in.Stop(time.Second))
	assert.False(t, in.Health().Healthy)
	assert.Nil(t, in.Addr())
}

func TestInput_Restart(t *testing.T) {
	h := &recordingHandler{}
	in := NewInput(InputDeps{
		Config:          config.UDPInputConfig{Bind: "127.0.0.1"},
		Handler:         h,
		MetricsRegistry: metric.NewMetricsRegistry(),
	})
	require.NoError(t, in.Initialize())
	require.NoError(t, in.Start(context.Background()))
	require.NoError(t, in.Stop(time.Second))

	require.NoError(t, in.Start(context.Background()))
	t.Cleanup(func() { _ = in.Stop(time.Second) })
	send(t, in, windDelta)
	require.Eventually(t, func() bool { return len(h.deltas()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestInput_BindFailure(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	in := NewInput(InputDeps{
		Config:  config.UDPInputConfig{Bind: "127.0.0.1", Port: taken.LocalAddr().(*net.UDPAddr).Port},
		Handler: &recordingHandler{},
		Retry:   &retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	require.NoError(t, in.Initialize())

	err = in.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, in.Health().Healthy)
}

func TestInput_Initialize(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		handler Handler
		wantErr bool
	}{
		{"valid", 8375, &recordingHandler{}, false},
		{"os assigned port", 0, &recordingHandler{}, false},
		{"negative port", -1, &recordingHandler{}, true},
		{"port too high", 70000, &recordingHandler{}, true},
		{"missing handler", 8375, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := NewInput(InputDeps{Config: config.UDPInputConfig{Port: tt.port}, Handler: tt.handler})
			err := in.Initialize()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInput_Meta(t *testing.T) {
	in := NewInput(InputDeps{Config: config.UDPInputConfig{Port: 8375, ProviderID: "nmea-bridge"}})
	meta := in.Meta()
	assert.Equal(t, "udp-input", meta.Name)
	assert.Equal(t, component.KindInput, meta.Kind)
	assert.Contains(t, meta.Description, "nmea-bridge")
	assert.Contains(t, meta.Description, "8375")
}

func TestInput_Lifecycle(t *testing.T) {
	component.StandardLifecycleTests(t, func() component.LifecycleComponent {
		return NewInput(InputDeps{Config: config.UDPInputConfig{Bind: "127.0.0.1"}, Handler: &recordingHandler{}})
	})
}
