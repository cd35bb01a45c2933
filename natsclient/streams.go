package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
)

const streamInfoTimeout = 2 * time.Second

var (
	streamMessagesDesc = prometheus.NewDesc("signalk_jetstream_stream_messages",
		"Messages currently held by the stream.", []string{"stream"}, nil)
	streamBytesDesc = prometheus.NewDesc("signalk_jetstream_stream_bytes",
		"Bytes currently stored by the stream.", []string{"stream"}, nil)
	streamUpDesc = prometheus.NewDesc("signalk_jetstream_stream_up",
		"1 if the last stream info request succeeded.", []string{"stream"}, nil)
	streamErrorsDesc = prometheus.NewDesc("signalk_jetstream_operation_errors_total",
		"JetStream operations that failed, by operation.", []string{"operation"}, nil)
)

// streamCollector asks each known stream for its state when scraped, so
// the numbers are never older than the scrape itself.
type streamCollector struct {
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]jetstream.Stream
	errors  map[string]float64
}

var _ prometheus.Collector = (*streamCollector)(nil)

func newStreamCollector(logger *slog.Logger) *streamCollector {
	return &streamCollector{
		logger:  logger,
		streams: make(map[string]jetstream.Stream),
		errors:  make(map[string]float64),
	}
}

func (sc *streamCollector) track(name string, s jetstream.Stream) {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	sc.streams[name] = s
	sc.mu.Unlock()
}

func (sc *streamCollector) failed(operation string) {
	if sc == nil {
		return
	}
	sc.mu.Lock()
	sc.errors[operation]++
	sc.mu.Unlock()
}

func (sc *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- streamMessagesDesc
	ch <- streamBytesDesc
	ch <- streamUpDesc
	ch <- streamErrorsDesc
}

func (sc *streamCollector) Collect(ch chan<- prometheus.Metric) {
	sc.mu.Lock()
	streams := make(map[string]jetstream.Stream, len(sc.streams))
	for name, s := range sc.streams {
		streams[name] = s
	}
	for op, n := range sc.errors {
		ch <- prometheus.MustNewConstMetric(streamErrorsDesc, prometheus.CounterValue, n, op)
	}
	sc.mu.Unlock()

	for name, s := range streams {
		ctx, cancel := context.WithTimeout(context.Background(), streamInfoTimeout)
		info, err := s.Info(ctx)
		cancel()
		if err != nil {
			sc.logger.Debug("stream info failed", "stream", name, "error", err)
			ch <- prometheus.MustNewConstMetric(streamUpDesc, prometheus.GaugeValue, 0, name)
			continue
		}
		ch <- prometheus.MustNewConstMetric(streamUpDesc, prometheus.GaugeValue, 1, name)
		ch <- prometheus.MustNewConstMetric(streamMessagesDesc, prometheus.GaugeValue, float64(info.State.Msgs), name)
		ch <- prometheus.MustNewConstMetric(streamBytesDesc, prometheus.GaugeValue, float64(info.State.Bytes), name)
	}
}
