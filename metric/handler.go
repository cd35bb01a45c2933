package metric

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SignalK/signalk-server-sub000/errors"
)

// HealthFunc reports whether the server is serving, with a short reason.
type HealthFunc func() (healthy bool, detail string)

const (
	defaultPort = 9090
	defaultPath = "/metrics"
)

// Server exposes the registry and a health probe over HTTP.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	health   HealthFunc
}

// NewServer serves registry on port (9090 when zero) under path
// (/metrics when empty). health may be nil, in which case /health always
// answers 200.
func NewServer(port int, path string, registry *MetricsRegistry, health HealthFunc) *Server {
	if port == 0 {
		port = defaultPort
	}
	if path == "" {
		path = defaultPath
	}
	return &Server{addr: fmt.Sprintf(":%d", port), path: path, registry: registry, health: health}
}

type healthBody struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail"`
}

// Handler routes the metrics path and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry.PrometheusRegistry(),
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		body := healthBody{Healthy: true, Detail: "OK"}
		if s.health != nil {
			body.Healthy, body.Detail = s.health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !body.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}

// Serve listens until ctx ends and then shuts down, giving in-flight
// scrapes up to grace to finish.
func (s *Server) Serve(ctx context.Context, grace time.Duration) error {
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "metric.Server", "Serve", "registry not provided")
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "metric.Server", "Serve", "listen on "+s.addr)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	select {
	case err := <-served:
		return errors.WrapFatal(err, "metric.Server", "Serve", "serve "+s.addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.WrapTransient(err, "metric.Server", "Serve", "shutdown")
	}
	return nil
}

// Address is the URL scrapers should use.
func (s *Server) Address() string {
	return "http://localhost" + s.addr + s.path
}
