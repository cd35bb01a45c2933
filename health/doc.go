// Package health keeps the latest health of every running component and
// rolls it up for the /health endpoint served next to /metrics.
//
// A component is healthy, degraded (up, but it has seen errors) or
// unhealthy; the server as a whole is as bad as its worst component.
//
//	monitor := health.NewMonitor()
//	go monitor.Watch(ctx, 10*time.Second, manager.Components)
//	metricsServer := metric.NewServer(port, "/metrics", registry, monitor.Check("signalk-server"))
//
// Component errors pass through Redact before they are shown, since the
// endpoint needs no credentials.
package health
