package server

import (
	"context"
	"fmt"
	"time"

	"github.com/SignalK/signalk-server-sub000/component"
	"github.com/SignalK/signalk-server-sub000/errors"
)

// Meta returns the component metadata
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Kind:        component.KindServer,
		Description: fmt.Sprintf("Signal K delta server for %s", s.selfContext),
		Version:     s.version,
	}
}

// Health reports the server healthy while its background loops run.
func (s *Server) Health() component.HealthStatus {
	s.lifecycleMu.Lock()
	startTime := s.startTime
	s.lifecycleMu.Unlock()

	var uptime time.Duration
	if !startTime.IsZero() {
		uptime = s.now().Sub(startTime)
	}
	return component.HealthStatus{
		Healthy:    s.running.Load(),
		ErrorCount: int(s.errCount.Load()),
		LastError:  s.lastError.Load().(string),
		Uptime:     uptime,
	}
}

// DataFlow reports the delta rate of the last statistics interval.
func (s *Server) DataFlow() component.FlowMetrics {
	rate, _ := s.stats.snapshot()
	return component.FlowMetrics{MessagesPerSecond: rate}
}

// Initialize has nothing to prepare; the pipeline is wired by New.
func (s *Server) Initialize() error {
	return nil
}

// Start launches the prune, statistics and cache maintenance loops.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Server", "Start", "context check")
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.running.Load() {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startTime = s.now()
	s.cache.Start(loopCtx)

	s.wg.Add(2)
	go s.every(loopCtx, s.pruneInterval, s.Prune)
	go s.every(loopCtx, s.statsInterval, s.updateStatistics)

	s.running.Store(true)
	s.logger.Info("server started", "self", s.selfContext)
	return nil
}

func (s *Server) every(ctx context.Context, interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the background loops. The pipeline keeps accepting deltas.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()
	s.cache.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err := fmt.Errorf("stop timeout after %v", timeout)
		s.recordError(err)
		return errors.WrapTransient(err, "Server", "Stop", "graceful shutdown")
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) recordError(err error) {
	s.errCount.Add(1)
	s.lastError.Store(err.Error())
}
