package server

import (
	"sync"
	"time"
)

// ProviderStatistics are the delta and write counters of one provider.
// Rates are per second over the last statistics interval.
type ProviderStatistics struct {
	DeltaCount int64   `json:"deltaCount"`
	DeltaRate  float64 `json:"deltaRate"`
	WriteCount int64   `json:"writeCount"`
	WriteRate  float64 `json:"writeRate"`

	lastIntervalDeltaCount int64
	lastIntervalWriteCount int64
}

// Statistics is the server statistics snapshot.
type Statistics struct {
	DeltaRate              float64                       `json:"deltaRate"`
	NumberOfAvailablePaths int                           `json:"numberOfAvailablePaths"`
	WSClients              int                           `json:"wsClients"`
	ProviderStatistics     map[string]ProviderStatistics `json:"providerStatistics"`
	Uptime                 float64                       `json:"uptime"`
}

type statistics struct {
	mu                     sync.Mutex
	deltaCount             int64
	lastIntervalDeltaCount int64
	deltaRate              float64
	providers              map[string]*ProviderStatistics
}

func newStatistics() *statistics {
	return &statistics{providers: make(map[string]*ProviderStatistics)}
}

func (st *statistics) provider(id string) *ProviderStatistics {
	p, ok := st.providers[id]
	if !ok {
		p = &ProviderStatistics{}
		st.providers[id] = p
	}
	return p
}

func (st *statistics) incDelta(providerID string) {
	st.mu.Lock()
	st.deltaCount++
	st.provider(providerID).DeltaCount++
	st.mu.Unlock()
}

func (st *statistics) incWrite(providerID string, n int64) {
	st.mu.Lock()
	st.provider(providerID).WriteCount += n
	st.mu.Unlock()
}

// roll computes the rates for the interval that just ended.
func (st *statistics) roll(interval time.Duration) {
	secs := interval.Seconds()
	if secs <= 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.providers {
		p.DeltaRate = float64(p.DeltaCount-p.lastIntervalDeltaCount) / secs
		p.lastIntervalDeltaCount = p.DeltaCount
		p.WriteRate = float64(p.WriteCount-p.lastIntervalWriteCount) / secs
		p.lastIntervalWriteCount = p.WriteCount
	}
	st.deltaRate = float64(st.deltaCount-st.lastIntervalDeltaCount) / secs
	st.lastIntervalDeltaCount = st.deltaCount
}

func (st *statistics) snapshot() (float64, map[string]ProviderStatistics) {
	st.mu.Lock()
	defer st.mu.Unlock()
	providers := make(map[string]ProviderStatistics, len(st.providers))
	for id, p := range st.providers {
		providers[id] = *p
	}
	return st.deltaRate, providers
}

// IncWriteStatistics counts n deltas written out by a provider.
func (s *Server) IncWriteStatistics(providerID string, n int64) {
	s.stats.incWrite(providerID, n)
}

// Statistics returns the statistics computed at the end of the last
// interval, with live counts.
func (s *Server) Statistics() Statistics {
	rate, providers := s.stats.snapshot()
	counter := s.clientCounter.Load().(func() int)

	var uptime float64
	s.lifecycleMu.Lock()
	if !s.startTime.IsZero() {
		uptime = s.now().Sub(s.startTime).Seconds()
	}
	s.lifecycleMu.Unlock()

	return Statistics{
		DeltaRate:              rate,
		NumberOfAvailablePaths: len(s.bundle.AvailablePaths()),
		WSClients:              counter(),
		ProviderStatistics:     providers,
		Uptime:                 uptime,
	}
}

// updateStatistics closes a statistics interval and exports the rates.
func (s *Server) updateStatistics() {
	s.stats.roll(s.statsInterval)
	if s.metrics == nil {
		return
	}
	_, providers := s.stats.snapshot()
	for id, p := range providers {
		s.metrics.DeltaRate.WithLabelValues(id).Set(p.DeltaRate)
	}
}
