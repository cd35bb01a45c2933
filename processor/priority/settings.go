package priority

import (
	"time"
)

// Settings is the persisted form of a Config, as found in the server
// settings file and the priorities KV bucket.
type Settings struct {
	SourcePriorities     map[string][]Entry `json:"sourcePriorities,omitempty" yaml:"sourcePriorities,omitempty"`
	SourceRanking        []Entry            `json:"sourceRanking,omitempty" yaml:"sourceRanking,omitempty"`
	UnknownSourceTimeout int64              `json:"unknownSourceTimeout,omitempty" yaml:"unknownSourceTimeout,omitempty"` // ms
	AcceptUnknownSources bool               `json:"acceptUnknownSources,omitempty" yaml:"acceptUnknownSources,omitempty"`
}

// Config converts the settings into a resolver configuration.
func (s Settings) Config() Config {
	return Config{
		Paths:                s.SourcePriorities,
		Ranking:              s.SourceRanking,
		UnknownSourceTimeout: time.Duration(s.UnknownSourceTimeout) * time.Millisecond,
		AcceptUnknownSources: s.AcceptUnknownSources,
	}
}
