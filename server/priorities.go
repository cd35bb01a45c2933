package server

import (
	"context"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/SignalK/signalk-server-sub000/config"
	"github.com/SignalK/signalk-server-sub000/processor/priority"
)

// ActivateSourcePriorities rebuilds the precedence resolver, discarding the
// latest-accepted state of the previous one. On error the previous resolver
// stays active.
func (s *Server) ActivateSourcePriorities(p priority.Settings) error {
	resolver, err := priority.New(p.Config(),
		priority.WithLogger(s.logger),
		priority.WithMetrics(s.metrics))
	if err != nil {
		s.logger.Error("source priorities not activated", "error", err)
		return err
	}

	s.resolverMu.Lock()
	s.resolver = resolver
	s.resolverMu.Unlock()

	s.settingsMu.Lock()
	s.settings.Settings = p
	s.settingsMu.Unlock()

	s.logger.Info("source priorities activated",
		"paths", len(p.SourcePriorities), "ranking", len(p.SourceRanking))
	return nil
}

// WatchSourcePriorities activates the priorities carried by each settings
// update until ctx is done or updates is closed. Updates that leave the
// priorities unchanged do not reset the resolver.
func (s *Server) WatchSourcePriorities(ctx context.Context, updates <-chan config.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Config == nil {
				continue
			}
			next := u.Config.Get().Settings
			s.applySettings(next)
		}
	}
}

func (s *Server) applySettings(next config.Settings) {
	current := s.Settings()

	s.settingsMu.Lock()
	s.settings.Name = next.Name
	s.settings.PruneContextsMinutes = next.PruneContextsMinutes
	s.settings.OverrideTimestampWithNow = next.OverrideTimestampWithNow
	s.settingsMu.Unlock()

	if next.SelfID != current.SelfID || (next.SelfType != "" && next.SelfType != current.SelfType) {
		s.logger.Warn("self identity change requires a restart",
			"self_id", next.SelfID, "self_type", next.SelfType)
	}
	if prioritiesEqual(current.Settings, next.Settings) {
		return
	}
	_ = s.ActivateSourcePriorities(next.Settings)
}

func prioritiesEqual(a, b priority.Settings) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}
