// Package config loads, validates and shares the server configuration.
//
// Configuration comes from JSON or YAML files merged in layers, then from
// SIGNALK_* environment variables:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/signalk/base.yaml")
//	loader.AddLayer("/etc/signalk/boat.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Later layers win key by key; lists are replaced, not appended:
//
//	base.yaml:  settings: {selfType: vessels, pruneContextsMinutes: 60}
//	boat.json:  {"settings": {"selfId": "urn:mrn:imo:mmsi:230099999"}}
//	result:     selfType vessels, pruneContextsMinutes 60, selfId from boat.json
//
// The settings section keeps the camelCase keys of a Signal K settings
// file, so sourcePriorities and sourceRanking load unchanged.
//
// # Shared settings
//
// When NATS is enabled, Manager mirrors the settings, security and logging
// sections into a KV bucket. Servers on the same bucket see each other's
// edits; OnChange delivers them:
//
//	cm, err := config.NewConfigManager(cfg, natsClient, logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange(config.KeySettings) {
//		activate(update.Config.Get().Settings)
//	}
//
// At start the higher config version wins; on a tie the bucket wins.
// Updates that fail validation are logged and dropped.
//
// Config files are limited to 10MB and 100 levels of nesting, must be
// regular files, and are written back with mode 0600.
package config
