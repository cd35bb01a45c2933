package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SignalK/signalk-server-sub000/natsclient"
	"github.com/SignalK/signalk-server-sub000/security"
)

// Keys of the settings bucket. Each section is stored as JSON; KeyVersion
// holds the Version of the configuration that wrote them.
const (
	KeyVersion  = "version"
	KeySettings = "settings"
	KeySecurity = "security"
	KeyLogging  = "logging"
)

// section maps a bucket key onto a part of Config.
type section struct {
	key   string
	value func(*Config) any
	reset func(*Config)
}

var sections = []section{
	{KeySettings, func(c *Config) any { return c.Settings }, func(c *Config) { c.Settings = Settings{} }},
	{KeySecurity, func(c *Config) any { return c.Security }, func(c *Config) { c.Security = security.Config{} }},
	{KeyLogging, func(c *Config) any { return c.Logging }, func(c *Config) { c.Logging = LoggingConfig{} }},
}

func sectionFor(key string) (section, bool) {
	for _, s := range sections {
		if s.key == key {
			return s, true
		}
	}
	return section{}, false
}

// Update tells a subscriber that the section Path changed. Config is the
// live configuration, not a copy.
type Update struct {
	Path   string
	Config *SafeConfig
}

type subscriber struct {
	pattern string
	ch      chan Update
}

// Manager shares the configuration between servers through a KV bucket,
// so that settings such as source priorities edited on one reach all.
type Manager struct {
	config *SafeConfig
	kv     *natsclient.KVStore
	logger *slog.Logger

	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	watcher jetstream.KeyWatcher
	stop    chan struct{}
	done    chan struct{}
}

// NewConfigManager opens, creating it if needed, the settings bucket named
// in cfg.NATS.
func NewConfigManager(cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if cfg == nil || client == nil {
		return nil, fmt.Errorf("config manager needs a config and a NATS client")
	}
	bucket := cfg.NATS.SettingsBucket
	if bucket == "" {
		bucket = DefaultSettingsBucket
	}
	kv, err := client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Signal K server settings",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("open settings bucket %s: %w", bucket, err)
	}
	return newManager(cfg, client.NewKVStore(kv), logger), nil
}

func newManager(cfg *Config, kv *natsclient.KVStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config: NewSafeConfig(cfg),
		kv:     kv,
		logger: logger.With("component", "config-manager"),
		stop:   make(chan struct{}),
	}
}

func (m *Manager) GetConfig() *SafeConfig { return m.config }

// OnChange subscribes to sections whose key matches pattern, a path.Match
// pattern such as "*" or "settings". The channel holds one update and
// starts with the current configuration; a subscriber that falls behind
// misses intermediate updates but not the latest state.
func (m *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)
	ch <- Update{Path: pattern, Config: m.config}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, subscriber{pattern: pattern, ch: ch})
	return ch
}

// Start reconciles the file configuration with the bucket and then follows
// the bucket until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.reconcile(ctx)

	w, err := m.kv.Watch(ctx, "*", jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("watch settings bucket: %w", err)
	}
	m.mu.Lock()
	m.watcher = w
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.follow(ctx, w)
	return nil
}

// reconcile settles which side wins at startup: a newer file version is
// pushed, anything else adopts the bucket, which carries runtime edits.
func (m *Manager) reconcile(ctx context.Context) {
	fileVersion := m.config.Get().Version
	entry, err := m.kv.Get(ctx, KeyVersion)
	if errors.Is(err, natsclient.ErrKVKeyNotFound) {
		m.logger.Info("settings bucket empty, publishing file configuration")
		if err := m.PushToKV(ctx); err != nil {
			m.logger.Error("publish configuration", "error", err)
		}
		return
	}
	if err != nil {
		m.logger.Warn("read bucket version, adopting bucket", "error", err)
		m.pull(ctx)
		return
	}

	bucketVersion := string(entry.Value)
	log := m.logger.With("file_version", fileVersion, "bucket_version", bucketVersion)
	order, err := CompareVersions(fileVersion, bucketVersion)
	switch {
	case err != nil:
		log.Warn("versions not comparable, adopting bucket", "error", err)
	case order > 0:
		log.Info("file configuration is newer, publishing it")
		if err := m.PushToKV(ctx); err != nil {
			m.logger.Error("publish configuration", "error", err)
		}
		return
	case order < 0:
		log.Warn("file configuration is older, adopting bucket")
	}
	m.pull(ctx)
}

// Stop ends the watch and closes every subscriber channel. Further calls
// do nothing.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	w, done := m.watcher, m.done
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	if w != nil {
		_ = w.Stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			m.logger.Warn("settings watcher did not stop in time", "timeout", timeout)
		}
	}
	for _, s := range subs {
		close(s.ch)
	}
	return nil
}

// PushToKV publishes every section, then the version.
func (m *Manager) PushToKV(ctx context.Context) error {
	cfg := m.config.Get()
	for _, s := range sections {
		data, err := json.Marshal(s.value(cfg))
		if err != nil {
			return fmt.Errorf("encode %s: %w", s.key, err)
		}
		if _, err := m.kv.Put(ctx, s.key, data); err != nil {
			return err
		}
	}
	_, err := m.kv.Put(ctx, KeyVersion, []byte(cfg.Version))
	return err
}

// PutSettings validates settings and publishes them. This server picks
// them up like every other one, when the watch delivers them.
func (m *Manager) PutSettings(ctx context.Context, settings Settings) error {
	candidate := m.config.Get()
	candidate.Settings = settings
	if err := candidate.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = m.kv.Put(ctx, KeySettings, data)
	return err
}

func (m *Manager) pull(ctx context.Context) {
	for _, s := range sections {
		entry, err := m.kv.Get(ctx, s.key)
		switch {
		case errors.Is(err, natsclient.ErrKVKeyNotFound):
			continue
		case err != nil:
			m.logger.Warn("read config section", "key", s.key, "error", err)
			continue
		}
		if err := m.apply(s.key, entry.Value); err != nil {
			m.logger.Warn("ignoring invalid config section", "key", s.key, "error", err)
		}
	}
}

func (m *Manager) follow(ctx context.Context, w jetstream.KeyWatcher) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry != nil && entry.Operation() == jetstream.KeyValuePut {
				m.handleUpdate(entry.Key(), entry.Value())
			}
		}
	}
}

func (m *Manager) handleUpdate(key string, value []byte) {
	if key == KeyVersion {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	if err := m.apply(key, value); err != nil {
		m.logger.Error("rejected configuration update", "key", key, "error", err)
		return
	}
	m.logger.Info("configuration updated", "key", key)

	u := Update{Path: key, Config: m.config}
	for _, s := range m.subs {
		if !matches(key, s.pattern) {
			continue
		}
		select {
		case s.ch <- u:
		default:
		}
	}
}

// apply replaces the section under key with value once the whole
// configuration still validates. Sections are replaced, not merged, so
// that deleted entries go away.
func (m *Manager) apply(key string, value []byte) error {
	s, ok := sectionFor(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	if len(value) > maxSettingsBytes {
		return fmt.Errorf("config value larger than %d bytes", maxSettingsBytes)
	}
	if err := checkNesting(value); err != nil {
		return err
	}
	var raw any
	if err := json.Unmarshal(value, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}

	next := m.config.Get()
	s.reset(next)
	merged, err := mergeFromMap(next, map[string]any{key: raw})
	if err != nil {
		return err
	}
	return m.config.Update(merged)
}

func matches(key, pattern string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
