package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGNALK"

// durationPaths are the keys that accept Go duration strings ("5s", "2d").
var durationPaths = [][]string{
	{"nats", "reconnect_wait"},
	{"interfaces", "ws", "write_timeout"},
}

// Loader builds a Config from Defaults, then each file layer in order, then
// SIGNALK_* environment variables.
type Loader struct {
	files     []string
	validate  bool
	envPrefix string
}

func NewLoader() *Loader {
	return &Loader{envPrefix: EnvPrefix}
}

// AddLayer appends a file. Keys it sets override the same keys in earlier
// layers; keys it omits are left alone.
func (l *Loader) AddLayer(path string) {
	l.files = append(l.files, path)
}

// EnableValidation makes Load run Config.Validate on the result.
func (l *Loader) EnableValidation(enable bool) {
	l.validate = enable
}

// LoadFile replaces all layers with path and loads it.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.files = append(l.files[:0], path)
	return l.Load()
}

func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()
	for _, path := range l.files {
		raw, err := l.loadRaw(path)
		if err == nil {
			cfg, err = mergeFromMap(cfg, raw)
		}
		if err != nil {
			return nil, fmt.Errorf("settings layer %s: %w", path, err)
		}
	}
	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if l.validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration every layer is merged onto.
func Defaults() *Config {
	return &Config{
		Version: "1.0.0",
		Settings: Settings{
			SelfType:             DefaultSelfType,
			PruneContextsMinutes: DefaultPruneContextsMinutes,
		},
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			SettingsBucket: DefaultSettingsBucket,
		},
		Interfaces: InterfacesConfig{
			WS: WSConfig{
				Enabled:           true,
				Port:              DefaultWSPort,
				Path:              DefaultWSPath,
				BackpressureEnter: DefaultBackpressureEnter,
				BackpressureExit:  DefaultBackpressureExit,
				MaxSendBuffer:     DefaultMaxSendBuffer,
				MaxSendBufferTime: DefaultMaxSendBufferTime,
				MaxMessageSize:    1 << 20,
				WriteTimeout:      10 * time.Second,
			},
			NATSInput: NATSInputConfig{
				Subject: DefaultInputSubject,
			},
			UDPInput: UDPInputConfig{
				Bind:       "0.0.0.0",
				Port:       DefaultUDPInputPort,
				ProviderID: DefaultUDPProviderID,
				BufferSize: 1024,
			},
			NATSOutput: NATSOutputConfig{
				Stream:        DefaultOutputStream,
				SubjectPrefix: DefaultOutputSubjectPrefix,
				Workers:       2,
				QueueSize:     1024,
			},
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// loadRaw loads a JSON or YAML file as a map with duration strings resolved.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readSettingsFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if isYAML(path) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	} else {
		if err := checkNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func encodeFor(path string, c *Config) ([]byte, error) {
	if !isYAML(path) {
		return json.MarshalIndent(c, "", "  ")
	}
	// Round trip through a map so YAML keys follow the json tags.
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return yaml.Marshal(integralNumbers(m))
}

// integralNumbers turns whole float64 values back into int64 so YAML output
// does not use exponent notation.
func integralNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = integralNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = integralNumbers(e)
		}
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
	}
	return v
}

// parseDurations rewrites duration strings at durationPaths as nanoseconds.
func parseDurations(data map[string]any) error {
	for _, keys := range durationPaths {
		parent := data
		for _, k := range keys[:len(keys)-1] {
			next, ok := parent[k].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}
		last := keys[len(keys)-1]
		s, ok := parent[last].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(keys, "."), err)
		}
		parent[last] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays also accepts a whole number of days, "14d".
func parseDurationWithDays(s string) (time.Duration, error) {
	days, ok := strings.CutSuffix(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil {
		return 0, fmt.Errorf("bad day count %q", s)
	}
	return time.Duration(n) * 24 * time.Hour, nil
}

// mergeFromMap overlays override on base through their JSON forms. Only
// keys present in override change.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}
	var tree map[string]any
	if err := roundTrip(base, &tree); err != nil {
		return nil, err
	}
	merged := &Config{}
	if err := roundTrip(deepMergeMaps(tree, override), merged); err != nil {
		return nil, err
	}
	return merged, nil
}

func roundTrip(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, to)
}

// deepMergeMaps returns base with override laid over it. Nested objects
// merge key by key; any other value, arrays included, replaces. Nil values
// in override are ignored.
func deepMergeMaps(base, override map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any, len(override))
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		sub, isMap := v.(map[string]any)
		if prev, wasMap := base[k].(map[string]any); isMap && wasMap {
			v = deepMergeMaps(prev, sub)
		}
		out[k] = v
	}
	return out
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, val != "", nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"SELF_ID", &cfg.Settings.SelfID},
		{"SELF_TYPE", &cfg.Settings.SelfType},
		{"NAME", &cfg.Settings.Name},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"LOG_LEVEL", &cfg.Logging.Level},
		{"LOG_FILE", &cfg.Logging.File},
	}
	for _, s := range strs {
		val, ok, err := env(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	if val, ok, err := env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
		cfg.NATS.Enabled = true
	}

	if val, ok, err := env("WS_PORT"); err != nil {
		return err
	} else if ok {
		port, perr := strconv.Atoi(val)
		if perr != nil {
			return fmt.Errorf("%s_WS_PORT: %w", l.envPrefix, perr)
		}
		cfg.Interfaces.WS.Port = port
	}

	if val, ok, err := env("PRUNE_CONTEXTS_MINUTES"); err != nil {
		return err
	} else if ok {
		minutes, perr := strconv.Atoi(val)
		if perr != nil {
			return fmt.Errorf("%s_PRUNE_CONTEXTS_MINUTES: %w", l.envPrefix, perr)
		}
		cfg.Settings.PruneContextsMinutes = minutes
	}
	return nil
}
