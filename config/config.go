package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/SignalK/signalk-server-sub000/processor/priority"
	"github.com/SignalK/signalk-server-sub000/security"
)

// Defaults applied by the Loader before any layer is merged.
const (
	DefaultSelfType             = "vessels"
	DefaultPruneContextsMinutes = 60
	DefaultWSPort               = 3000
	DefaultWSPath               = "/signalk/v1/stream"
	DefaultBackpressureEnter    = 512 * 1024
	DefaultBackpressureExit     = 1024
	DefaultMaxSendBuffer        = 4 * 512 * 1024
	DefaultMaxSendBufferTime    = 30 * time.Second
	DefaultInputSubject         = "signalk.delta.>"
	DefaultUDPInputPort         = 8375
	DefaultUDPProviderID        = "udp"
	DefaultOutputStream         = "SIGNALK_DELTAS"
	DefaultOutputSubjectPrefix  = "signalk.out"
	DefaultSettingsBucket       = "signalk_settings"
)

var validSelfTypes = map[string]bool{
	"vessels":  true,
	"aircraft": true,
	"aton":     true,
	"sar":      true,
}

// Config is the complete server configuration.
type Config struct {
	Version    string           `json:"version"` // semver, drives file/KV sync
	Settings   Settings         `json:"settings"`
	Security   security.Config  `json:"security,omitempty"`
	NATS       NATSConfig       `json:"nats"`
	Interfaces InterfacesConfig `json:"interfaces"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

// Settings mirrors the Signal K server settings file. Keys keep their
// camelCase names so existing settings documents load unchanged.
type Settings struct {
	SelfID                   string `json:"selfId,omitempty"`
	SelfType                 string `json:"selfType,omitempty"`
	Name                     string `json:"name,omitempty"`
	PruneContextsMinutes     int    `json:"pruneContextsMinutes,omitempty"`
	OverrideTimestampWithNow bool   `json:"overrideTimestampWithNow,omitempty"`

	priority.Settings
}

// SelfContext returns <selfType>.<selfId>.
func (s Settings) SelfContext() string {
	selfType := s.SelfType
	if selfType == "" {
		selfType = DefaultSelfType
	}
	return selfType + "." + s.SelfID
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
	// SettingsBucket is the KV bucket holding the runtime settings document.
	SettingsBucket string `json:"settings_bucket,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// InterfacesConfig selects the delta providers and consumers.
type InterfacesConfig struct {
	WS         WSConfig         `json:"ws"`
	NATSInput  NATSInputConfig  `json:"nats_input"`
	UDPInput   UDPInputConfig   `json:"udp_input"`
	NATSOutput NATSOutputConfig `json:"nats_output"`
}

// WSConfig configures the streaming WebSocket interface.
type WSConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
	// Outgoing bytes queued on a connection before deltas are accumulated
	// instead of sent, and the level at which the accumulation is flushed.
	BackpressureEnter int `json:"backpressure_enter,omitempty"`
	BackpressureExit  int `json:"backpressure_exit,omitempty"`
	// A client whose queue stays above MaxSendBuffer bytes for
	// MaxSendBufferTime is disconnected. Zero MaxSendBuffer disables it.
	MaxSendBuffer     int           `json:"max_send_buffer,omitempty"`
	MaxSendBufferTime time.Duration `json:"max_send_buffer_time,omitempty"`

	MaxMessageSize int64         `json:"max_message_size,omitempty"`
	WriteTimeout   time.Duration `json:"write_timeout,omitempty"`
	// Incoming messages per second per client; 0 disables limiting.
	RateLimit float64 `json:"rate_limit,omitempty"`
	RateBurst int     `json:"rate_burst,omitempty"`
}

// NATSInputConfig configures the NATS delta provider.
type NATSInputConfig struct {
	Enabled bool   `json:"enabled"`
	Subject string `json:"subject,omitempty"`
	Queue   string `json:"queue,omitempty"`
}

// UDPInputConfig configures the UDP delta provider. Each datagram carries
// one or more newline separated JSON deltas.
type UDPInputConfig struct {
	Enabled    bool   `json:"enabled"`
	Bind       string `json:"bind,omitempty"`
	Port       int    `json:"port,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	// Datagrams held while the pipeline catches up; the oldest are dropped
	// when full.
	BufferSize int `json:"buffer_size,omitempty"`
}

// NATSOutputConfig configures publishing of the delta stream to JetStream.
type NATSOutputConfig struct {
	Enabled       bool   `json:"enabled"`
	Stream        string `json:"stream,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LoggingConfig configures the process logger. An empty File logs to stderr.
type LoggingConfig struct {
	Level      string `json:"level,omitempty"`
	Format     string `json:"format,omitempty"` // json or text
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// SafeConfig guards a Config shared between the settings watcher and its
// readers. Readers get private copies.
type SafeConfig struct {
	mu  sync.RWMutex
	cur *Config
}

func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{cur: cfg}
}

// Get returns a copy the caller may modify.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	cfg := sc.cur
	sc.mu.RUnlock()
	return cfg.Clone()
}

// Update swaps in cfg if it validates. The previous value stays on error.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejected config: %w", err)
	}
	sc.mu.Lock()
	sc.cur = cfg
	sc.mu.Unlock()
	return nil
}

// Clone deep-copies c through its JSON form. A config that cannot
// round-trip falls back to a shallow copy.
func (c *Config) Clone() *Config {
	out := &Config{}
	if c == nil {
		return out
	}
	if data, err := json.Marshal(c); err == nil && json.Unmarshal(data, out) == nil {
		return out
	}
	*out = *c
	return out
}

// EnsureSelfID fills an empty self id with a generated Signal K uuid urn and
// reports whether it did.
func (c *Config) EnsureSelfID() bool {
	if c.Settings.SelfID != "" {
		return false
	}
	c.Settings.SelfID = "urn:mrn:signalk:uuid:" + uuid.NewString()
	return true
}

// PruneAge returns the context expiry age in seconds.
func (c *Config) PruneAge() int64 {
	minutes := c.Settings.PruneContextsMinutes
	if minutes <= 0 {
		minutes = DefaultPruneContextsMinutes
	}
	return int64(minutes) * 60
}

// Validate rejects configs the server cannot start with.
func (c *Config) Validate() error {
	if c.Settings.SelfID == "" {
		return errors.New("settings.selfId is required")
	}
	if c.Settings.SelfType != "" && !validSelfTypes[c.Settings.SelfType] {
		return fmt.Errorf("settings.selfType %q is not a known context type", c.Settings.SelfType)
	}
	if c.Settings.PruneContextsMinutes < 0 {
		return errors.New("settings.pruneContextsMinutes cannot be negative")
	}
	if _, err := priority.New(c.Settings.Settings.Config()); err != nil {
		return fmt.Errorf("settings.sourcePriorities: %w", err)
	}

	if err := c.validateInterfaces(); err != nil {
		return err
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	return nil
}

func (c *Config) validateInterfaces() error {
	ws := c.Interfaces.WS
	if ws.Enabled {
		if ws.Port < 0 || ws.Port > 65535 {
			return fmt.Errorf("interfaces.ws.port %d out of range", ws.Port)
		}
		if ws.BackpressureExit >= ws.BackpressureEnter && ws.BackpressureEnter > 0 {
			return fmt.Errorf("interfaces.ws.backpressure_exit (%d) must be below backpressure_enter (%d)",
				ws.BackpressureExit, ws.BackpressureEnter)
		}
		if ws.RateLimit < 0 {
			return errors.New("interfaces.ws.rate_limit cannot be negative")
		}
	}

	if udp := c.Interfaces.UDPInput; udp.Enabled && (udp.Port < 0 || udp.Port > 65535) {
		return fmt.Errorf("interfaces.udp_input.port %d out of range", udp.Port)
	}

	usesNATS := c.Interfaces.NATSInput.Enabled || c.Interfaces.NATSOutput.Enabled
	if usesNATS && (!c.NATS.Enabled || len(c.NATS.URLs) == 0) {
		return errors.New("nats interfaces require nats.enabled with at least one url")
	}
	if c.Interfaces.NATSOutput.Enabled && !isValidNATSSubjectPart(c.Interfaces.NATSOutput.SubjectPrefix) {
		return fmt.Errorf(
			"interfaces.nats_output.subject_prefix '%s' is not valid for NATS subjects",
			c.Interfaces.NATSOutput.SubjectPrefix,
		)
	}
	return nil
}

// isValidNATSSubjectPart accepts letters, digits and the characters "-_.".
func isValidNATSSubjectPart(s string) bool {
	return s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-_.", r)
	}) < 0
}

func (c *Config) validateSecurity() error {
	if srv := c.Security.TLS.Server; srv.Enabled {
		files := []struct{ field, path string }{
			{"cert_file", srv.CertFile},
			{"key_file", srv.KeyFile},
		}
		for i, ca := range srv.MTLS.ClientCAFiles {
			files = append(files, struct{ field, path string }{fmt.Sprintf("mtls.client_ca_files[%d]", i), ca})
		}
		for _, f := range files {
			if f.path == "" {
				return fmt.Errorf("tls.server.%s is required when TLS is enabled", f.field)
			}
			if _, err := os.Stat(f.path); err != nil {
				return fmt.Errorf("tls.server.%s: %w", f.field, err)
			}
		}
		switch srv.MinVersion {
		case "", "1.2", "1.3":
		default:
			return fmt.Errorf("tls.server.min_version %q: want 1.2 or 1.3", srv.MinVersion)
		}
	}

	for i, rule := range c.Security.ACLs {
		switch rule.Permission {
		case security.PermissionNone, security.PermissionRead, security.PermissionReadWrite:
		default:
			return fmt.Errorf("acls[%d]: unknown permission %q", i, rule.Permission)
		}
	}
	return nil
}

// SaveToFile writes c as JSON or YAML depending on the extension of path.
func (c *Config) SaveToFile(path string) error {
	data, err := encodeFor(path, c)
	if err != nil {
		return err
	}
	return writeSettingsFile(path, data)
}

func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// CompareVersions orders two "major.minor.patch" strings, with an
// optional leading v. The result is -1, 0 or 1.
func CompareVersions(v1, v2 string) (int, error) {
	var nums [2][3]int
	for i, v := range []string{v1, v2} {
		n, err := parseSemVer(v)
		if err != nil {
			return 0, fmt.Errorf("version %q: %w", v, err)
		}
		nums[i] = n
	}
	for i := range 3 {
		switch {
		case nums[0][i] < nums[1][i]:
			return -1, nil
		case nums[0][i] > nums[1][i]:
			return 1, nil
		}
	}
	return 0, nil
}

func parseSemVer(v string) ([3]int, error) {
	var out [3]int
	fields := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if v == "" || len(fields) != len(out) {
		return out, errors.New("want major.minor.patch")
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return out, fmt.Errorf("component %d is not a number: %q", i+1, f)
		}
		out[i] = n
	}
	return out, nil
}
