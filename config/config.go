// Package config loads the store's runtime configuration: which ref to
// open by default, the manifest cache's capacity, transport and
// observability settings. Grounded on the teacher's config.Load/
// LoadConfig split (config/config.go): defaults are set
// programmatically first, then an optional YAML document is unmarshalled
// over them, so a missing or empty file is never an error.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RefConfig names which ref to open when the caller doesn't supply an
// explicit snapshot id (spec §4.5).
type RefConfig struct {
	DefaultBranch string `yaml:"default_branch"`
}

// CacheConfig sizes the manifest LRU (spec §4.6).
type CacheConfig struct {
	ManifestCapacity int `yaml:"manifest_capacity"`
}

// TransportConfig configures the HTTP transport. RequestTimeout is a
// duration string (e.g. "30s"), not a time.Duration field directly,
// since YAML has no native duration type; parse it with ParseDuration,
// the same convention the teacher's own config uses for every interval
// field it exposes.
type TransportConfig struct {
	RequestTimeout string            `yaml:"request_timeout"`
	UserAgent      string            `yaml:"user_agent"`
	ExtraHeaders   map[string]string `yaml:"extra_headers"`
}

// Timeout parses RequestTimeout, falling back to 30s if it is empty or
// malformed.
func (c TransportConfig) Timeout(logger *slog.Logger) time.Duration {
	return ParseDuration(c.RequestTimeout, 30*time.Second, logger)
}

// unsetDurations are the values a YAML field is given to mean "use the
// built-in default" rather than naming an actual zero-length duration.
var unsetDurations = map[string]bool{"": true, "0": true}

// ParseDuration parses a duration string such as "30s" or "2m", falling
// back to defaultDuration when the field was left unset. A non-empty
// string that fails to parse also falls back, but is surfaced through
// logger first since that case usually means a typo in the config file
// rather than a deliberate choice.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if unsetDurations[durationStr] {
		return defaultDuration
	}

	d, err := time.ParseDuration(durationStr)
	if err == nil {
		return d
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("falling back to default duration", "raw", durationStr, "default", defaultDuration, "error", err)
	return defaultDuration
}

// LoggingConfig mirrors the teacher's LoggingConfig shape.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file", "none"
	File   string `yaml:"file"`
}

// TracingConfig configures the OpenTelemetry exporter, mirroring the
// teacher's TracingConfig.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// DebugConfig configures the optional pprof/expvar/statsviz server,
// mirroring the teacher's DebugConfig.
type DebugConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ListenAddress   string `yaml:"listen_address"`
	PProfEnabled    bool   `yaml:"pprof_enabled"`
	StatsvizEnabled bool   `yaml:"statsviz_enabled"`
}

// Config is the top-level configuration struct.
type Config struct {
	Ref       RefConfig       `yaml:"ref"`
	Cache     CacheConfig     `yaml:"cache"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Debug     DebugConfig     `yaml:"debug"`
}

func defaults() *Config {
	return &Config{
		Ref: RefConfig{
			DefaultBranch: "main",
		},
		Cache: CacheConfig{
			ManifestCapacity: 100,
		},
		Transport: TransportConfig{
			RequestTimeout: "30s",
			UserAgent:      "icechunk-go",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Debug: DebugConfig{
			Enabled:         false,
			ListenAddress:   "127.0.0.1:6060",
			PProfEnabled:    true,
			StatsvizEnabled: true,
		},
	}
}

// Load reads configuration from an io.Reader, applying defaults first
// and then overwriting them with whatever the YAML document names. A
// nil or empty reader returns the defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path, falling back
// to defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
