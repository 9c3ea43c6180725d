// Package config loads persistent logcatd defaults from yaml files and
// LOGCATD_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds persistent defaults loaded from config files. Values stay
// strings so they can be fed to command-line flags unchanged; yaml scalars
// such as `backlog: 0` or `compress: true` decode into them as written.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Meta     MetaConfig     `yaml:"meta"`
	Redact   RedactConfig   `yaml:"redact"`
	Sinks    SinksConfig    `yaml:"sinks"`
	HTTP     HTTPConfig     `yaml:"http"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// SourceConfig controls the logcat process and record assembly.
type SourceConfig struct {
	Command     []string `yaml:"command"`
	Filter      string   `yaml:"filter"`
	Backlog     string   `yaml:"backlog"`
	SelfFilter  string   `yaml:"self_filter"`
	MinSeverity string   `yaml:"min_severity"`
	MaxLines    string   `yaml:"max_lines"`
	Quiet       string   `yaml:"quiet"`
}

// MetaConfig identifies this capture downstream.
type MetaConfig struct {
	Source   string `yaml:"source"`
	Instance string `yaml:"instance"`
}

// RedactConfig controls masking of personal data in entry text.
type RedactConfig struct {
	Enabled  string `yaml:"enabled"`  // "true" or a comma list of pattern names
	Patterns string `yaml:"patterns"` // yaml file with extra patterns
}

// SinksConfig groups the downstream consumers.
type SinksConfig struct {
	Console ConsoleConfig `yaml:"console"`
	File    FileConfig    `yaml:"file"`
	NATS    NATSConfig    `yaml:"nats"`
	Loki    LokiConfig    `yaml:"loki"`
}

// ConsoleConfig holds console sink defaults.
type ConsoleConfig struct {
	Enabled string `yaml:"enabled"`
	Format  string `yaml:"format"`
	Color   string `yaml:"color"`
}

// FileConfig holds rotating file sink defaults.
type FileConfig struct {
	Dir      string `yaml:"dir"`
	MaxFile  string `yaml:"max_file"`
	MaxDisk  string `yaml:"max_disk"`
	Compress string `yaml:"compress"`
}

// NATSConfig holds message queue publisher defaults.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Timeout string `yaml:"timeout"`
	Format  string `yaml:"format"`
}

// LokiConfig holds Loki push defaults.
type LokiConfig struct {
	Target   string `yaml:"target"`
	Insecure string `yaml:"insecure"`
	Compress string `yaml:"compress"`
}

// HTTPConfig holds the metrics and broadcast listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultsConfig holds global defaults.
type DefaultsConfig struct {
	Verbose   bool   `yaml:"verbose"`
	LogFormat string `yaml:"log_format"`
}

// Load reads config from ~/.logcatd/config.yaml then CWD .logcatd.yaml.
// CWD config values override home config. Missing files are not errors.
// Environment variables (LOGCATD_*) override config file values.
func Load() *Config {
	cfg := &Config{}

	if home, err := os.UserHomeDir(); err == nil {
		_ = loadFile(filepath.Join(home, ".logcatd", "config.yaml"), cfg)
	}
	_ = loadFile(".logcatd.yaml", cfg)

	applyEnv(cfg)
	return cfg
}

// LoadFrom reads config from a specific path. Used for testing and --config.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv("LOGCATD_" + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("LOGCATD_SOURCE_COMMAND"); v != "" {
		cfg.Source.Command = strings.Fields(v)
	}
	str("SOURCE_FILTER", &cfg.Source.Filter)
	str("SOURCE_BACKLOG", &cfg.Source.Backlog)
	str("SOURCE_SELF_FILTER", &cfg.Source.SelfFilter)
	str("SOURCE_MIN_SEVERITY", &cfg.Source.MinSeverity)
	str("SOURCE_MAX_LINES", &cfg.Source.MaxLines)
	str("SOURCE_QUIET", &cfg.Source.Quiet)

	str("META_SOURCE", &cfg.Meta.Source)
	str("META_INSTANCE", &cfg.Meta.Instance)

	str("REDACT", &cfg.Redact.Enabled)
	str("REDACT_PATTERNS", &cfg.Redact.Patterns)

	str("CONSOLE_ENABLED", &cfg.Sinks.Console.Enabled)
	str("CONSOLE_FORMAT", &cfg.Sinks.Console.Format)
	str("CONSOLE_COLOR", &cfg.Sinks.Console.Color)
	str("FILE_DIR", &cfg.Sinks.File.Dir)
	str("FILE_MAX_FILE", &cfg.Sinks.File.MaxFile)
	str("FILE_MAX_DISK", &cfg.Sinks.File.MaxDisk)
	str("FILE_COMPRESS", &cfg.Sinks.File.Compress)
	str("NATS_URL", &cfg.Sinks.NATS.URL)
	str("NATS_SUBJECT", &cfg.Sinks.NATS.Subject)
	str("NATS_TIMEOUT", &cfg.Sinks.NATS.Timeout)
	str("NATS_FORMAT", &cfg.Sinks.NATS.Format)
	str("LOKI_TARGET", &cfg.Sinks.Loki.Target)
	str("LOKI_INSECURE", &cfg.Sinks.Loki.Insecure)
	str("LOKI_COMPRESS", &cfg.Sinks.Loki.Compress)

	str("HTTP_LISTEN", &cfg.HTTP.Listen)
	str("LOG_FORMAT", &cfg.Defaults.LogFormat)
	if v := os.Getenv("LOGCATD_VERBOSE"); v != "" {
		cfg.Defaults.Verbose = strings.EqualFold(v, "true") || v == "1"
	}
}
