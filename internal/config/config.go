package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListenRelay is the default bind address for the combined
	// WebSocket/HTTP listener.
	DefaultListenRelay = "0.0.0.0:8001"
	// DefaultOutDir is where the index and archive files live when the
	// config does not override it.
	DefaultOutDir = "./data"

	// DefaultShutdownGrace bounds how long SIGINT/SIGTERM waits for
	// in-flight compactions to finish before exiting anyway.
	DefaultShutdownGrace = 30 * time.Second

	// DefaultLogLevel controls verbosity for archiver logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "nostr-archiver.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the archiver service, loaded
// from a YAML file named on the command line.
type Config struct {
	ListenRelay      string   `yaml:"listen_relay"`
	Relays           []string `yaml:"relays"`
	Kinds            []int64  `yaml:"kinds"`
	OutDir           string   `yaml:"out_dir"`
	AdminToken       string   `yaml:"admin_token"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	ShutdownGraceRaw string   `yaml:"shutdown_grace"`

	Logging LoggingConfig `yaml:"logging"`

	ShutdownGrace time.Duration `yaml:"-"`
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"log_level"`
	Path       string `yaml:"log_path"`
	MaxSizeMB  int    `yaml:"log_max_size_mb"`
	MaxBackups int    `yaml:"log_max_backups"`
	MaxAgeDays int    `yaml:"log_max_age_days"`
	Compress   bool   `yaml:"log_compress"`
}

// Load reads the archiver configuration from the YAML file at path,
// applying sane defaults and returning descriptive errors for invalid
// values.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		ListenRelay: DefaultListenRelay,
		OutDir:      DefaultOutDir,
		Logging: LoggingConfig{
			Level:      DefaultLogLevel,
			Path:       DefaultLogPath,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
		ShutdownGrace: DefaultShutdownGrace,
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var problems []string

	if strings.TrimSpace(cfg.ListenRelay) == "" {
		problems = append(problems, "listen_relay must not be empty")
	}
	if strings.TrimSpace(cfg.OutDir) == "" {
		problems = append(problems, "out_dir must not be empty")
	}
	for _, kind := range cfg.Kinds {
		if kind < 0 {
			problems = append(problems, fmt.Sprintf("kinds entries must be non-negative, got %d", kind))
		}
	}

	if cfg.ShutdownGraceRaw != "" {
		d, err := time.ParseDuration(cfg.ShutdownGraceRaw)
		if err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("shutdown_grace must be a positive duration, got %q", cfg.ShutdownGraceRaw))
		} else {
			cfg.ShutdownGrace = d
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if cfg.Logging.Path == "" {
		cfg.Logging.Path = DefaultLogPath
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if cfg.Logging.MaxAgeDays < 0 {
		problems = append(problems, "logging.log_max_age_days must be non-negative")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}
