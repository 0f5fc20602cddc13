package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/musebridge/internal/muse"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel   string           `yaml:"log_level" default:"info"`
	Scan       ScanConfig       `yaml:"scan"`
	Session    SessionConfig    `yaml:"session"`
	Sink       SinkConfig       `yaml:"sink"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	AutoStream AutoStreamConfig `yaml:"auto_stream"`
}

type ScanConfig struct {
	Duration     time.Duration `yaml:"duration" default:"10s"`
	Services     []string      `yaml:"services"`
	NamePrefixes []string      `yaml:"name_prefixes"`
	AllowList    []string      `yaml:"allow_list"`
	BlockList    []string      `yaml:"block_list"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"10s"`
	CommandTimeout  time.Duration `yaml:"command_timeout" default:"2s"`
	TeardownTimeout time.Duration `yaml:"teardown_timeout" default:"2s"`
	StaleAfter      time.Duration `yaml:"stale_after" default:"144ms"`
	QueueSize       uint32        `yaml:"queue_size" default:"1024"`
}

const (
	SinkDiscard = "discard"
	SinkNATS    = "nats"
)

type SinkConfig struct {
	Kind          string `yaml:"kind" default:"discard"`
	NATSURL       string `yaml:"nats_url" default:"nats://127.0.0.1:4222"`
	SubjectPrefix string `yaml:"subject_prefix" default:"musebridge"`
	QueueSize     int    `yaml:"queue_size" default:"64"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the metrics endpoint
}

// AutoStreamConfig lists devices to stream as soon as they are discovered.
type AutoStreamConfig struct {
	Devices []string `yaml:"devices"`
	All     bool     `yaml:"all"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Scan.Services = []string{muse.ServiceUUID}
	cfg.Scan.NamePrefixes = []string{muse.DeviceNamePrefix}
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that cannot be corrected by defaults.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.Sink.Kind) {
	case SinkDiscard, SinkNATS:
	default:
		return fmt.Errorf("unknown sink kind %q (expected %s or %s)", c.Sink.Kind, SinkDiscard, SinkNATS)
	}
	if c.Sink.QueueSize <= 0 {
		return fmt.Errorf("sink queue_size must be positive, got %d", c.Sink.QueueSize)
	}
	for name, d := range map[string]time.Duration{
		"connect_timeout":  c.Session.ConnectTimeout,
		"command_timeout":  c.Session.CommandTimeout,
		"teardown_timeout": c.Session.TeardownTimeout,
		"stale_after":      c.Session.StaleAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("session %s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
