// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// DefaultPort is the HTTP port a server listens on when none is configured.
const DefaultPort = 9345

// Environment overrides, applied after the config file.
const (
	EnvHost       = "FUNCSERVER_HOST"
	EnvPort       = "FUNCSERVER_PORT"
	EnvFormat     = "FUNCSERVER_FORMAT"
	EnvStreamAddr = "FUNCSERVER_STREAM_ADDR"
	EnvGRPCAddr   = "FUNCSERVER_GRPC_ADDR"
	EnvWorkers    = "FUNCSERVER_WORKERS"
	EnvLogFile    = "FUNCSERVER_LOG_FILE"
)

// Config is the server configuration.
type Config struct {
	Host   string `toml:"host" yaml:"host"`
	Port   int    `toml:"port" yaml:"port"`
	Format string `toml:"format" yaml:"format"`

	// Optional extra listeners; empty disables them.
	StreamAddr string `toml:"stream_addr" yaml:"stream_addr"`
	GRPCAddr   string `toml:"grpc_addr" yaml:"grpc_addr"`

	ChunkSize int   `toml:"chunk_size" yaml:"chunk_size"`
	MaxBody   int64 `toml:"max_body" yaml:"max_body"`
	Workers   int   `toml:"workers" yaml:"workers"`

	StatsInterval    string `toml:"stats_interval" yaml:"stats_interval"`
	SweepInterval    string `toml:"sweep_interval" yaml:"sweep_interval"`
	MetricsNamespace string `toml:"metrics_namespace" yaml:"metrics_namespace"`

	Gops bool `toml:"gops" yaml:"gops"`

	Log LogConfig `toml:"log" yaml:"log"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             DefaultPort,
		Format:           DefaultFormat,
		ChunkSize:        DefaultChunkSize,
		StatsInterval:    "10s",
		SweepInterval:    "1s",
		MetricsNamespace: "funcserver",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 10,
		},
	}
}

// LoadConfig reads path (.toml, .yaml or .yml) over the defaults, then
// applies environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeConfigFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("load config %s: unsupported extension", path)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvHost)); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	if v := strings.TrimSpace(os.Getenv(EnvFormat)); v != "" {
		cfg.Format = v
	}
	if v, ok := os.LookupEnv(EnvStreamAddr); ok {
		cfg.StreamAddr = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvGRPCAddr); ok {
		cfg.GRPCAddr = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvWorkers)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvWorkers, err)
		}
		cfg.Workers = n
	}
	if v, ok := os.LookupEnv(EnvLogFile); ok {
		cfg.Log.File = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks ranges and that the format and intervals parse.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if _, err := NewFormats(c.Format); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if _, err := c.StatsEvery(); err != nil {
		return err
	}
	if _, err := c.SweepEvery(); err != nil {
		return err
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// StatsEvery returns the stats flush interval.
func (c Config) StatsEvery() (time.Duration, error) {
	return parseInterval("stats_interval", c.StatsInterval, 10*time.Second)
}

// SweepEvery returns the hub sweep interval.
func (c Config) SweepEvery() (time.Duration, error) {
	return parseInterval("sweep_interval", c.SweepInterval, time.Second)
}

func parseInterval(name, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func parseBoolEnv(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, fmt.Errorf("%s not set", name)
	}
	return strconv.ParseBool(raw)
}
