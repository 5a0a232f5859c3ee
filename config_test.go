// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, "0.0.0.0:9345", cfg.Addr())

	stats, err := cfg.StatsEvery()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, stats)
}

func TestLoadConfigTOML(t *testing.T) {
	path := writeConfig(t, "funcserver.toml", `
host = "127.0.0.1"
port = 8080
format = "json"
stream_addr = "127.0.0.1:9400"
workers = 4
stats_interval = "250ms"

[log]
level = "debug"
file = "calc.log"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, FormatJSON, cfg.Format)
	assert.Equal(t, "127.0.0.1:9400", cfg.StreamAddr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "calc.log", cfg.Log.File)
	// untouched keys keep their defaults
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, DefaultChunkSize, cfg.ChunkSize)

	every, err := cfg.StatsEvery()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, every)
}

func TestLoadConfigYAML(t *testing.T) {
	path := writeConfig(t, "funcserver.yaml", `
port: 9000
format: expr
grpc_addr: "127.0.0.1:9500"
sweep_interval: 2s
log:
  level: warn
  no_color: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, FormatExpr, cfg.Format)
	assert.Equal(t, "127.0.0.1:9500", cfg.GRPCAddr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.NoColor)

	every, err := cfg.SweepEvery()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, every)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, "funcserver.toml", "port = 8080\nformat = \"json\"\n")
	t.Setenv(EnvHost, "localhost")
	t.Setenv(EnvPort, "7000")
	t.Setenv(EnvFormat, "msgpack")
	t.Setenv(EnvWorkers, "2")
	t.Setenv(EnvLogFile, "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7000", cfg.Addr())
	assert.Equal(t, FormatMsgpack, cfg.Format)
	assert.Equal(t, 2, cfg.Workers)
	assert.Empty(t, cfg.Log.File)

	t.Setenv(EnvPort, "not-a-port")
	_, err = LoadConfig(path)
	assert.ErrorContains(t, err, EnvPort)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		body   string
		errMsg string
	}{
		{name: "extension", file: "cfg.ini", body: "port=1", errMsg: "unsupported extension"},
		{name: "bad toml", file: "cfg.toml", body: "port = ", errMsg: "load config"},
		{name: "bad yaml", file: "cfg.yaml", body: "port: [1", errMsg: "load config"},
		{name: "port range", file: "cfg.toml", body: "port = 70000", errMsg: "out of range"},
		{name: "format", file: "cfg.toml", body: `format = "pickle"`, errMsg: "unknown format"},
		{name: "interval", file: "cfg.toml", body: `stats_interval = "soon"`, errMsg: "stats_interval"},
		{name: "negative interval", file: "cfg.yaml", body: "sweep_interval: -1s", errMsg: "must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.file, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
