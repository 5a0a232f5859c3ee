// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel   = "FUNCSERVER_LOG_LEVEL"
	EnvLogNoColor = "FUNCSERVER_LOG_NOCOLOR"
)

// LogConfig selects the process log sinks.
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	NoColor    bool   `toml:"no_color" yaml:"no_color"`

	// Out replaces stderr as the console sink.
	Out io.Writer `toml:"-" yaml:"-"`
}

// Logging owns the process sinks. Base writes to the console and the
// rotating file; Attach adds a Hub as one more sink.
type Logging struct {
	Base zerolog.Logger

	app     string
	level   zerolog.Level
	noColor bool
	writers []io.Writer
	file    *lumberjack.Logger
}

// NewLogging builds the console and file sinks for app.
func NewLogging(app string, cfg LogConfig) *Logging {
	level, ok := ParseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		level, ok = ParseLevel(cfg.Level)
		if !ok {
			level = zerolog.InfoLevel
		}
	}
	noColor := cfg.NoColor
	if v, err := parseBoolEnv(EnvLogNoColor); err == nil {
		noColor = v
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	l := &Logging{app: app, level: level, noColor: noColor}
	l.writers = append(l.writers, zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	})
	if cfg.File != "" {
		l.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 10),
		}
		l.writers = append(l.writers, l.file)
	}
	l.Base = l.logger(l.writers...)
	return l
}

// Attach returns a logger that also broadcasts every line to hub as a log
// event. The hub itself must keep logging through Base.
func (l *Logging) Attach(hub *Hub) zerolog.Logger {
	writers := append([]io.Writer{}, l.writers...)
	writers = append(writers, zerolog.ConsoleWriter{
		Out:        hub.Writer(),
		TimeFormat: time.RFC3339,
		NoColor:    true,
	})
	return l.logger(writers...)
}

func (l *Logging) logger(writers ...io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(l.level).
		With().
		Timestamp().
		Str("app", l.app).
		Logger()
}

// Close closes the rotating file, if any.
func (l *Logging) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
