package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls log output.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"PODFORGE_LOG_LEVEL"`
	// File, when set, receives a copy of every log line and is rotated by
	// size.
	File       string `yaml:"file" env:"PODFORGE_LOG_FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"PODFORGE_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"PODFORGE_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"PODFORGE_LOG_MAX_AGE_DAYS"`
}

// DefaultOptions logs at info level to stderr only.
func DefaultOptions() Options {
	return Options{
		Level:      "info",
		MaxSizeMB:  16,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// ParseLevel maps a level name to a log.Level. An empty name is info.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return log.DebugLevel, nil
	case "info", "":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unsupported log level %q", s)
	}
}

// Setup replaces the default logger according to opts and returns a
// closer for the log file, if any.
func Setup(stderr io.Writer, opts Options) (func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	closer := func() error { return nil }
	out := stderr
	if opts.File != "" {
		path, err := homedir.Expand(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to expand log path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(opts.MaxSizeMB, 16),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		out = io.MultiWriter(stderr, file)
		closer = file.Close
	}

	logger := log.NewWithOptions(out, log.Options{
		ReportTimestamp: level == log.DebugLevel || opts.File != "",
		TimeFormat:      time.RFC3339,
		Level:           level,
	})
	log.SetDefault(logger)
	log.Debug("Logging initialized", "level", level, "file", opts.File)
	return closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
