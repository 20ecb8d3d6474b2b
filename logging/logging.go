// Package logging builds the logrus loggers handed to completionkit
// components.
//
// There is no package-level logger. A process builds one *logrus.Logger from
// Config at startup and passes *logrus.Entry values, scoped with Component,
// into every constructor. Components that receive no logger use Discard.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Field names shared by all components.
const (
	FieldComponent = "component"
	FieldParentID  = "parent_id"
	FieldFutureID  = "future_id"
	FieldKind      = "kind"
	FieldAttempt   = "attempt"
)

// Config controls logger construction.
type Config struct {
	// Level is a logrus level name (trace, debug, info, warn, error).
	// Default: info
	Level string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic"`

	// Format is "text" or "json".
	// Default: text
	Format string `koanf:"format" validate:"omitempty,oneof=text json"`

	// File enables rotated file output when non-empty.
	File string `koanf:"file"`

	// MaxSizeMB is the size at which the log file is rotated.
	// Default: 100
	MaxSizeMB int `koanf:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept.
	// Default: 20
	MaxBackups int `koanf:"max_backups" validate:"gte=0"`

	// MaxAgeDays removes rotated files older than this. Zero keeps them.
	MaxAgeDays int `koanf:"max_age_days" validate:"gte=0"`

	// Stdout mirrors output to stdout when File is set.
	Stdout bool `koanf:"stdout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  100,
		MaxBackups: 20,
		Stdout:     true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger from cfg. The returned Closer releases the log file
// and must be closed on shutdown.
func New(cfg Config) (*logrus.Logger, io.Closer, error) {
	def := DefaultConfig()
	if cfg.Level == "" {
		cfg.Level = def.Level
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = def.MaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = def.MaxBackups
	}

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	default:
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	if cfg.File == "" {
		l.SetOutput(os.Stdout)
		return l, nopCloser{}, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	if cfg.Stdout {
		l.SetOutput(io.MultiWriter(rotator, os.Stdout))
	} else {
		l.SetOutput(rotator)
	}

	return l, rotator, nil
}

// Component returns an entry tagged with the component name.
// A nil base yields a discarding entry.
func Component(base *logrus.Entry, name string) *logrus.Entry {
	if base == nil {
		base = Discard()
	}
	return base.WithField(FieldComponent, name)
}

// Root wraps a logger in an entry suitable for Component.
func Root(l *logrus.Logger) *logrus.Entry {
	return logrus.NewEntry(l)
}

// Discard returns an entry that drops everything.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}
