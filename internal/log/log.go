// Package log provides the context-scoped logrus logger used across corral.
package log

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Supported output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ErrLogOutputRequired is returned when Configure is given a nil writer.
var ErrLogOutputRequired = errors.New("you must specify a log output")

type contextKey struct{}

// Config controls the root logger.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// Configure builds the root logger from cfg.
func Configure(cfg Config) (*logrus.Entry, error) {
	if cfg.Output == nil {
		return nil, ErrLogOutputRequired
	}

	logger := logrus.New()
	logger.SetOutput(cfg.Output)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch cfg.Format {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logger format %s is invalid", cfg.Format)
	}

	return logrus.NewEntry(logger), nil
}

// WithLogger returns a context carrying entry.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, contextKey{}, entry)
}

// GetLogger returns the logger stored in ctx, or a stderr logger at info level.
func GetLogger(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if entry, ok := ctx.Value(contextKey{}).(*logrus.Entry); ok && entry != nil {
			return entry
		}
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	return logrus.NewEntry(logger)
}

// WithFields returns a context whose logger carries the extra fields.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, GetLogger(ctx).WithFields(fields))
}
