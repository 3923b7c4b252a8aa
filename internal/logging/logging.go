// Package logging builds the application's slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hazz-dev/uptimer/internal/config"
)

// New returns a logger configured by cfg and the writer it logs to. When
// cfg.File is set the writer is a rotating file the caller should close.
func New(cfg config.LogConfig) (*slog.Logger, io.WriteCloser, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}

	var w io.WriteCloser = nopCloser{os.Stderr}
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
	}

	return slog.New(newHandler(w, cfg.Format, level)), w, nil
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
