package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the process logger. LOG_FORMAT=json selects structured output;
// development runs log at debug level.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo}
	if cfg != nil && cfg.AppEnv == "development" {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(slog.String("service", "eventsite"))
}
