// Package bootstrap assembles the process-wide dependencies shared by the
// api and worker binaries.
package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"github.com/suPer8Hu/crewjobs/internal/config"
)

// NewLogger installs a JSON logger on stdout as the slog default.
func NewLogger(cfg config.Config, service string) *slog.Logger {
	return newLogger(os.Stdout, cfg, service)
}

func newLogger(w io.Writer, cfg config.Config, service string) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Environment == "dev" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})).
		With("service", service, "env", cfg.Environment)
	slog.SetDefault(logger)
	return logger
}
