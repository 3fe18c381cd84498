// Package logger builds the slog loggers used by every command.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"loginpilot/internal/infra/config"
)

// New opens cfg.Output and builds a logger on it. Call the returned func
// on exit to close a log file.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: output %q: %w", cfg.Output, err)
	}
	return NewWithWriter(cfg, w), closeFn, nil
}

// NewWithWriter builds a logger writing to w, ignoring cfg.Output. The
// progress TUI uses it to move log lines off the terminal it draws on.
func NewWithWriter(cfg config.LoggerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "loginpilot")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// parseLevel maps a config level name to a slog level; unknown names log
// at info.
func parseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func openOutput(target string) (io.Writer, func() error, error) {
	nop := func() error { return nil }
	switch strings.ToLower(target) {
	case "", "stderr":
		return os.Stderr, nop, nil
	case "stdout":
		return os.Stdout, nop, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
