// Package logging builds the slog logger shared by the server and CLI.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/techfest/festdb/internal/config"
)

// Level maps a config level name to a slog level. Unknown names mean info.
func Level(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a logger writing to w: JSON unless cfg asks for text.
func New(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(cfg.Level)}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
