package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	logger *slog.Logger
)

// Setup initializes the global diagnostics logger.
// Default is WARN so a normal run only shows console progress lines.
func Setup(level string) {
	SetupWriter(level, os.Stderr)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(level string, w io.Writer) {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "INFO":
		l = slog.LevelInfo
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})

	mu.Lock()
	logger = slog.New(handler)
	mu.Unlock()
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		Setup("WARN")
		return Get()
	}
	return l
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithRepo returns a logger with the repo field set.
func WithRepo(name string) *slog.Logger {
	return Get().With(slog.String("repo", name))
}
