package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger. Unknown levels fall back to INFO and
// unknown formats to JSON. Output goes to stdout plus any extra writers,
// such as the io log file.
func Setup(level, format string, extra ...io.Writer) {
	once.Do(func() {
		var w io.Writer = os.Stdout
		if len(extra) > 0 {
			w = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
		}
		logger = New(w, level, format)
		slog.SetDefault(logger)
	})
}

// New builds a logger writing to w without touching the global one.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithRepo returns a logger with the repo field set.
func WithRepo(name string) *slog.Logger {
	return Get().With(slog.String("repo", name))
}

// WithPass returns a logger with the pass_id field set.
func WithPass(id string) *slog.Logger {
	return Get().With(slog.String("pass_id", id))
}
