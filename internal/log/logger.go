// Package log configures the process-wide structured logger. Records are JSON
// on stderr so that command output on stdout stays machine readable.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	SetOutput(os.Stderr)
}

// Setup sets the minimum level. Unknown names mean INFO. It may be called
// again, and loggers handed out earlier follow the change.
func Setup(name string) {
	level.Set(ParseLevel(name))
}

// SetOutput sends subsequent records to w. Loggers already derived with
// WithComponent or WithJob keep their previous destination.
func SetOutput(w io.Writer) {
	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	current.Store(l)
	slog.SetDefault(l)
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Level reports the active minimum level.
func Level() slog.Level { return level.Level() }

func Get() *slog.Logger { return current.Load() }

// WithComponent tags records with the subsystem that wrote them.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithJob tags records with a job id.
func WithJob(id string) *slog.Logger {
	return Get().With(slog.String("job_id", id))
}

// WithTarget tags records with an install target directory.
func WithTarget(dir string) *slog.Logger {
	return Get().With(slog.String("target_dir", dir))
}
