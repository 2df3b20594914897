package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a logger writing JSON to stderr when running in Kubernetes and
// colored console output otherwise.
func New(level slog.Level) *slog.Logger {
	return slog.New(NewHandler(os.Stderr, level, os.Getenv("KUBERNETES_SERVICE_HOST") != ""))
}

func NewHandler(w io.Writer, level slog.Level, structured bool) slog.Handler {
	if structured {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.DateTime})
}

// ParseLevel accepts debug, info, warn and error. Anything else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
