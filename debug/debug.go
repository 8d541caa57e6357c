package debug

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

var (
	// Debug switches debug output on. Set it, or call Enable, before
	// starting clients or servers.
	Debug bool

	logger = slog.New(&toggleHandler{next: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})})
)

func init() {
	debugEnv, exists := os.LookupEnv("SOCKIO_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil {
			Debug = val
		}
	}
}

// Printf logs at debug level when debugging is enabled.
func Printf(format string, v ...interface{}) {
	if Enabled() {
		logger.Debug(fmt.Sprintf(format, v...))
	}
}

func Enable() {
	Debug = true
}

func Disable() {
	Debug = false
}

func Enabled() bool {
	return Debug
}

// Logger returns the package logger. Debug records are only emitted while
// debugging is enabled; Info and above always pass.
func Logger() *slog.Logger {
	return logger
}

// NewLogger wraps h so its debug records follow the package toggle.
func NewLogger(h slog.Handler) *slog.Logger {
	return slog.New(&toggleHandler{next: h})
}

type toggleHandler struct {
	next slog.Handler
}

func (h *toggleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < slog.LevelInfo && !Debug {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *toggleHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h *toggleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &toggleHandler{next: h.next.WithAttrs(attrs)}
}

func (h *toggleHandler) WithGroup(name string) slog.Handler {
	return &toggleHandler{next: h.next.WithGroup(name)}
}
