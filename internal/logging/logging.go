package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared by every package.
const (
	KeyBundleID   = "bundleId"
	KeyAppID      = "appId"
	KeySessionID  = "sessionId"
	KeyComponent  = "component"
	KeyTransport  = "transport"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

var (
	level slog.LevelVar
	sink  atomic.Pointer[slog.Handler]
	root  = slog.New(deferred{})
)

func init() {
	setSink(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(root)
}

func setSink(h slog.Handler) { sink.Store(&h) }

// deferred resolves the installed sink on every call, so package-level
// loggers built with L before Init follow later reconfiguration. Derived
// attributes and groups are replayed onto the current sink in order.
type deferred struct {
	ops []func(slog.Handler) slog.Handler
}

func (d deferred) handler() slog.Handler {
	h := *sink.Load()
	for _, op := range d.ops {
		h = op(h)
	}
	return h
}

func (d deferred) Enabled(_ context.Context, l slog.Level) bool { return l >= level.Level() }

func (d deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.handler().Handle(ctx, r)
}

func (d deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d deferred) WithGroup(name string) slog.Handler {
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d deferred) with(op func(slog.Handler) slog.Handler) deferred {
	ops := make([]func(slog.Handler) slog.Handler, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return deferred{ops: append(ops, op)}
}

// Init installs the process sink. format is "json" or "text"; a nil output
// means stdout. It may be called again to reconfigure.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{Level: &level}
	if strings.EqualFold(format, "json") {
		setSink(slog.NewJSONHandler(output, opts))
	} else {
		setSink(slog.NewTextHandler(output, opts))
	}
}

// SetLevel changes the minimum level without touching the sink.
func SetLevel(lvl string) { level.Set(ParseLevel(lvl)) }

// InitWithFile logs to stdout and, when path is set, to a rotating file too.
// The returned writer is nil without a file and must be closed on shutdown.
// When the file cannot be opened logging still goes to stdout.
func InitWithFile(format, lvl, path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if path == "" {
		Init(format, lvl, os.Stdout)
		return nil, nil
	}
	rw, err := NewRotatingWriter(path, maxSizeMB, maxBackups)
	if err != nil {
		Init(format, lvl, os.Stdout)
		return nil, err
	}
	Init(format, lvl, TeeWriter(os.Stdout, rw))
	return rw, nil
}

// L returns the logger for a component.
func L(component string) *slog.Logger {
	return root.With(KeyComponent, component)
}

// WithBundle tags logger with a bundle and its session.
func WithBundle(logger *slog.Logger, bundleID, sessionID string) *slog.Logger {
	return logger.With(KeyBundleID, bundleID, KeySessionID, sessionID)
}

func WithApp(logger *slog.Logger, appID string) *slog.Logger {
	return logger.With(KeyAppID, appID)
}

// ParseLevel maps a config level name to a slog level; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
