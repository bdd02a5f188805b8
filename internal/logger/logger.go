package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	levelVar slog.LevelVar

	mu     sync.RWMutex
	out    io.Writer = os.Stdout
	asJSON bool
	base   *slog.Logger
)

func init() {
	levelVar.Set(slog.LevelInfo)
	rebuild()
}

// rebuild 需持有 mu（init 除外）。
func rebuild() {
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if asJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	base = slog.New(h)
}

// SetOutput redirects every logger, including existing Entries.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	out = w
	rebuild()
	mu.Unlock()
}

// SetFormat switches between "text" (default) and "json" lines.
func SetFormat(format string) {
	mu.Lock()
	asJSON = strings.EqualFold(strings.TrimSpace(format), "json")
	rebuild()
	mu.Unlock()
}

// ParseLevel maps a config level name to slog; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func SetLevel(level string) {
	levelVar.Set(ParseLevel(level))
}

func activeLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func Debugf(format string, v ...any) {
	activeLogger().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	activeLogger().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	activeLogger().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	activeLogger().Error(fmt.Sprintf(format, v...))
}

// Entry carries fixed attributes (asset, component) onto every line it logs.
// It resolves the base logger lazily so SetOutput still applies after creation.
type Entry struct {
	attrs []any
}

// With returns an Entry tagging each line with the given key/value pairs.
func With(args ...any) *Entry {
	return &Entry{attrs: append([]any(nil), args...)}
}

// With extends the entry with more attributes.
func (e *Entry) With(args ...any) *Entry {
	if e == nil {
		return With(args...)
	}
	merged := make([]any, 0, len(e.attrs)+len(args))
	merged = append(merged, e.attrs...)
	merged = append(merged, args...)
	return &Entry{attrs: merged}
}

func (e *Entry) logger() *slog.Logger {
	l := activeLogger()
	if e == nil || len(e.attrs) == 0 {
		return l
	}
	return l.With(e.attrs...)
}

func (e *Entry) Debugf(format string, v ...any) {
	e.logger().Debug(fmt.Sprintf(format, v...))
}

func (e *Entry) Infof(format string, v ...any) {
	e.logger().Info(fmt.Sprintf(format, v...))
}

func (e *Entry) Warnf(format string, v ...any) {
	e.logger().Warn(fmt.Sprintf(format, v...))
}

func (e *Entry) Errorf(format string, v ...any) {
	e.logger().Error(fmt.Sprintf(format, v...))
}
