// Package logging builds the process logger from the log configuration.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"taro/internal/config"

	slogmulti "github.com/samber/slog-multi"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler adds attributes stored in the context to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context carrying attrs in addition to the ones already stored.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(attrsKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey, merged)
}

// ParseLevel parses debug, info, warn or error. The second result is false for "off".
func ParseLevel(s string) (slog.Level, bool, error) {
	if strings.EqualFold(s, "off") {
		return 0, false, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, false, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, true, nil
}

// New creates a logger writing text records to stdout and, when configured,
// JSON records to the log file. The returned function closes the file.
func New(cfg config.LogConfig, stdout io.Writer) (*slog.Logger, func() error, error) {
	noop := func() error { return nil }
	if cfg.Mode == "disabled" {
		return slog.New(slog.DiscardHandler), noop, nil
	}

	var handlers []slog.Handler
	level, on, err := ParseLevel(cfg.Stdout.Level)
	if err != nil {
		return nil, nil, err
	}
	if on {
		handlers = append(handlers, slog.NewTextHandler(stdout, &slog.HandlerOptions{Level: level}))
	}

	closeFn := noop
	level, on, err = ParseLevel(cfg.File.Level)
	if err != nil {
		return nil, nil, err
	}
	if on && cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closeFn = f.Close
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.DiscardHandler), closeFn, nil
	case 1:
		return slog.New(NewContextHandler(handlers[0])), closeFn, nil
	default:
		return slog.New(NewContextHandler(slogmulti.Fanout(handlers...))), closeFn, nil
	}
}
