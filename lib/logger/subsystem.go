package logger

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
)

// Subsystem names a component with its own log level.
type Subsystem string

const (
	SubsystemAPI       Subsystem = "api"
	SubsystemPools     Subsystem = "pools"
	SubsystemVolumes   Subsystem = "volumes"
	SubsystemMigration Subsystem = "migration"
	SubsystemLVM       Subsystem = "lvm"
)

// Config holds log levels. LOG_LEVEL sets the default and
// LOG_LEVEL_<SUBSYSTEM> (e.g. LOG_LEVEL_LVM=debug) overrides it.
type Config struct {
	DefaultLevel    slog.Level
	SubsystemLevels map[Subsystem]slog.Level
	AddSource       bool
}

// NewConfig reads the log configuration from the environment.
func NewConfig() Config {
	cfg := Config{
		DefaultLevel:    parseLevel(os.Getenv("LOG_LEVEL"), slog.LevelInfo),
		SubsystemLevels: make(map[Subsystem]slog.Level),
		AddSource:       os.Getenv("LOG_ADD_SOURCE") == "true",
	}
	for _, s := range []Subsystem{SubsystemAPI, SubsystemPools, SubsystemVolumes, SubsystemMigration, SubsystemLVM} {
		if v := os.Getenv("LOG_LEVEL_" + strings.ToUpper(string(s))); v != "" {
			cfg.SubsystemLevels[s] = parseLevel(v, cfg.DefaultLevel)
		}
	}
	return cfg
}

// LevelFor returns the level for a subsystem.
func (c Config) LevelFor(s Subsystem) slog.Level {
	if l, ok := c.SubsystemLevels[s]; ok {
		return l
	}
	return c.DefaultLevel
}

func parseLevel(s string, def slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return def
	}
	return l
}

// NewSubsystemLogger returns a JSON logger for subsystem. Records are also
// sent to otelHandler when it is non-nil.
func NewSubsystemLogger(s Subsystem, cfg Config, otelHandler slog.Handler) *slog.Logger {
	var h slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LevelFor(s),
		AddSource: cfg.AddSource,
	})
	if otelHandler != nil {
		h = &teeHandler{handlers: []slog.Handler{h, &levelHandler{Handler: otelHandler, level: cfg.LevelFor(s)}}}
	}
	return slog.New(h).With("subsystem", string(s))
}

// levelHandler applies a minimum level to a handler that has none.
type levelHandler struct {
	slog.Handler
	level slog.Level
}

func (h *levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level && h.Handler.Enabled(ctx, l)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithAttrs(attrs), level: h.level}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{Handler: h.Handler.WithGroup(name), level: h.level}
}

// teeHandler fans records out to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}
