package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PoolLogHandler wraps an slog.Handler and also appends every record
// carrying a vg_uuid attribute to that pool's log file, so one pool's
// history on this host can be read without filtering the agent log.
type PoolLogHandler struct {
	slog.Handler
	logPathFunc func(vgUUID string) string
	preAttrs    []slog.Attr
}

// NewPoolLogHandler wraps h. logPathFunc maps a VG uuid to its log file;
// an empty result skips the pool log.
func NewPoolLogHandler(h slog.Handler, logPathFunc func(vgUUID string) string) *PoolLogHandler {
	return &PoolLogHandler{Handler: h, logPathFunc: logPathFunc}
}

func (h *PoolLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var vg string
	for _, a := range h.preAttrs {
		if a.Key == PoolKey {
			vg = a.Value.String()
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == PoolKey {
			vg = a.Value.String()
			return false
		}
		return true
	})
	if vg != "" {
		h.appendPoolLog(vg, r)
	}
	return nil
}

func (h *PoolLogHandler) appendPoolLog(vg string, r slog.Record) {
	logPath := h.logPathFunc(vg)
	if logPath == "" {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	write := func(a slog.Attr) bool {
		if a.Key != PoolKey {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
		return true
	}
	for _, a := range h.preAttrs {
		write(a)
	}
	r.Attrs(write)
	b.WriteByte('\n')

	// Package-level slog below: those records have no vg_uuid and cannot recurse.
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		slog.Warn("failed to create pool log directory", "path", logPath, "error", err)
		return
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Warn("failed to open pool log", "path", logPath, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		slog.Warn("failed to write pool log", "path", logPath, "error", err)
	}
}

func (h *PoolLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	pre := make([]slog.Attr, 0, len(h.preAttrs)+len(attrs))
	pre = append(pre, h.preAttrs...)
	pre = append(pre, attrs...)
	return &PoolLogHandler{Handler: h.Handler.WithAttrs(attrs), logPathFunc: h.logPathFunc, preAttrs: pre}
}

// WithGroup does not track groups; vg_uuid is only honoured at the top level.
func (h *PoolLogHandler) WithGroup(name string) slog.Handler {
	return &PoolLogHandler{Handler: h.Handler.WithGroup(name), logPathFunc: h.logPathFunc, preAttrs: h.preAttrs}
}
