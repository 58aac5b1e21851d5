package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// secretKeys name attributes whose values are dropped whatever they look
// like. A key matches when it equals one of them or ends in "_" plus one.
var secretKeys = []string{"api_key", "apikey", "password", "secret", "token", "dsn", "authorization"}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

// SanitizingHandler scrubs the message and every attribute before handing
// the record to the wrapped handler.
type SanitizingHandler struct {
	next      slog.Handler
	sanitizer *Sanitizer
}

// NewSanitizingHandler wraps next.
func NewSanitizingHandler(next slog.Handler, sanitizer *Sanitizer) *SanitizingHandler {
	return &SanitizingHandler{next: next, sanitizer: sanitizer}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.sanitizer.Sanitize(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		scrubbed = append(scrubbed, h.scrub(a))
	}
	return NewSanitizingHandler(h.next.WithAttrs(scrubbed), h.sanitizer)
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return NewSanitizingHandler(h.next.WithGroup(name), h.sanitizer)
}

func (h *SanitizingHandler) scrub(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		group := v.Group()
		scrubbed := make([]slog.Attr, 0, len(group))
		for _, g := range group {
			scrubbed = append(scrubbed, h.scrub(g))
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	}
	if isSecretKey(a.Key) && v.String() != "" {
		return slog.String(a.Key, redacted)
	}

	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.sanitizer.Sanitize(v.String()))
	case slog.KindAny:
		switch x := v.Any().(type) {
		case error:
			return slog.String(a.Key, h.sanitizer.Sanitize(x.Error()))
		case fmt.Stringer:
			return slog.String(a.Key, h.sanitizer.Sanitize(x.String()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
