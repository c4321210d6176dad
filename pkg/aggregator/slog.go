package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/modoterra/diaglog/pkg/core"
)

// Handler is a slog.Handler that records into an Aggregator. Each record
// becomes one line: the message followed by space-separated key=value pairs.
// The aggregator's own clock stamps the line; the record time is ignored.
type Handler struct {
	agg    *Aggregator
	level  slog.Leveler
	prefix string
	attrs  []any
}

// NewHandler returns a handler writing to agg. opts may be nil.
func NewHandler(agg *Aggregator, opts *slog.HandlerOptions) *Handler {
	h := &Handler{agg: agg, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	values := make([]any, 0, 1+len(h.attrs)+r.NumAttrs())
	values = append(values, r.Message)
	values = append(values, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		values = appendAttr(values, h.prefix, a)
		return true
	})
	h.agg.Record(core.LevelFromSlog(r.Level), values...)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append([]any{}, h.attrs...)
	for _, a := range attrs {
		nh.attrs = appendAttr(nh.attrs, h.prefix, a)
	}
	return &nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func appendAttr(values []any, prefix string, a slog.Attr) []any {
	v := a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return values
	}
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			values = appendAttr(values, p, ga)
		}
		return values
	}
	s := v.String()
	if strings.ContainsAny(s, " \t\n\"=") {
		s = `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return append(values, prefix+a.Key+"="+s)
}

// TeeHandler sends each record to every handler that accepts its level.
type TeeHandler struct {
	handlers []slog.Handler
}

// NewTeeHandler fans records out to handlers.
func NewTeeHandler(handlers ...slog.Handler) *TeeHandler {
	return &TeeHandler{handlers: handlers}
}

func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &TeeHandler{handlers: hs}
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &TeeHandler{handlers: hs}
}
