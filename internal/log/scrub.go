package log

import (
	"context"
	"log/slog"
)

// scrubHandler rewrites string content through a scrub function before
// the record hits the sink. Error values are rendered to strings here so
// their messages get scrubbed too; stack extraction has already run by
// the time this handler sees the record.
type scrubHandler struct {
	next  slog.Handler
	scrub func(string) string
}

func (h scrubHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h scrubHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, h.scrub(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		nr.AddAttrs(h.scrubAttr(a))
		return true
	})
	return h.next.Handle(ctx, nr)
}

func (h scrubHandler) scrubAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.scrub(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]any, 0, len(attrs))
		for _, ga := range attrs {
			out = append(out, h.scrubAttr(ga))
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, h.scrub(v.Error()))
		case []string:
			// error_chain and friends
			out := make([]string, len(v))
			for i, s := range v {
				out[i] = h.scrub(s)
			}
			return slog.Any(a.Key, out)
		case []map[string]any:
			// error_links carry message strings
			out := make([]map[string]any, len(v))
			for i, m := range v {
				nm := make(map[string]any, len(m))
				for k, mv := range m {
					if s, ok := mv.(string); ok {
						nm[k] = h.scrub(s)
					} else {
						nm[k] = mv
					}
				}
				out[i] = nm
			}
			return slog.Any(a.Key, out)
		}
		return a
	default:
		return a
	}
}

func (h scrubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, h.scrubAttr(a))
	}
	return scrubHandler{next: h.next.WithAttrs(out), scrub: h.scrub}
}

func (h scrubHandler) WithGroup(name string) slog.Handler {
	return scrubHandler{next: h.next.WithGroup(name), scrub: h.scrub}
}
