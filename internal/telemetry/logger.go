package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
)

// InitLogger configures the default logger with optional file output. Every
// handler is wrapped in a redactingHandler so secret values (git PATs, LLM
// API keys, anything matching a configured secret env var name) never reach
// stdout or the log file, per spec.md §4.4 "Secrets".
func InitLogger(debug bool, logFile string, secretEnvVars []string) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var handlers []slog.Handler
	handlers = append(handlers, slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		} else {
			slog.Error("failed to open log file", "path", logFile, "error", err)
		}
	}

	var handler slog.Handler
	if len(handlers) > 1 {
		handler = &multiHandler{handlers: handlers}
	} else {
		handler = handlers[0]
	}

	logger := slog.New(newRedactingHandler(handler, secretEnvVars))
	slog.SetDefault(logger)
}

type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range m.handlers {
		if err := h.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: newHandlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		newHandlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: newHandlers}
}

// redactingHandler masks attribute values that look like secrets before
// delegating to the wrapped handler. It matches two things: the literal
// value of any environment variable named in secretEnvVars, and generic
// bearer/PAT/basic-auth patterns so secrets not explicitly configured still
// get masked on a best-effort basis.
type redactingHandler struct {
	next   slog.Handler
	values map[string]struct{}
}

var genericSecretPattern = regexp.MustCompile(`(?i)(bearer\s+[a-z0-9._\-]+|sk-[a-z0-9]{10,}|ghp_[a-z0-9]{20,}|https://[^:@/\s]+:[^@/\s]+@)`)

func newRedactingHandler(next slog.Handler, secretEnvVars []string) *redactingHandler {
	values := make(map[string]struct{})
	for _, name := range secretEnvVars {
		if v := os.Getenv(name); v != "" {
			values[v] = struct{}{}
		}
	}
	return &redactingHandler{next: next, values: values}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) redact(s string) string {
	for v := range h.values {
		s = regexpQuoteReplace(s, v, "[REDACTED]")
	}
	return genericSecretPattern.ReplaceAllString(s, "[REDACTED]")
}

func regexpQuoteReplace(s, old, new string) string {
	if old == "" {
		return s
	}
	return regexp.MustCompile(regexp.QuoteMeta(old)).ReplaceAllString(s, new)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	nr := slog.NewRecord(record.Time, record.Level, h.redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		if a.Value.Kind() == slog.KindString {
			a.Value = slog.StringValue(h.redact(a.Value.String()))
		}
		nr.AddAttrs(a)
		return true
	})
	return h.next.Handle(ctx, nr)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &redactingHandler{next: h.next.WithAttrs(attrs), values: h.values}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name), values: h.values}
}

func LogDebug(msg string, args ...any) { slog.Debug(msg, args...) }
func LogInfo(msg string, args ...any)  { slog.Info(msg, args...) }

func LogError(msg string, err error, args ...any) {
	slog.Error(msg, append(args, "error", err)...)
}

func LogInfof(format string, args ...any) {
	if slog.Default().Enabled(context.Background(), slog.LevelInfo) {
		slog.Info(fmt.Sprintf(format, args...))
	}
}
