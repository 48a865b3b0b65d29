package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyUserID     = "userId"
	KeyPlaceID    = "placeId"
	KeyChannelID  = "channelId"
	KeyCommand    = "command"
	KeyGuildID    = "guildId"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

type contextKey struct{}

// handlerBox gives the atomic pointer one concrete type whatever handler
// (text or json) is installed.
type handlerBox struct {
	h slog.Handler
}

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	current *atomic.Pointer[handlerBox]
	attrs   []slog.Attr
	groups  []string
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	p := &atomic.Pointer[handlerBox]{}
	p.Store(&handlerBox{h: h})
	return &switchableHandler{current: p}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.current.Store(&handlerBox{h: handler})
}

func (h *switchableHandler) resolve() slog.Handler {
	handler := h.current.Load().h
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &switchableHandler{
		current: h.current,
		attrs:   merged,
		groups:  append([]string(nil), h.groups...),
	}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	return &switchableHandler{
		current: h.current,
		attrs:   append([]slog.Attr(nil), h.attrs...),
		groups:  append(append([]string(nil), h.groups...), name),
	}
}

var (
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init configures the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(handler)
	slog.SetDefault(defaultLogger)
}

// Setup initializes logging from the log section of the config. When file is
// non-empty, output goes to stdout and a rotating log file. The returned
// closer releases the file and is never nil.
func Setup(format, level, file string, maxSizeMB, maxBackups int) (io.Closer, error) {
	if file == "" {
		Init(format, level, os.Stdout)
		return io.NopCloser(nil), nil
	}

	rw, err := NewRotatingWriter(file, maxSizeMB, maxBackups)
	if err != nil {
		Init(format, level, os.Stdout)
		return io.NopCloser(nil), err
	}
	Init(format, level, TeeWriter(os.Stdout, rw))
	return rw, nil
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithCommand returns a child logger carrying slash command correlation fields.
func WithCommand(logger *slog.Logger, command, guildID string) *slog.Logger {
	return logger.With(
		slog.String(KeyCommand, command),
		slog.String(KeyGuildID, guildID),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps a config level name onto a slog level. Unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
