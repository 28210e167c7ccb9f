// Package logger wraps log/slog with the engine's extra levels and handler
// selection.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
)

type ctxKey struct{}

type Handler int

const (
	DevHandler Handler = iota
	JSONHandler
	TextHandler
)

// ParseHandler maps LOG_HANDLER style names to a Handler, defaulting to the
// dev handler.
func ParseHandler(s string) Handler {
	switch strings.ToLower(s) {
	case "json":
		return JSONHandler
	case "txt", "text":
		return TextHandler
	}
	return DevHandler
}

const (
	DefaultLevel = slog.LevelInfo

	LevelTrace     = slog.Level(-8)
	LevelDebug     = slog.LevelDebug
	LevelInfo      = slog.LevelInfo
	LevelNotice    = slog.Level(2)
	LevelWarning   = slog.LevelWarn
	LevelError     = slog.LevelError
	LevelEmergency = slog.Level(12)
)

type levelName struct {
	name  string
	short string
	color uint8
}

// levelNames holds the names printed for levels slog doesn't know, plus the
// colors the dev handler uses.
var levelNames = map[slog.Level]levelName{
	LevelTrace:     {name: "TRACE", short: "TRC", color: 13},
	LevelDebug:     {short: "DBG", color: 3},
	LevelInfo:      {short: "INF", color: 14},
	LevelNotice:    {name: "NOTICE", short: "NTC", color: 10},
	LevelEmergency: {name: "EMERGENCY", short: "EMR", color: 9},
}

var levelsByName = map[string]slog.Level{
	"trace":     LevelTrace,
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"notice":    LevelNotice,
	"warn":      LevelWarning,
	"warning":   LevelWarning,
	"error":     LevelError,
	"emergency": LevelEmergency,
}

func ParseLevel(lvl string) slog.Level {
	if l, ok := levelsByName[strings.ToLower(lvl)]; ok {
		return l
	}
	return DefaultLevel
}

// Logger is a slog logger with the additional levels used across the engine.
type Logger interface {
	Debug(msg string, args ...any)
	DebugContext(ctx context.Context, msg string, args ...any)
	Info(msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	Warn(msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	Error(msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
	Log(ctx context.Context, level slog.Level, msg string, args ...any)
	Handler() slog.Handler
	Level() slog.Level
	With(args ...any) Logger

	Trace(msg string, args ...any)
	Notice(msg string, args ...any)
	Emergency(msg string, args ...any)
	SLog() *slog.Logger
}

type LoggerOpt func(o *loggerOpts)

type loggerOpts struct {
	writer  io.Writer
	level   slog.Level
	handler Handler
}

func WithLoggerLevel(lvl slog.Level) LoggerOpt {
	return func(o *loggerOpts) {
		o.level = lvl
	}
}

func WithLoggerWriter(w io.Writer) LoggerOpt {
	return func(o *loggerOpts) {
		o.writer = w
	}
}

func WithHandler(h Handler) LoggerOpt {
	return func(o *loggerOpts) {
		o.handler = h
	}
}

// New returns a logger configured from LOG_HANDLER and LOG_LEVEL, overridden
// by any given options.
func New(opts ...LoggerOpt) Logger {
	o := &loggerOpts{
		level:   ParseLevel(os.Getenv("LOG_LEVEL")),
		writer:  os.Stderr,
		handler: ParseHandler(os.Getenv("LOG_HANDLER")),
	}
	for _, apply := range opts {
		apply(o)
	}

	var h slog.Handler
	switch o.handler {
	case JSONHandler:
		h = slog.NewJSONHandler(o.writer, &slog.HandlerOptions{Level: o.level, ReplaceAttr: replaceLevel})
	case TextHandler:
		h = slog.NewTextHandler(o.writer, &slog.HandlerOptions{Level: o.level, ReplaceAttr: replaceLevel})
	default:
		h = tint.NewHandler(o.writer, &tint.Options{
			Level:       o.level,
			TimeFormat:  "[15:04:05.000]",
			ReplaceAttr: replaceTintLevel,
		})
	}
	return &logger{Logger: slog.New(h), level: o.level}
}

func levelOf(groups []string, a slog.Attr) (levelName, bool) {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return levelName{}, false
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return levelName{}, false
	}
	n, ok := levelNames[lvl]
	return n, ok
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if n, ok := levelOf(groups, a); ok && n.name != "" {
		return slog.String(a.Key, n.name)
	}
	return a
}

func replaceTintLevel(groups []string, a slog.Attr) slog.Attr {
	if n, ok := levelOf(groups, a); ok {
		return tint.Attr(n.color, slog.String(a.Key, n.short))
	}
	return a
}

// StdlibLogger returns the logger stored in ctx, or a new logger if none is
// stored.
func StdlibLogger(ctx context.Context, opts ...LoggerOpt) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return New(opts...)
}

func WithStdlib(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// VoidLogger discards everything.
func VoidLogger() Logger {
	return New(WithLoggerWriter(io.Discard), WithHandler(TextHandler))
}

type logger struct {
	*slog.Logger
	level slog.Level
}

func (l *logger) Level() slog.Level {
	return l.level
}

func (l *logger) With(args ...any) Logger {
	if len(args) == 0 {
		return l
	}
	return &logger{Logger: l.Logger.With(args...), level: l.level}
}

func (l *logger) Trace(msg string, args ...any) {
	l.Log(context.Background(), LevelTrace, msg, args...)
}

func (l *logger) Notice(msg string, args ...any) {
	l.Log(context.Background(), LevelNotice, msg, args...)
}

func (l *logger) Emergency(msg string, args ...any) {
	l.Log(context.Background(), LevelEmergency, msg, args...)
}

func (l *logger) SLog() *slog.Logger {
	return l.Logger
}
