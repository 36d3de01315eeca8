package utils

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
	// With returns a logger adding the args to every record.
	With(args ...any) Logger
}

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewTextLogger(os.Stderr, level)
}

func NewTextLogger(w io.Writer, level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
	return &DefaultLogger{logger: logger}
}

// NopLogger drops everything, handy in tests.
func NopLogger() *DefaultLogger {
	return NewTextLogger(io.Discard, slog.LevelError+1)
}

// LoggerOr substitutes a default logger for nil.
func LoggerOr(log Logger) Logger {
	if log == nil {
		return NewDefaultLogger(slog.LevelInfo)
	}
	return log
}

const prefix = "[umbra] "

func (d *DefaultLogger) With(args ...any) Logger {
	return &DefaultLogger{logger: d.logger.With(args...)}
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.logger.Debug(prefix+msg, args...)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.logger.Info(prefix+msg, args...)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.logger.Warn(prefix+msg, args...)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.logger.Error(prefix+msg, args...)
}

type defaultArgsKey struct{}

func getDefaultArgs(ctx context.Context) []any {
	args, _ := ctx.Value(defaultArgsKey{}).([]any)
	return args
}

// WithDefaultArgs attaches key/value pairs (trace id, peer name) that
// every *Ctx log call made with the context will carry.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := getDefaultArgs(ctx)
	merged := make([]any, 0, len(dargs)+len(args))
	merged = append(merged, dargs...)
	merged = append(merged, args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.logger.DebugContext(ctx, prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.logger.InfoContext(ctx, prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.logger.WarnContext(ctx, prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.logger.ErrorContext(ctx, prefix+msg, append(args, getDefaultArgs(ctx)...)...)
}
