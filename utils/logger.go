package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is what every taskq component logs through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

type DefaultLogger struct {
	logger *slog.Logger
}

const prefix = "[taskq] "

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	return NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// NewLeveledLogger is NewDefaultLogger for a level name (debug, info, warn, error).
// An empty or unknown name means info.
func NewLeveledLogger(name string) *DefaultLogger {
	level := slog.LevelInfo
	if name != "" && level.UnmarshalText([]byte(name)) != nil {
		level = slog.LevelInfo
	}
	return NewDefaultLogger(level)
}

// NewSlogLogger wraps an already configured slog logger.
func NewSlogLogger(logger *slog.Logger) *DefaultLogger {
	return &DefaultLogger{logger: logger}
}

type defaultArgsKey struct{}

func getDefaultArgs(ctx context.Context) []any {
	dargs, _ := ctx.Value(defaultArgsKey{}).([]any)
	return dargs
}

// WithDefaultArgs attaches args that every *Ctx call appends, e.g. the batch uid.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := getDefaultArgs(ctx)
	merged := make([]any, 0, len(dargs)+len(args))
	merged = append(merged, dargs...)
	merged = append(merged, args...)
	return context.WithValue(ctx, defaultArgsKey{}, merged)
}

func (d *DefaultLogger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if !d.logger.Enabled(ctx, level) {
		return
	}
	if dargs := getDefaultArgs(ctx); len(dargs) > 0 {
		args = append(args[:len(args):len(args)], dargs...)
	}
	d.logger.Log(ctx, level, prefix+msg, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) {
	d.log(context.Background(), slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) Info(msg string, args ...any) {
	d.log(context.Background(), slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) Warn(msg string, args ...any) {
	d.log(context.Background(), slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) Error(msg string, args ...any) {
	d.log(context.Background(), slog.LevelError, msg, args)
}

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelDebug, msg, args)
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelInfo, msg, args)
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelWarn, msg, args)
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.log(ctx, slog.LevelError, msg, args)
}
