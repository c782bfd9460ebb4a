package logger

import (
	"context"
	"fmt"
)

type contextKey struct{}
type fixedKey struct{}

// WithLogger returns a new context with the given logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithFixedLogger returns a new context with the given fixed logger.
// This is only used for testing.
func WithFixedLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, fixedKey{}, logger)
}

// FromContext returns a logger from the given context.
func FromContext(ctx context.Context) Logger {
	if value := ctx.Value(fixedKey{}); value != nil {
		return value.(Logger)
	}
	value := ctx.Value(contextKey{})
	if value == nil {
		return defaultLogger
	}
	return value.(Logger)
}

// Debug logs a debug message using the logger in the context.
func Debug(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Debug(msg, tags...)
}

// Info logs an info message using the logger in the context.
func Info(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Info(msg, tags...)
}

// Warn logs a warning message using the logger in the context.
func Warn(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Warn(msg, tags...)
}

// Error logs an error message using the logger in the context.
func Error(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Error(msg, tags...)
}

// Fatal logs an error message and exits the process.
func Fatal(ctx context.Context, msg string, tags ...any) {
	FromContext(ctx).Fatal(msg, tags...)
}

// Debugf logs a formatted debug message using the logger in the context.
func Debugf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Debug(fmt.Sprintf(format, v...))
}

// Infof logs a formatted info message using the logger in the context.
func Infof(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Info(fmt.Sprintf(format, v...))
}

// Warnf logs a formatted warning message using the logger in the context.
func Warnf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Warn(fmt.Sprintf(format, v...))
}

// Errorf logs a formatted error message using the logger in the context.
func Errorf(ctx context.Context, format string, v ...any) {
	FromContext(ctx).Error(fmt.Sprintf(format, v...))
}
