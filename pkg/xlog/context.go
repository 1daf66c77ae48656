package xlog

import "context"

// C is a short alias of FromContext.
var C = FromContext

type contextKey struct{}

// FromContext returns the Logger attached to ctx, or the default logger if
// none was attached.
func FromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return Default()
	}
	logger, ok := ctx.Value(contextKey{}).(*Logger)
	if !ok {
		return Default()
	}
	return logger
}

// WithLogger attaches logger to ctx, returning the child context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithContext attaches a copy of the context's current logger extended with
// args to ctx.
func WithContext(ctx context.Context, args ...any) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(args...))
}
