package log

import (
	"context"

	"github.com/rs/zerolog"
)

// loggerKey is the context key under which a request-scoped logger lives.
type loggerKey struct{}

// WithLogger returns a child context carrying logger. Handlers attach
// per-event fields (bucket, key) once, and everything downstream picks
// them up through Ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Ctx returns the logger carried by ctx, or the global logger when the
// context carries none.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}
