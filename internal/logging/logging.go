// Package logging builds the root zerolog.Logger every component is
// constructed with, following the teacher's reputation-package style
// (zerolog.Logger, .With().Str(...).Logger()) rather than its older
// log.New call sites.
package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root logger for a binary (charhubd, charhub-worker,
// charhubctl). env "dev" gets a human console writer; anything else
// gets newline-delimited JSON suited to log aggregation.
func New(service, env string) zerolog.Logger {
	var w io.Writer = os.Stderr
	if env == "dev" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(w).With().
		Timestamp().
		Str("service", service).
		Logger()
}

type ctxKey struct{}

// WithRequestID returns a context and a logger both tagged with id, so a
// handler can propagate one correlation id through every downstream
// call and log line for a single request or job run.
func WithRequestID(ctx context.Context, log zerolog.Logger, id string) (context.Context, zerolog.Logger) {
	tagged := log.With().Str("requestId", id).Logger()
	return context.WithValue(ctx, ctxKey{}, tagged), tagged
}

// FromContext returns the logger stashed by WithRequestID, or fallback
// if none was stashed (e.g. a background call not tied to a request).
func FromContext(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return fallback
}
