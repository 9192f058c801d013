package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns the process logger: console output in development,
// JSON with timestamps and callers elsewhere.
func NewLogger(service, env string) zerolog.Logger {
	return newLogger(os.Stdout, service, env)
}

func newLogger(w io.Writer, service, env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", service).Logger()
	}
	return zerolog.New(w).With().Timestamp().Caller().Str("service", service).Logger()
}

// LoggerFromContext adds trace_id and span_id from the active span.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return base
	}
	return base.With().
		Str("trace_id", sc.TraceID().String()).
		Str("span_id", sc.SpanID().String()).
		Logger()
}
