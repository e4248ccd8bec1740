// Package ctxlog carries a go-kit logger through a context. Loggers
// pulled back out are annotated with the active opencensus span, so
// log lines from concurrent cabinet builds can be told apart.
package ctxlog

import (
	"context"

	"github.com/go-kit/kit/log"
	"go.opencensus.io/trace"
)

type key int

const loggerKey key = 0

func NewContext(ctx context.Context, logger log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the context logger, or a nop logger when none
// was set.
func FromContext(ctx context.Context) log.Logger {
	v, ok := ctx.Value(loggerKey).(log.Logger)
	if !ok {
		return log.NewNopLogger()
	}

	span := trace.FromContext(ctx)
	if span == nil {
		return v
	}

	sc := span.SpanContext()

	// Uninitialized spans only add zero-value noise.
	if isTraceUninitialized(sc) {
		return v
	}

	return log.With(
		v,
		"trace_id", sc.TraceID.String(),
		"span_id", sc.SpanID.String(),
	)
}

// With returns a context whose logger has the extra keyvals attached.
// When ctx carries no logger, ctx is returned unchanged and the keyvals
// are dropped: FromContext would hand back a nop logger anyway.
func With(ctx context.Context, keyvals ...interface{}) context.Context {
	v, ok := ctx.Value(loggerKey).(log.Logger)
	if !ok {
		return ctx
	}
	return NewContext(ctx, log.With(v, keyvals...))
}

func isTraceUninitialized(sc trace.SpanContext) bool {
	for _, b := range sc.TraceID {
		if b != 0 {
			return false
		}
	}
	return true
}
