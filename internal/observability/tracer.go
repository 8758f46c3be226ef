package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is a thin wrapper over the OTel tracer used around operation runs.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer(name string) *Tracer {
	return &Tracer{tracer: otel.Tracer(name)}
}

// Start opens a span and returns a closer that records err (if any) before
// ending the span.
func (t *Tracer) Start(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, fmt.Sprint(v)))
	}
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
