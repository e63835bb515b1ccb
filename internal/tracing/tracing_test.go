package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_RecordsStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	assert.NoError(t, InitWithExporter("custody-test", "dev", exporter))

	ctx, span := StartSpan(context.Background(), "parent", map[string]string{"request_id": "r-1"})
	_, child := StartSpan(ctx, "child", nil)
	child.End(errors.New("boom"))
	span.End(nil)

	spans := exporter.GetSpans()
	assert.Len(t, spans, 2)
	assert.Equal(t, "child", spans[0].Name)
	assert.Equal(t, spans[1].SpanContext.TraceID(), spans[0].Parent.TraceID())
}

func TestSpan_NilSafe(t *testing.T) {
	var s *Span
	s.End(errors.New("ignored"))
}
