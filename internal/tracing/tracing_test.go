package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansRecordErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := TransitionSpan(context.Background(), "c1", "approved", true)
	EndWithError(span, errors.New("conflict"))
	span.End()

	_, span = RulesSpan(context.Background(), "c2", "u1", 3)
	EndWithError(span, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "moderation.transition", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "rules.evaluate", ended[1].Name())
	assert.Equal(t, codes.Unset, ended[1].Status().Code)
}
