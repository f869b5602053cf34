package mqx

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/events"
)

func TestHeadersCarryTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0xa, 0xb},
		SpanID:     trace.SpanID{0xc},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := buildHeaders(ctx, map[string]string{"event_id": "e-1", "branch_id": "b-1"})
	require.GreaterOrEqual(t, len(headers), 3)
	assert.Equal(t, "branch_id", headers[0].Key)
	assert.Equal(t, "event_id", headers[1].Key)

	msg := kafka.Message{Headers: headers}
	assert.Equal(t, "e-1", Header(msg, "event_id"))
	assert.NotEmpty(t, Header(msg, "traceparent"))

	got := trace.SpanContextFromContext(ContextFromMessage(context.Background(), msg))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope(kafka.Message{Value: []byte(`{"event_type":"sync.event_processed","aggregate_type":"device_event"}`)})
	require.NoError(t, err)
	assert.Equal(t, events.TypeEventProcessed, env.EventType)

	_, err = DecodeEnvelope(kafka.Message{Value: []byte(`{`)})
	assert.Error(t, err)
}

func TestConstructorsRequireBrokers(t *testing.T) {
	_, err := NewProducer(config.Config{})
	assert.ErrorIs(t, err, ErrNoBrokers)
	_, err = NewConsumer(config.Config{}, "sync.events", "g")
	assert.ErrorIs(t, err, ErrNoBrokers)
	_, err = NewConsumer(config.Config{KafkaBrokers: []string{"localhost:9092"}}, "sync.events", "")
	assert.Error(t, err)
}
