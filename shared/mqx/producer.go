// Package mqx wraps kafka-go for the outbox relay and the telemetry
// consumer.
package mqx

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/observability"
)

var ErrNoBrokers = errors.New("mqx: KAFKA_BROKERS is required")

type Producer struct {
	writer *kafka.Writer
}

// NewProducer writes synchronously with acks from all replicas. Keys are
// hashed, so every message of one aggregate lands on the same partition.
func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, ErrNoBrokers
	}
	return &Producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            max(cfg.KafkaRetryMax, 1),
		BatchTimeout:           time.Duration(max(cfg.KafkaWriteMS, 1)) * time.Millisecond,
		AllowAutoTopicCreation: cfg.Env != "prod",
		Transport:              &kafka.Transport{ClientID: cfg.KafkaClientID},
	}}, nil
}

// Publish satisfies the relay's publisher. headers are written in key order
// followed by the trace context.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("mqx: producer not initialized")
	}
	ctx, span := observability.Tracer("mqx").Start(ctx, "kafka.produce "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("messaging.message.body.size", len(value)),
		),
	)
	defer span.End()

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: buildHeaders(ctx, headers),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
	}
	return err
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
