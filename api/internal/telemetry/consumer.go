package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/mqx"
	"pos-sync-platform/shared/observability"
)

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

// Consumer feeds one topic into a Handler. A message is committed once it
// is written or known to be malformed; sink failures are retried in place
// because the reader cannot refetch an uncommitted message.
type Consumer struct {
	Reader  Reader
	Handler Handler
	Logger  logx.Logger
	Topic   string
	Group   string
	// MinBackoff and MaxBackoff bound the sink retry delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Run returns when ctx ends.
func (c *Consumer) Run(ctx context.Context) {
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", c.Topic),
				slog.String("error", err.Error()),
			)
			if !sleep(ctx, c.minBackoff()) {
				return
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			return
		}
		if err := c.Reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.Logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", c.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
		metricsx.SetKafkaLag(c.Topic, c.Group, c.Reader.Stats().Lag)
	}
}

// handle only returns an error when ctx ended while retrying.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	backoff := c.minBackoff()
	for attempt := 1; ; attempt++ {
		err := c.handleOnce(ctx, msg)
		if err == nil {
			return nil
		}
		malformed := errors.Is(err, ErrMalformed)
		c.Logger.Error(ctx, "event_handle_failed", "failed to handle event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("topic", c.Topic),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Bool("skipped", malformed),
			slog.String("error", err.Error()),
		)
		if malformed {
			return nil
		}
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = min(2*backoff, c.maxBackoff())
	}
}

func (c *Consumer) handleOnce(ctx context.Context, msg kafka.Message) error {
	ctx, span := observability.Tracer("telemetry").Start(mqx.ContextFromMessage(ctx, msg), "kafka.consume "+c.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", c.Topic),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
		),
	)
	defer span.End()

	env, err := mqx.DecodeEnvelope(msg)
	if err != nil {
		return errors.Join(ErrMalformed, err)
	}
	if err := c.Handler.Handle(ctx, env); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (c *Consumer) minBackoff() time.Duration {
	if c.MinBackoff > 0 {
		return c.MinBackoff
	}
	return 500 * time.Millisecond
}

func (c *Consumer) maxBackoff() time.Duration {
	if c.MaxBackoff > 0 {
		return max(c.MaxBackoff, c.minBackoff())
	}
	return 30 * time.Second
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
