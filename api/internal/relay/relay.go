// Package relay moves committed outbox rows to Kafka. Rows are claimed by a
// periodic scan and published one by one by dispatch tasks.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/repos"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/observability"
)

const (
	defaultBatchSize   = 50
	defaultMaxAttempts = 10
	defaultStaleAfter  = 2 * time.Minute
)

// Outbox is the relay side of the outbox table. repos.OutboxRepo satisfies it.
type Outbox interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Publisher is satisfied by mqx.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Enqueue schedules the dispatch of one claimed row.
type Enqueue func(ctx context.Context, eventID uuid.UUID) error

type Relay struct {
	Outbox      Outbox
	Publisher   Publisher
	Logger      logx.Logger
	Owner       string
	BatchSize   int
	MaxAttempts int
	StaleAfter  time.Duration
	Now         func() time.Time
}

func (r *Relay) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// Scan releases stale claims, claims a batch of due rows and hands each to
// enqueue. A row that cannot be enqueued is put back with a retry delay.
func (r *Relay) Scan(ctx context.Context, enqueue Enqueue) (int, error) {
	staleAfter := r.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	released, err := r.Outbox.ReleaseStale(ctx, staleAfter)
	if err != nil {
		return 0, fmt.Errorf("release stale outbox rows: %w", err)
	}
	if released > 0 {
		r.Logger.Warn(ctx, "outbox_released", "released stale outbox claims", slog.Int64("rows", released))
	}

	limit := r.BatchSize
	if limit <= 0 {
		limit = defaultBatchSize
	}
	claimed, err := r.Outbox.ClaimPending(ctx, r.Owner, limit)
	if err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	for _, event := range claimed {
		if err := enqueue(ctx, event.EventID); err != nil {
			r.Logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox dispatch",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("event_id", event.EventID.String()),
				slog.String("error", err.Error()),
			)
			if err := r.fail(ctx, event, err); err != nil {
				return 0, err
			}
		}
	}
	return len(claimed), nil
}

// Dispatch publishes one claimed row. Failures are recorded on the row and
// retried by a later scan, so Dispatch only returns store errors.
func (r *Relay) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := observability.Tracer("relay").Start(ctx, "outbox.dispatch")
	defer span.End()

	event, err := r.Outbox.GetByID(ctx, eventID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get outbox row: %w", err)
	}
	if event.Status != repos.OutboxStatusSending {
		return nil
	}

	headers := Headers(event, r.now())
	if err := r.Publisher.Publish(ctx, event.Topic, []byte(event.AggregateID.String()), event.Payload, headers); err != nil {
		span.RecordError(err)
		return r.fail(ctx, event, err)
	}
	if err := r.Outbox.MarkDelivered(ctx, event.EventID); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (r *Relay) fail(ctx context.Context, event models.OutboxEvent, cause error) error {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attempts := event.Attempts + 1
	nextRetry := r.now().Add(RetryDelay(attempts))
	dead := attempts >= maxAttempts
	if err := r.Outbox.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if dead {
		r.Logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.String("topic", event.Topic),
			slog.Int("attempts", attempts),
		)
	}
	return nil
}

// Headers are the Kafka headers of a relayed row.
func Headers(event models.OutboxEvent, now time.Time) map[string]string {
	return map[string]string{
		"event_id":       event.EventID.String(),
		"branch_id":      event.BranchID.String(),
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID.String(),
		"published_at":   now.UTC().Format(time.RFC3339Nano),
	}
}

// RetryDelay grows quadratically from 5s and is capped at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
