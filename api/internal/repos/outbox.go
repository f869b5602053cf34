package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-platform/api/internal/models"
)

// Outbox row lifecycle: pending -> sending -> delivered, or back to pending
// with a retry time, or dead once attempts run out.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `event_id, branch_id, aggregate_type, aggregate_id, topic, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

func scanOutbox(row pgx.Row) (models.OutboxEvent, error) {
	var e models.OutboxEvent
	err := row.Scan(
		&e.EventID, &e.BranchID, &e.AggregateType, &e.AggregateID, &e.Topic, &e.Payload, &e.Status, &e.Attempts,
		&e.NextRetryAt, &e.LockedAt, &e.LockedBy, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.PublishedAt,
	)
	return e, err
}

// EnqueueOutbox writes the row in the caller's transaction; the relay only
// sees it after commit.
func (t *pgTx) EnqueueOutbox(ctx context.Context, event models.OutboxEvent) error {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return err
		}
		event.CreatedAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, branch_id, aggregate_type, aggregate_id, topic, payload, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`, event.EventID, event.BranchID, event.AggregateType, event.AggregateID, event.Topic, event.Payload, OutboxStatusPending, event.CreatedAt)
	return err
}

// OutboxRepo is the relay side of the outbox. Every method is a single
// autocommit statement.
type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// ClaimPending moves up to limit due rows to sending under owner, oldest
// first. SKIP LOCKED lets several relays claim concurrently.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'sending', locked_at = now(), locked_by = $2, updated_at = now()
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = 'pending' AND coalesce(next_retry_at, '-infinity') <= now()
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns, limit, owner)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OutboxEvent, error) {
		return scanOutbox(row)
	})
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	event, err := scanOutbox(r.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID))
	return event, mapErr(err)
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'delivered', published_at = now(), locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID)
	return err
}

// MarkFailed records a failed dispatch. Dead rows keep their last error and
// are never claimed again.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	status := OutboxStatusPending
	if dead {
		status, nextRetryAt = OutboxStatusDead, nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2, attempts = $3, next_retry_at = $4, last_error = left($5, 2048),
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = $1
	`, eventID, status, attempts, nextRetryAt, lastErr)
	return err
}

// ReleaseStale hands rows stuck in sending back to pending, for relays that
// died between claim and dispatch.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending', locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = 'sending' AND locked_at < now() - $1::float8 * interval '1 millisecond'
	`, olderThan.Milliseconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
