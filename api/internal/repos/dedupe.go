package repos

import (
	"context"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

func (t *pgTx) MaxAppliedSeq(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var seq int64
	err := t.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(device_seq), 0)
		FROM sync_dedupe
		WHERE device_id = $1 AND status IN ($2, $3)
	`, deviceID, models.OutcomeAccepted, models.OutcomeConflict).Scan(&seq)
	return seq, err
}

// ReserveDedupe relies on the primary key, the idempotency key constraint
// and the partial (device_id, device_seq) index as arbiters; the first
// writer wins and later writers see zero rows.
func (t *pgTx) ReserveDedupe(ctx context.Context, rec models.DedupeRecord) (bool, error) {
	now, err := t.Now(ctx)
	if err != nil {
		return false, err
	}
	tag, err := t.db.Exec(ctx, `
		INSERT INTO sync_dedupe (event_id, idempotency_key, device_id, device_seq, event_type, payload_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT DO NOTHING
	`, rec.EventID, rec.IdempotencyKey, rec.DeviceID, rec.DeviceSeq, rec.EventType, rec.PayloadHash, rec.Status, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindDedupe looks the record up by event id, then idempotency key, then
// the live (device, seq) pair.
func (t *pgTx) FindDedupe(ctx context.Context, eventID uuid.UUID, idempotencyKey string, deviceID uuid.UUID, deviceSeq int64) (models.DedupeRecord, error) {
	var rec models.DedupeRecord
	err := t.db.QueryRow(ctx, `
		SELECT event_id, idempotency_key, device_id, device_seq, event_type, payload_hash, status, COALESCE(code, ''), ack, created_at, updated_at
		FROM sync_dedupe
		WHERE event_id = $1
			OR idempotency_key = $2
			OR (device_id = $3 AND device_seq = $4 AND status <> $5)
		ORDER BY CASE
			WHEN event_id = $1 THEN 0
			WHEN idempotency_key = $2 THEN 1
			ELSE 2
		END
		LIMIT 1
	`, eventID, idempotencyKey, deviceID, deviceSeq, models.OutcomeRejected).
		Scan(&rec.EventID, &rec.IdempotencyKey, &rec.DeviceID, &rec.DeviceSeq, &rec.EventType, &rec.PayloadHash, &rec.Status, &rec.Code, &rec.Ack, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, mapErr(err)
}

func (t *pgTx) FinalizeDedupe(ctx context.Context, eventID uuid.UUID, status string, code string, ack []byte, at time.Time) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE sync_dedupe
		SET status = $2, code = $3, ack = $4, updated_at = $5
		WHERE event_id = $1
	`, eventID, status, nullIfEmpty(code), ack, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendJournal(ctx context.Context, entry models.JournalEntry) (models.JournalEntry, error) {
	if entry.JournalID == uuid.Nil {
		entry.JournalID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return models.JournalEntry{}, err
		}
		entry.ReceivedAt = now
	}
	var payload any
	if len(entry.Payload) > 0 {
		payload = entry.Payload
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO sync_journal (
			journal_id, event_id, idempotency_key, device_id, branch_id, device_seq, event_type,
			payload_hash, payload, status, code, order_id, conflict_id, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, entry.JournalID, entry.EventID, entry.IdempotencyKey, entry.DeviceID, entry.BranchID, entry.DeviceSeq, entry.EventType,
		entry.PayloadHash, payload, entry.Status, nullIfEmpty(entry.Code), entry.OrderID, entry.ConflictID, entry.ReceivedAt)
	if err != nil {
		return models.JournalEntry{}, err
	}
	return entry, nil
}

func (t *pgTx) UpdateJournal(ctx context.Context, journalID uuid.UUID, status string, code string, orderID *uuid.UUID, conflictID *uuid.UUID, at time.Time) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE sync_journal
		SET status = $2, code = $3, order_id = $4, conflict_id = $5, processed_at = $6
		WHERE journal_id = $1
	`, journalID, status, nullIfEmpty(code), orderID, conflictID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
