package devicesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/events"
)

const outboxPending = "pending"

// dispatch routes a decoded payload to its applier. A rejected outcome makes
// the caller roll back the savepoint the applier ran in.
func (s *Service) dispatch(ctx context.Context, tx store.Tx, ec *eventContext, payload Payload) (Outcome, error) {
	switch p := payload.(type) {
	case *SaleCreated:
		return s.applySaleCreated(ctx, tx, ec, p)
	case *SaleStatusChanged:
		return s.applySaleStatusChanged(ctx, tx, ec, p)
	case *InventoryAdjusted:
		return s.applyInventoryAdjusted(ctx, tx, ec, p)
	case *PriceOverrideSet:
		return s.applyPriceOverrideSet(ctx, tx, ec, p)
	case *CatalogSnapshotApplied:
		return accepted(CodeAcknowledged, "catalog snapshot acknowledged"), nil
	case *DeviceHeartbeat:
		if err := tx.TouchDevice(ctx, ec.device.DeviceID, ec.now); err != nil {
			return Outcome{}, fmt.Errorf("touch device: %w", err)
		}
		return accepted(CodeHeartbeatRecorded, "heartbeat recorded"), nil
	default:
		return Outcome{}, fmt.Errorf("no applier for %T", payload)
	}
}

// openConflict records a conflict raised by the event in ec together with
// its reconciliation tasks and queues the conflict notification.
func (s *Service) openConflict(ctx context.Context, tx store.Tx, ec *eventContext, conflictType string, details any, tasks ...models.ReconciliationTask) (models.Conflict, error) {
	raw, err := json.Marshal(details)
	if err != nil {
		return models.Conflict{}, fmt.Errorf("conflict details: %w", err)
	}
	eventID := ec.env.EventID
	deviceID := ec.device.DeviceID
	conflict, err := tx.InsertConflict(ctx, models.Conflict{
		ConflictID:   uuid.New(),
		EventID:      &eventID,
		BranchID:     ec.device.BranchID,
		DeviceID:     &deviceID,
		ConflictType: conflictType,
		Status:       models.ConflictOpen,
		Details:      raw,
		CreatedAt:    ec.now,
		UpdatedAt:    ec.now,
	})
	if err != nil {
		return models.Conflict{}, fmt.Errorf("insert conflict: %w", err)
	}

	for _, task := range tasks {
		conflictID := conflict.ConflictID
		task.TaskID = uuid.New()
		task.BranchID = conflict.BranchID
		task.ConflictID = &conflictID
		task.EventID = &eventID
		task.Status = models.TaskOpen
		task.CreatedAt = ec.now
		if task.Details == nil {
			task.Details = raw
		}
		if _, err := tx.InsertReconciliationTask(ctx, task); err != nil {
			return models.Conflict{}, fmt.Errorf("insert reconciliation task: %w", err)
		}
	}

	changed := events.ConflictChanged{
		ConflictID:   conflict.ConflictID,
		ConflictType: conflict.ConflictType,
		Status:       conflict.Status,
		EventID:      eventID,
		DeviceID:     deviceID,
	}
	if err := s.enqueue(ctx, tx, s.opts.ConflictsTopic, conflict.BranchID, events.AggregateConflict, conflict.ConflictID, events.TypeConflictOpened, changed, ec.now); err != nil {
		return models.Conflict{}, err
	}
	ec.opened = append(ec.opened, conflictType)
	return conflict, nil
}

// enqueue writes an outbox row in the current transaction; the relay
// publishes it to Kafka after commit.
func (s *Service) enqueue(ctx context.Context, tx store.Tx, topic string, branchID uuid.UUID, aggregateType string, aggregateID uuid.UUID, eventType string, payload any, at time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox payload: %w", err)
	}
	env := events.Envelope{
		EventID:       uuid.New(),
		BranchID:      branchID,
		OccurredAt:    at,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("outbox envelope: %w", err)
	}
	if err := tx.EnqueueOutbox(ctx, models.OutboxEvent{
		EventID:       env.EventID,
		BranchID:      branchID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Topic:         topic,
		Payload:       raw,
		Status:        outboxPending,
		CreatedAt:     at,
		UpdatedAt:     at,
	}); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}
