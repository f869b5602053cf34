package devicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/events"
)

const (
	ActionResolve                  = "resolve"
	ActionDismiss                  = "dismiss"
	ActionApplyInventoryAdjustment = "apply_inventory_adjustment"
	ActionRetryEvent               = "retry_event"

	defaultConflictListLimit = 100
	maxConflictListLimit     = 500
)

type ResolveRequest struct {
	Action     string          `json:"action"`
	Resolution json.RawMessage `json:"resolution,omitempty"`
}

type inventoryResolution struct {
	ProductID *uuid.UUID `json:"product_id,omitempty"`
	SKU       string     `json:"sku,omitempty"`
	Barcode   string     `json:"barcode,omitempty"`
	Delta     int64      `json:"delta"`
	Reason    string     `json:"reason,omitempty"`
}

func (r inventoryResolution) ref() models.ProductRef {
	return models.ProductRef{ProductID: r.ProductID, SKU: strings.TrimSpace(r.SKU), Barcode: strings.TrimSpace(r.Barcode)}
}

// ResolveConflict closes an open conflict of the actor's branch and
// completes its reconciliation tasks.
func (s *Service) ResolveConflict(ctx context.Context, conflictID uuid.UUID, req ResolveRequest, actor models.Actor) (models.Conflict, error) {
	if !actor.Privileged() {
		return models.Conflict{}, errForbidden(ReasonForbidden, "resolving conflicts requires a manager role")
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	var inv inventoryResolution
	switch action {
	case ActionResolve, ActionDismiss, ActionRetryEvent:
	case ActionApplyInventoryAdjustment:
		if len(req.Resolution) == 0 {
			return models.Conflict{}, errBadRequest(ReasonInvalidResolution, "resolution is required for %s", action)
		}
		if err := json.Unmarshal(req.Resolution, &inv); err != nil {
			return models.Conflict{}, errBadRequest(ReasonInvalidResolution, "resolution is not a valid adjustment")
		}
		if inv.ref().Empty() {
			return models.Conflict{}, errBadRequest(ReasonInvalidResolution, "resolution needs product_id, sku or barcode")
		}
		if inv.Delta == 0 {
			return models.Conflict{}, errBadRequest(ReasonInvalidResolution, "resolution delta must not be zero")
		}
	default:
		return models.Conflict{}, errBadRequest(ReasonInvalidAction, "unknown action %q", req.Action)
	}

	var closed models.Conflict
	err := s.store.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		c, err := tx.LockConflict(ctx, conflictID)
		if errors.Is(err, store.ErrNotFound) {
			return errNotFound(ReasonConflictNotFound, "conflict does not exist")
		}
		if err != nil {
			return fmt.Errorf("lock conflict: %w", err)
		}
		if c.BranchID != actor.BranchID {
			return errNotFound(ReasonConflictNotFound, "conflict does not exist")
		}
		if c.Status != models.ConflictOpen {
			return errConflict(ReasonConflictClosed, fmt.Sprintf("conflict is already %s", c.Status))
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}

		doc := map[string]any{"action": action}
		if len(req.Resolution) > 0 {
			doc["input"] = req.Resolution
		}
		switch action {
		case ActionApplyInventoryAdjustment:
			adj, err := adjustStock(ctx, tx, c.BranchID, inv.ref(), inv.Delta, inv.Reason, adjustSource{
				EventID:  c.EventID,
				DeviceID: c.DeviceID,
				ActorID:  actor.ActorID,
			}, now)
			if errors.Is(err, store.ErrNotFound) {
				return errNotFound(ReasonProductNotFound, "product does not exist")
			}
			if errors.Is(err, errStockOverflow) {
				return errBadRequest(ReasonInvalidResolution, "delta overflows the stock counter")
			}
			if err != nil {
				return err
			}
			doc["ledger_entry_id"] = adj.Entry.EntryID
			doc["requested_delta"] = adj.Entry.RequestedDelta
			doc["applied_delta"] = adj.Entry.AppliedDelta
			doc["stock_after"] = adj.Entry.QuantityAfter
		case ActionRetryEvent:
			doc["event_settled"] = true
			if c.EventID != nil {
				doc["event_id"] = c.EventID.String()
			}
		}
		resolution, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		c.Status = models.ConflictResolved
		if action == ActionDismiss {
			c.Status = models.ConflictDismissed
		}
		by := actor.ActorID
		c.Resolution = resolution
		c.ResolvedBy = &by
		c.ResolvedAt = &now
		c.UpdatedAt = now
		if err := tx.CloseConflict(ctx, c); err != nil {
			return fmt.Errorf("close conflict: %w", err)
		}
		if _, err := tx.CompleteReconciliationTasks(ctx, c.ConflictID, now); err != nil {
			return fmt.Errorf("complete tasks: %w", err)
		}

		changed := events.ConflictChanged{
			ConflictID:   c.ConflictID,
			ConflictType: c.ConflictType,
			Status:       c.Status,
			EventID:      derefID(c.EventID),
			DeviceID:     derefID(c.DeviceID),
		}
		if err := s.enqueue(ctx, tx, s.opts.ConflictsTopic, c.BranchID, events.AggregateConflict, c.ConflictID, events.TypeConflictResolved, changed, now); err != nil {
			return err
		}
		closed = c
		return nil
	})
	if err != nil {
		return models.Conflict{}, err
	}

	s.logger.Info(ctx, "sync_conflict_resolved", "conflict closed",
		slog.String("conflict_id", closed.ConflictID.String()),
		slog.String("conflict_type", closed.ConflictType),
		slog.String("action", action),
		slog.String("status", closed.Status),
		slog.String("actor_id", actor.ActorID),
	)
	return closed, nil
}

// ListConflicts returns the actor's branch conflicts, newest first. An empty
// status lists every status.
func (s *Service) ListConflicts(ctx context.Context, actor models.Actor, status string, limit int) ([]models.Conflict, error) {
	if !actor.Privileged() {
		return nil, errForbidden(ReasonForbidden, "listing conflicts requires a manager role")
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", models.ConflictOpen, models.ConflictResolved, models.ConflictDismissed:
	default:
		return nil, errBadRequest(ReasonInvalidRequest, "unknown conflict status %q", status)
	}
	if limit <= 0 {
		limit = defaultConflictListLimit
	}
	if limit > maxConflictListLimit {
		limit = maxConflictListLimit
	}

	var out []models.Conflict
	err := s.store.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(tx store.Tx) error {
		var err error
		out, err = tx.ListConflicts(ctx, actor.BranchID, status, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return out, nil
}

func derefID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
