package devicesync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const defaultAdjustReason = "adjustment"

var errStockOverflow = errors.New("stock counter would overflow")

type adjustment struct {
	Product models.Product
	Entry   models.InventoryLedgerEntry
}

func (a adjustment) clamped() bool {
	return a.Entry.AppliedDelta != a.Entry.RequestedDelta
}

type adjustSource struct {
	EventID  *uuid.UUID
	DeviceID *uuid.UUID
	ActorID  string
}

// adjustStock applies delta to the locked effective counter for the branch.
// A decrement below zero is clamped so the counter stays non-negative; the
// ledger row keeps both the requested and the applied delta.
func adjustStock(ctx context.Context, tx store.Tx, branchID uuid.UUID, ref models.ProductRef, delta int64, reason string, src adjustSource, at time.Time) (adjustment, error) {
	product, err := tx.FindProduct(ctx, ref)
	if err != nil {
		return adjustment{}, err
	}
	counter, err := tx.LockStock(ctx, branchID, product.ProductID)
	if err != nil {
		return adjustment{}, fmt.Errorf("lock stock: %w", err)
	}

	if delta > 0 && delta > math.MaxInt64-counter.Quantity {
		return adjustment{}, errStockOverflow
	}
	applied := delta
	if delta < -counter.Quantity {
		applied = -counter.Quantity
	}
	counter.Quantity += applied
	if err := tx.SetStock(ctx, counter, at); err != nil {
		return adjustment{}, fmt.Errorf("set stock: %w", err)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultAdjustReason
	}
	entry, err := tx.InsertLedger(ctx, models.InventoryLedgerEntry{
		BranchID:       branchID,
		ProductID:      product.ProductID,
		Scope:          counter.Scope,
		RequestedDelta: delta,
		AppliedDelta:   applied,
		QuantityAfter:  counter.Quantity,
		Reason:         reason,
		EventID:        src.EventID,
		DeviceID:       src.DeviceID,
		ActorID:        src.ActorID,
		CreatedAt:      at,
	})
	if err != nil {
		return adjustment{}, fmt.Errorf("insert ledger: %w", err)
	}
	return adjustment{Product: product, Entry: entry}, nil
}

func (s *Service) applyInventoryAdjusted(ctx context.Context, tx store.Tx, ec *eventContext, p *InventoryAdjusted) (Outcome, error) {
	eventID := ec.env.EventID
	deviceID := ec.device.DeviceID
	adj, err := adjustStock(ctx, tx, ec.device.BranchID, p.ref(), p.Delta, p.Reason, adjustSource{
		EventID:  &eventID,
		DeviceID: &deviceID,
		ActorID:  deviceActor(ec.device).ActorID,
	}, ec.now)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(CodeProductNotFound, "product does not exist"), nil
	}
	if errors.Is(err, errStockOverflow) {
		return rejected(CodeInvalidPayload, "delta overflows the stock counter"), nil
	}
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	if adj.clamped() {
		productID := adj.Product.ProductID
		conflict, err := s.openConflict(ctx, tx, ec, models.ConflictInventoryUnderflow, map[string]any{
			"product_id":      productID,
			"scope":           adj.Entry.Scope,
			"requested_delta": adj.Entry.RequestedDelta,
			"applied_delta":   adj.Entry.AppliedDelta,
			"stock_after":     adj.Entry.QuantityAfter,
			"reason":          adj.Entry.Reason,
		}, models.ReconciliationTask{ProductID: &productID, TaskType: models.TaskRecheckStock})
		if err != nil {
			return Outcome{}, err
		}
		out = conflicted(CodeInventoryUnderflow, "adjustment clamped at zero stock", conflict.ConflictID)
	} else {
		out = accepted(CodeInventoryAdjusted, "inventory adjusted")
	}
	return out.
		with("product_id", adj.Product.ProductID.String()).
		with("requested_delta", adj.Entry.RequestedDelta).
		with("applied_delta", adj.Entry.AppliedDelta).
		with("stock_after", adj.Entry.QuantityAfter), nil
}
