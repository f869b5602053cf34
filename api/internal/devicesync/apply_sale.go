package devicesync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/orders"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/workflow"
)

const ledgerReasonOversell = "oversell"

type shortage struct {
	ProductID uuid.UUID `json:"product_id"`
	Available int64     `json:"available"`
	Requested int64     `json:"requested"`
}

func (s *Service) applySaleCreated(ctx context.Context, tx store.Tx, ec *eventContext, p *SaleCreated) (Outcome, error) {
	existing, err := tx.FindOrderByClientOrderID(ctx, ec.device.BranchID, p.ClientOrderID)
	if err == nil {
		return withSale(accepted(CodeAlreadyApplied, "sale already recorded"), existing), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Outcome{}, fmt.Errorf("find order: %w", err)
	}

	eventID := ec.env.EventID
	deviceID := ec.device.DeviceID
	in := orders.CreateInput{
		ClientOrderID: p.ClientOrderID,
		Source:        models.OrderSourcePOS,
		DeviceID:      &deviceID,
		EventID:       &eventID,
		Notes:         p.Notes,
	}
	if p.PlacedAt != nil {
		in.PlacedAt = p.PlacedAt.Time
	}
	for _, item := range p.Items {
		in.Items = append(in.Items, orders.LineInput{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: item.UnitPrice})
	}
	actor := deviceActor(ec.device)

	order, err := s.createOrder(ctx, tx, in, actor)
	switch {
	case err == nil:
		return withSale(accepted(CodeSaleRecorded, "sale recorded"), order), nil
	case errors.Is(err, orders.ErrInsufficientStock):
		return s.recordOversell(ctx, tx, ec, in, actor)
	}
	if ve, ok := orders.AsValidation(err); ok {
		return rejected(ve.Code, ve.Message), nil
	}
	return Outcome{}, err
}

func (s *Service) createOrder(ctx context.Context, tx store.Tx, in orders.CreateInput, actor models.Actor) (models.Order, error) {
	var order models.Order
	err := tx.Savepoint(ctx, func(sp store.Tx) error {
		var err error
		order, err = s.orders.CreateOrder(ctx, sp, in, actor)
		return err
	})
	return order, err
}

// recordOversell keeps the sale the terminal already made offline. The order
// is written without touching stock, each short product gets a zero-delta
// ledger row and a stock recheck task under one oversell conflict.
func (s *Service) recordOversell(ctx context.Context, tx store.Tx, ec *eventContext, in orders.CreateInput, actor models.Actor) (Outcome, error) {
	in.SkipInventoryDeduction = true
	order, err := s.createOrder(ctx, tx, in, actor)
	if err != nil {
		if ve, ok := orders.AsValidation(err); ok {
			return rejected(ve.Code, ve.Message), nil
		}
		return Outcome{}, err
	}

	need := map[uuid.UUID]int64{}
	var ordered []uuid.UUID
	for _, item := range order.Items {
		if _, ok := need[item.ProductID]; !ok {
			ordered = append(ordered, item.ProductID)
		}
		need[item.ProductID] += item.Quantity
	}

	var (
		short []shortage
		tasks []models.ReconciliationTask
	)
	orderID := order.OrderID
	for _, pid := range ordered {
		id := pid
		product, err := tx.FindProduct(ctx, models.ProductRef{ProductID: &id})
		if err != nil {
			return Outcome{}, fmt.Errorf("find product: %w", err)
		}
		if !product.TrackInventory {
			continue
		}
		counter, err := tx.LockStock(ctx, ec.device.BranchID, pid)
		if err != nil {
			return Outcome{}, fmt.Errorf("lock stock: %w", err)
		}
		if counter.Quantity >= need[pid] {
			continue
		}
		short = append(short, shortage{ProductID: pid, Available: counter.Quantity, Requested: need[pid]})

		eventID := ec.env.EventID
		deviceID := ec.device.DeviceID
		if _, err := tx.InsertLedger(ctx, models.InventoryLedgerEntry{
			BranchID:       ec.device.BranchID,
			ProductID:      pid,
			Scope:          counter.Scope,
			RequestedDelta: -need[pid],
			AppliedDelta:   0,
			QuantityAfter:  counter.Quantity,
			Reason:         ledgerReasonOversell,
			OrderID:        &orderID,
			EventID:        &eventID,
			DeviceID:       &deviceID,
			ActorID:        actor.ActorID,
			CreatedAt:      ec.now,
		}); err != nil {
			return Outcome{}, fmt.Errorf("insert ledger: %w", err)
		}
		tasks = append(tasks, models.ReconciliationTask{
			ProductID: &id,
			OrderID:   &orderID,
			TaskType:  models.TaskRecheckStock,
		})
	}

	conflict, err := s.openConflict(ctx, tx, ec, models.ConflictInventoryOversell, map[string]any{
		"order_id":        order.OrderID,
		"order_number":    order.OrderNumber,
		"client_order_id": order.ClientOrderID,
		"shortages":       short,
	}, tasks...)
	if err != nil {
		return Outcome{}, err
	}
	out := conflicted(CodeInventoryOversell, "sale recorded without enough stock", conflict.ConflictID)
	return withSale(out, order), nil
}

func withSale(o Outcome, order models.Order) Outcome {
	return o.withOrder(order.OrderID).
		with("order_number", order.OrderNumber).
		with("order_status", order.Status).
		with("order_total", order.Total.StringFixed(2))
}

func (s *Service) applySaleStatusChanged(ctx context.Context, tx store.Tx, ec *eventContext, p *SaleStatusChanged) (Outcome, error) {
	var orderID uuid.UUID
	if p.OrderID != nil {
		orderID = *p.OrderID
	} else {
		order, err := tx.FindOrderByClientOrderID(ctx, ec.device.BranchID, p.ClientOrderID)
		if errors.Is(err, store.ErrNotFound) {
			return rejected(CodeOrderNotFound, "order does not exist"), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("find order: %w", err)
		}
		orderID = order.OrderID
	}

	var (
		order   models.Order
		changed bool
	)
	err := tx.Savepoint(ctx, func(sp store.Tx) error {
		var err error
		order, changed, err = s.orders.TransitionStatus(ctx, sp, orderID, p.ToStatus, deviceActor(ec.device))
		return err
	})
	switch {
	case err == nil:
		return accepted(CodeStatusChanged, "order status updated").
			withOrder(order.OrderID).
			with("order_status", order.Status).
			with("changed", changed), nil
	case errors.Is(err, orders.ErrOrderNotFound):
		return rejected(CodeOrderNotFound, "order does not exist"), nil
	case errors.Is(err, orders.ErrInvalidTransition):
		ve, _ := orders.AsValidation(err)
		from := ""
		if ve != nil {
			from, _ = ve.Details["from_status"].(string)
		}
		conflict, cerr := s.openConflict(ctx, tx, ec, models.ConflictStatusTransition, map[string]any{
			"order_id":    orderID,
			"from_status": from,
			"to_status":   workflow.NormalizeOrderStatus(p.ToStatus),
			"reason":      p.Reason,
		}, models.ReconciliationTask{OrderID: &orderID, TaskType: models.TaskReviewOrder})
		if cerr != nil {
			return Outcome{}, cerr
		}
		return conflicted(CodeStatusTransition, fmt.Sprintf("order cannot move from %s to %s", from, p.ToStatus), conflict.ConflictID).
			withOrder(orderID).
			with("order_status", from), nil
	}
	if ve, ok := orders.AsValidation(err); ok {
		return rejected(ve.Code, ve.Message), nil
	}
	return Outcome{}, err
}
