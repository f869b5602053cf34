// Package orders creates point-of-sale orders and moves them through the
// order workflow. Every call runs inside the caller's transaction.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/workflow"
)

const ledgerReasonSale = "sale"

type LineInput struct {
	ProductID uuid.UUID
	Quantity  int64
	// UnitPrice overrides the branch effective price when set.
	UnitPrice *decimal.Decimal
}

type CreateInput struct {
	ClientOrderID string
	Source        string
	DeviceID      *uuid.UUID
	EventID       *uuid.UUID
	Items         []LineInput
	Notes         string
	PlacedAt      time.Time
	// SkipInventoryDeduction records the sale without touching stock.
	SkipInventoryDeduction bool
}

type Service struct{}

func NewService() *Service {
	return &Service{}
}

func (s *Service) CreateOrder(ctx context.Context, tx store.Tx, in CreateInput, actor models.Actor) (models.Order, error) {
	in.ClientOrderID = strings.TrimSpace(in.ClientOrderID)
	if in.ClientOrderID == "" {
		return models.Order{}, invalid(CodeMissingClientID, "client_order_id is required", nil)
	}
	if len(in.Items) == 0 {
		return models.Order{}, invalid(CodeEmptyOrder, "order has no items", nil)
	}

	now, err := tx.Now(ctx)
	if err != nil {
		return models.Order{}, err
	}
	placedAt := in.PlacedAt
	if placedAt.IsZero() {
		placedAt = now
	}
	source := in.Source
	if source == "" {
		source = models.OrderSourcePOS
	}

	order := models.Order{
		OrderID:       uuid.New(),
		BranchID:      actor.BranchID,
		ClientOrderID: in.ClientOrderID,
		Status:        workflow.OrderStatusCompleted,
		Source:        source,
		DeviceID:      in.DeviceID,
		Total:         decimal.Zero,
		Notes:         strings.TrimSpace(in.Notes),
		CreatedBy:     actor.ActorID,
		PlacedAt:      placedAt.UTC(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	products := make([]models.Product, len(in.Items))
	for i, line := range in.Items {
		details := map[string]any{"line": i, "product_id": line.ProductID.String()}
		if line.Quantity <= 0 {
			return models.Order{}, invalid(CodeInvalidQuantity, "quantity must be positive", details)
		}
		pid := line.ProductID
		product, err := tx.FindProduct(ctx, models.ProductRef{ProductID: &pid})
		if errors.Is(err, store.ErrNotFound) {
			return models.Order{}, invalid(CodeProductNotFound, "product does not exist", details)
		}
		if err != nil {
			return models.Order{}, fmt.Errorf("find product: %w", err)
		}
		if !product.Active {
			return models.Order{}, invalid(CodeProductInactive, "product is not active", details)
		}
		products[i] = product

		var unit decimal.Decimal
		if line.UnitPrice != nil {
			if line.UnitPrice.IsNegative() {
				return models.Order{}, invalid(CodeInvalidPrice, "unit_price must not be negative", details)
			}
			unit = *line.UnitPrice
		} else {
			price, err := tx.EffectivePrice(ctx, actor.BranchID, pid)
			if err != nil {
				return models.Order{}, fmt.Errorf("effective price: %w", err)
			}
			unit = price.Price
		}
		lineTotal := unit.Mul(decimal.NewFromInt(line.Quantity))
		order.Items = append(order.Items, models.OrderItem{
			ItemID:    uuid.New(),
			OrderID:   order.OrderID,
			ProductID: pid,
			Name:      product.Name,
			Quantity:  line.Quantity,
			UnitPrice: unit,
			LineTotal: lineTotal,
		})
		order.Total = order.Total.Add(lineTotal)
	}

	if !in.SkipInventoryDeduction {
		if err := s.deduct(ctx, tx, order, products, in, actor, now); err != nil {
			return models.Order{}, err
		}
	}

	number, err := tx.NextOrderNumber(ctx, actor.BranchID)
	if err != nil {
		return models.Order{}, fmt.Errorf("order number: %w", err)
	}
	order.OrderNumber = number

	created, err := tx.InsertOrder(ctx, order)
	if errors.Is(err, store.ErrConflict) {
		return models.Order{}, invalid(CodeDuplicateOrder, "client_order_id already used", map[string]any{"client_order_id": in.ClientOrderID})
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return created, nil
}

// deduct locks each tracked product once and checks its summed quantity,
// then decrements line by line so every line item gets its own ledger row.
func (s *Service) deduct(ctx context.Context, tx store.Tx, order models.Order, products []models.Product, in CreateInput, actor models.Actor, now time.Time) error {
	need := map[uuid.UUID]int64{}
	var ordered []uuid.UUID
	for i, item := range order.Items {
		if !products[i].TrackInventory {
			continue
		}
		if _, ok := need[item.ProductID]; !ok {
			ordered = append(ordered, item.ProductID)
		}
		need[item.ProductID] += item.Quantity
	}

	counters := make(map[uuid.UUID]models.StockCounter, len(ordered))
	for _, pid := range ordered {
		counter, err := tx.LockStock(ctx, actor.BranchID, pid)
		if err != nil {
			return fmt.Errorf("lock stock: %w", err)
		}
		if counter.Quantity < need[pid] {
			return &ValidationError{
				Code:    CodeInsufficientStock,
				Message: "not enough stock to fulfil the order",
				Details: map[string]any{
					"product_id": pid.String(),
					"available":  counter.Quantity,
					"requested":  need[pid],
				},
				Err: ErrInsufficientStock,
			}
		}
		counters[pid] = counter
	}

	orderID := order.OrderID
	for i, item := range order.Items {
		if !products[i].TrackInventory {
			continue
		}
		counter := counters[item.ProductID]
		counter.Quantity -= item.Quantity
		counters[item.ProductID] = counter
		if _, err := tx.InsertLedger(ctx, models.InventoryLedgerEntry{
			BranchID:       actor.BranchID,
			ProductID:      item.ProductID,
			Scope:          counter.Scope,
			RequestedDelta: -item.Quantity,
			AppliedDelta:   -item.Quantity,
			QuantityAfter:  counter.Quantity,
			Reason:         ledgerReasonSale,
			OrderID:        &orderID,
			EventID:        in.EventID,
			DeviceID:       in.DeviceID,
			ActorID:        actor.ActorID,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("insert ledger: %w", err)
		}
	}
	for _, pid := range ordered {
		if err := tx.SetStock(ctx, counters[pid], now); err != nil {
			return fmt.Errorf("set stock: %w", err)
		}
	}
	return nil
}

// TransitionStatus moves an order to toStatus. It reports false when the
// order already had that status.
func (s *Service) TransitionStatus(ctx context.Context, tx store.Tx, orderID uuid.UUID, toStatus string, actor models.Actor) (models.Order, bool, error) {
	toStatus = workflow.NormalizeOrderStatus(toStatus)
	if !workflow.IsOrderStatus(toStatus) {
		return models.Order{}, false, invalid(CodeInvalidStatus, "unknown order status", map[string]any{"to_status": toStatus})
	}

	order, err := tx.LockOrder(ctx, actor.BranchID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, false, &ValidationError{Code: CodeOrderNotFound, Message: "order does not exist", Err: ErrOrderNotFound}
	}
	if err != nil {
		return models.Order{}, false, fmt.Errorf("lock order: %w", err)
	}
	if order.Status == toStatus {
		return order, false, nil
	}
	if !workflow.CanTransition(order.Status, toStatus) {
		return models.Order{}, false, &ValidationError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("cannot move order from %s to %s", order.Status, toStatus),
			Details: map[string]any{"from_status": order.Status, "to_status": toStatus},
			Err:     ErrInvalidTransition,
		}
	}

	now, err := tx.Now(ctx)
	if err != nil {
		return models.Order{}, false, err
	}
	if err := tx.UpdateOrderStatus(ctx, order.OrderID, toStatus, now); err != nil {
		return models.Order{}, false, fmt.Errorf("update order status: %w", err)
	}
	order.Status = toStatus
	order.UpdatedAt = now
	return order, true, nil
}
