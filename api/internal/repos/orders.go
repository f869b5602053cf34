package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const orderColumns = `order_id, branch_id, order_number, COALESCE(client_order_id, ''), status, source, device_id, total, COALESCE(notes, ''), COALESCE(created_by, ''), placed_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (models.Order, error) {
	var o models.Order
	err := row.Scan(&o.OrderID, &o.BranchID, &o.OrderNumber, &o.ClientOrderID, &o.Status, &o.Source, &o.DeviceID, &o.Total, &o.Notes, &o.CreatedBy, &o.PlacedAt, &o.CreatedAt, &o.UpdatedAt)
	return o, mapErr(err)
}

func (t *pgTx) FindOrderByClientOrderID(ctx context.Context, branchID uuid.UUID, clientOrderID string) (models.Order, error) {
	o, err := scanOrder(t.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE branch_id = $1 AND client_order_id = $2
	`, branchID, clientOrderID))
	if err != nil {
		return models.Order{}, err
	}
	return t.withItems(ctx, o)
}

func (t *pgTx) NextOrderNumber(ctx context.Context, branchID uuid.UUID) (string, error) {
	var n int64
	err := t.db.QueryRow(ctx, `
		INSERT INTO order_counters (branch_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (branch_id) DO UPDATE SET last_value = order_counters.last_value + 1
		RETURNING last_value
	`, branchID).Scan(&n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ORD-%06d", n), nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order models.Order) (models.Order, error) {
	if order.OrderID == uuid.Nil {
		order.OrderID = uuid.New()
	}
	if order.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return models.Order{}, err
		}
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt

	_, err := t.db.Exec(ctx, `
		INSERT INTO orders (
			order_id, branch_id, order_number, client_order_id, status, source, device_id,
			total, notes, created_by, placed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, order.OrderID, order.BranchID, order.OrderNumber, nullIfEmpty(order.ClientOrderID), order.Status, order.Source, order.DeviceID,
		order.Total, nullIfEmpty(order.Notes), nullIfEmpty(order.CreatedBy), order.PlacedAt, order.CreatedAt)
	if err != nil {
		return models.Order{}, mapErr(err)
	}

	batch := &pgx.Batch{}
	for i := range order.Items {
		item := &order.Items[i]
		if item.ItemID == uuid.Nil {
			item.ItemID = uuid.New()
		}
		item.OrderID = order.OrderID
		batch.Queue(`
			INSERT INTO order_items (item_id, order_id, line_no, product_id, name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, item.ItemID, item.OrderID, i+1, item.ProductID, item.Name, item.Quantity, item.UnitPrice, item.LineTotal)
	}
	if batch.Len() > 0 {
		if err := t.db.SendBatch(ctx, batch).Close(); err != nil {
			return models.Order{}, err
		}
	}
	return order, nil
}

func (t *pgTx) LockOrder(ctx context.Context, branchID uuid.UUID, orderID uuid.UUID) (models.Order, error) {
	o, err := scanOrder(t.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE branch_id = $1 AND order_id = $2
		FOR UPDATE
	`, branchID, orderID))
	if err != nil {
		return models.Order{}, err
	}
	return t.withItems(ctx, o)
}

func (t *pgTx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string, at time.Time) error {
	tag, err := t.db.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = $3 WHERE order_id = $1
	`, orderID, status, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) withItems(ctx context.Context, o models.Order) (models.Order, error) {
	items, err := t.orderItems(ctx, []uuid.UUID{o.OrderID})
	if err != nil {
		return models.Order{}, err
	}
	o.Items = items[o.OrderID]
	return o, nil
}

func (t *pgTx) orderItems(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]models.OrderItem, error) {
	out := make(map[uuid.UUID][]models.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := t.db.Query(ctx, `
		SELECT item_id, order_id, product_id, name, quantity, unit_price, line_total
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, line_no
	`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it models.OrderItem
		if err := rows.Scan(&it.ItemID, &it.OrderID, &it.ProductID, &it.Name, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}
