package repos

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
)

func (t *pgTx) GetCursors(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID) (map[string]models.StreamCursor, error) {
	rows, err := t.db.Query(ctx, `
		SELECT stream, watermark, after_id FROM pull_cursors WHERE device_id = $1 AND branch_id = $2
	`, deviceID, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]models.StreamCursor{}
	for rows.Next() {
		var (
			stream string
			c      models.StreamCursor
		)
		if err := rows.Scan(&stream, &c.Watermark, &c.AfterID); err != nil {
			return nil, err
		}
		c.Watermark = c.Watermark.UTC()
		out[stream] = c
	}
	return out, rows.Err()
}

func (t *pgTx) AdvanceCursor(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID, stream string, cursor models.StreamCursor) error {
	now, err := t.Now(ctx)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(ctx, `
		INSERT INTO pull_cursors (device_id, branch_id, stream, watermark, after_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, branch_id, stream) DO UPDATE
		SET watermark = EXCLUDED.watermark, after_id = EXCLUDED.after_id, updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.watermark > pull_cursors.watermark
			OR (EXCLUDED.watermark = pull_cursors.watermark AND pull_cursors.after_id <> ''
				AND (EXCLUDED.after_id = '' OR EXCLUDED.after_id > pull_cursors.after_id))
	`, deviceID, branchID, stream, cursor.Watermark, cursor.AfterID, now)
	return err
}

// Each stream query exposes its row identity as id and its watermark as wm.
var streamQueries = map[string]string{
	models.StreamCatalog: `
		SELECT p.product_id AS id,
			GREATEST(p.updated_at, COALESCE(bp.updated_at, p.updated_at)) AS wm,
			p.sku, COALESCE(p.barcode, '') AS barcode, p.name, p.section_id, p.base_price, p.price_version,
			COALESCE(bp.price, p.base_price) AS price, COALESCE(bp.version, 0) AS branch_price_version, p.active
		FROM products p
		LEFT JOIN branch_prices bp ON bp.product_id = p.product_id AND bp.branch_id = $1`,
	models.StreamSections: `
		SELECT section_id AS id, updated_at AS wm, branch_id, name, sort_order, active
		FROM sections
		WHERE branch_id IS NULL OR branch_id = $1`,
	models.StreamOrders: `
		SELECT order_id AS id, updated_at AS wm, ` + orderColumns + `
		FROM orders
		WHERE branch_id = $1`,
	models.StreamInventory: `
		SELECT entry_id AS id, created_at AS wm, branch_id, product_id, scope, requested_delta, applied_delta,
			quantity_after, reason, order_id, event_id, device_id, COALESCE(actor_id, '') AS actor_id
		FROM inventory_ledger
		WHERE branch_id = $1`,
	models.StreamConflicts: `
		SELECT conflict_id AS id, updated_at AS wm, ` + conflictColumns + `
		FROM sync_conflicts
		WHERE branch_id = $1 AND ($5 OR status = 'open')`,
}

func (t *pgTx) ListStream(ctx context.Context, stream string, branchID uuid.UUID, after models.StreamCursor, limit int) ([]models.StreamRow, error) {
	return t.streamRows(ctx, stream, branchID, &after, limit)
}

func (t *pgTx) SnapshotStream(ctx context.Context, stream string, branchID uuid.UUID) ([]models.StreamRow, error) {
	return t.streamRows(ctx, stream, branchID, nil, 0)
}

func (t *pgTx) streamRows(ctx context.Context, stream string, branchID uuid.UUID, after *models.StreamCursor, limit int) ([]models.StreamRow, error) {
	base, ok := streamQueries[stream]
	if !ok {
		return nil, fmt.Errorf("repos: unknown stream %q", stream)
	}
	var (
		since   *time.Time
		afterID string
	)
	if after != nil {
		since, afterID = &after.Watermark, after.AfterID
	}
	args := []any{branchID, since, limit, afterID}
	sql := `SELECT * FROM (` + base + `) s
		WHERE $2::timestamptz IS NULL
			OR s.wm > $2
			OR ($4::text <> '' AND s.wm = $2 AND s.id::text > $4)
		ORDER BY s.wm, s.id::text
		LIMIT NULLIF($3::int, 0)`
	if stream == models.StreamConflicts {
		// Deltas carry every status change; snapshots only open conflicts.
		args = append(args, after != nil)
	}

	rows, err := t.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out    []models.StreamRow
		orders []models.Order
	)
	for rows.Next() {
		var (
			id  uuid.UUID
			wm  time.Time
			doc any
		)
		switch stream {
		case models.StreamCatalog:
			var item models.CatalogItem
			err = rows.Scan(&id, &wm, &item.SKU, &item.Barcode, &item.Name, &item.SectionID, &item.BasePrice, &item.PriceVersion,
				&item.Price, &item.BranchPriceVersion, &item.Active)
			item.ProductID, item.UpdatedAt = id, wm
			doc = item
		case models.StreamSections:
			var s models.Section
			err = rows.Scan(&id, &wm, &s.BranchID, &s.Name, &s.SortOrder, &s.Active)
			s.SectionID, s.UpdatedAt = id, wm
			doc = s
		case models.StreamOrders:
			var o models.Order
			err = rows.Scan(&id, &wm, &o.OrderID, &o.BranchID, &o.OrderNumber, &o.ClientOrderID, &o.Status, &o.Source, &o.DeviceID,
				&o.Total, &o.Notes, &o.CreatedBy, &o.PlacedAt, &o.CreatedAt, &o.UpdatedAt)
			orders = append(orders, o)
		case models.StreamInventory:
			var e models.InventoryLedgerEntry
			err = rows.Scan(&id, &wm, &e.BranchID, &e.ProductID, &e.Scope, &e.RequestedDelta, &e.AppliedDelta,
				&e.QuantityAfter, &e.Reason, &e.OrderID, &e.EventID, &e.DeviceID, &e.ActorID)
			e.EntryID, e.CreatedAt = id, wm
			doc = e
		case models.StreamConflicts:
			var c models.Conflict
			var details, resolution []byte
			err = rows.Scan(&id, &wm, &c.ConflictID, &c.EventID, &c.BranchID, &c.DeviceID, &c.ConflictType, &c.Status,
				&details, &resolution, &c.ResolvedBy, &c.ResolvedAt, &c.CreatedAt, &c.UpdatedAt)
			c.Details = details
			if len(resolution) > 0 {
				c.Resolution = resolution
			}
			doc = c
		}
		if err != nil {
			return nil, err
		}
		row := models.StreamRow{ID: id.String(), Watermark: wm.UTC()}
		if doc != nil {
			if row.Data, err = json.Marshal(doc); err != nil {
				return nil, err
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if stream == models.StreamOrders {
		if err := t.attachOrderItems(ctx, out, orders); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// attachOrderItems fills the row documents of an orders page once the
// page cursor is closed; the transaction cannot run two queries at once.
func (t *pgTx) attachOrderItems(ctx context.Context, out []models.StreamRow, orders []models.Order) error {
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.OrderID)
	}
	items, err := t.orderItems(ctx, ids)
	if err != nil {
		return err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].OrderID]
		if out[i].Data, err = json.Marshal(orders[i]); err != nil {
			return err
		}
	}
	return nil
}
