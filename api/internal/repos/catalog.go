package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

const productColumns = `product_id, sku, COALESCE(barcode, ''), name, section_id, base_price, price_version, stock, track_inventory, active, updated_at`

func scanProduct(row interface{ Scan(...any) error }) (models.Product, error) {
	var p models.Product
	err := row.Scan(&p.ProductID, &p.SKU, &p.Barcode, &p.Name, &p.SectionID, &p.BasePrice, &p.PriceVersion, &p.Stock, &p.TrackInventory, &p.Active, &p.UpdatedAt)
	return p, mapErr(err)
}

func (t *pgTx) FindProduct(ctx context.Context, ref models.ProductRef) (models.Product, error) {
	if ref.ProductID != nil {
		return scanProduct(t.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = $1`, *ref.ProductID))
	}
	if ref.SKU != "" {
		p, err := scanProduct(t.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE lower(sku) = lower($1)`, ref.SKU))
		if !errors.Is(err, store.ErrNotFound) {
			return p, err
		}
	}
	if ref.Barcode != "" {
		return scanProduct(t.db.QueryRow(ctx, `
			SELECT `+productColumns+` FROM products WHERE barcode = $1 ORDER BY product_id LIMIT 1
		`, ref.Barcode))
	}
	return models.Product{}, store.ErrNotFound
}

func (t *pgTx) EffectivePrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.PriceState, error) {
	s := models.PriceState{BranchID: branchID, ProductID: productID, Exists: true}
	var override bool
	err := t.db.QueryRow(ctx, `
		SELECT COALESCE(bp.price, p.base_price), COALESCE(bp.version, p.price_version), bp.branch_id IS NOT NULL
		FROM products p
		LEFT JOIN branch_prices bp ON bp.product_id = p.product_id AND bp.branch_id = $1
		WHERE p.product_id = $2
	`, branchID, productID).Scan(&s.Price, &s.Version, &override)
	if err != nil {
		return models.PriceState{}, mapErr(err)
	}
	s.Scope = models.PriceScopeGlobal
	if override {
		s.Scope = models.PriceScopeBranch
	}
	return s, nil
}

func (t *pgTx) LockStock(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.StockCounter, error) {
	c := models.StockCounter{BranchID: branchID, ProductID: productID, Scope: models.StockScopeBranch}
	err := t.db.QueryRow(ctx, `
		SELECT quantity FROM branch_stock
		WHERE branch_id = $1 AND product_id = $2
		FOR UPDATE
	`, branchID, productID).Scan(&c.Quantity)
	if err == nil {
		return c, nil
	}
	if err = mapErr(err); !errors.Is(err, store.ErrNotFound) {
		return models.StockCounter{}, err
	}

	c.Scope = models.StockScopeGlobal
	err = t.db.QueryRow(ctx, `
		SELECT stock FROM products WHERE product_id = $1 FOR UPDATE
	`, productID).Scan(&c.Quantity)
	if err != nil {
		return models.StockCounter{}, mapErr(err)
	}
	return c, nil
}

func (t *pgTx) SetStock(ctx context.Context, counter models.StockCounter, at time.Time) error {
	if counter.Quantity < 0 {
		return fmt.Errorf("repos: negative stock %d for product %s", counter.Quantity, counter.ProductID)
	}
	var (
		sql  string
		args []any
	)
	if counter.Scope == models.StockScopeBranch {
		sql = `
			INSERT INTO branch_stock (branch_id, product_id, quantity, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (branch_id, product_id) DO UPDATE
			SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`
		args = []any{counter.BranchID, counter.ProductID, counter.Quantity, at}
	} else {
		sql = `UPDATE products SET stock = $2 WHERE product_id = $1`
		args = []any{counter.ProductID, counter.Quantity}
	}
	tag, err := t.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertLedger(ctx context.Context, entry models.InventoryLedgerEntry) (models.InventoryLedgerEntry, error) {
	if entry.EntryID == uuid.Nil {
		entry.EntryID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		now, err := t.Now(ctx)
		if err != nil {
			return models.InventoryLedgerEntry{}, err
		}
		entry.CreatedAt = now
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO inventory_ledger (
			entry_id, branch_id, product_id, scope, requested_delta, applied_delta, quantity_after,
			reason, order_id, event_id, device_id, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, entry.EntryID, entry.BranchID, entry.ProductID, entry.Scope, entry.RequestedDelta, entry.AppliedDelta, entry.QuantityAfter,
		entry.Reason, entry.OrderID, entry.EventID, entry.DeviceID, nullIfEmpty(entry.ActorID), entry.CreatedAt)
	if err != nil {
		return models.InventoryLedgerEntry{}, err
	}
	return entry, nil
}

// LockPrice locks the product row for both scopes so a branch override
// that does not exist yet cannot be created twice concurrently.
func (t *pgTx) LockPrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID, scope string) (models.PriceState, error) {
	s := models.PriceState{BranchID: branchID, ProductID: productID, Scope: scope}
	var (
		basePrice   decimal.Decimal
		baseVersion int64
		override    decimal.NullDecimal
		version     *int64
	)
	err := t.db.QueryRow(ctx, `
		SELECT p.base_price, p.price_version, bp.price, bp.version
		FROM products p
		LEFT JOIN branch_prices bp ON bp.product_id = p.product_id AND bp.branch_id = $1
		WHERE p.product_id = $2
		FOR UPDATE OF p
	`, branchID, productID).Scan(&basePrice, &baseVersion, &override, &version)
	if err != nil {
		return models.PriceState{}, mapErr(err)
	}

	switch {
	case scope == models.PriceScopeGlobal:
		s.Price, s.Version, s.Exists = basePrice, baseVersion, true
	case override.Valid && version != nil:
		s.Price, s.Version, s.Exists = override.Decimal, *version, true
	default:
		s.Price = basePrice
	}
	return s, nil
}

func (t *pgTx) SavePrice(ctx context.Context, s models.PriceState, at time.Time) error {
	if s.Scope == models.PriceScopeGlobal {
		tag, err := t.db.Exec(ctx, `
			UPDATE products SET base_price = $2, price_version = $3, updated_at = $4 WHERE product_id = $1
		`, s.ProductID, s.Price, s.Version, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	}
	_, err := t.db.Exec(ctx, `
		INSERT INTO branch_prices (branch_id, product_id, price, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (branch_id, product_id) DO UPDATE
		SET price = EXCLUDED.price, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	`, s.BranchID, s.ProductID, s.Price, s.Version, at)
	return mapErr(err)
}
