package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PriceScopeBranch = "branch"
	PriceScopeGlobal = "global"

	StockScopeBranch = "branch"
	StockScopeGlobal = "global"
)

type Section struct {
	SectionID uuid.UUID  `json:"section_id"`
	BranchID  *uuid.UUID `json:"branch_id"`
	Name      string     `json:"name"`
	SortOrder int        `json:"sort_order"`
	Active    bool       `json:"active"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type Product struct {
	ProductID      uuid.UUID       `json:"product_id"`
	SKU            string          `json:"sku"`
	Barcode        string          `json:"barcode,omitempty"`
	Name           string          `json:"name"`
	SectionID      *uuid.UUID      `json:"section_id,omitempty"`
	BasePrice      decimal.Decimal `json:"base_price"`
	PriceVersion   int64           `json:"price_version"`
	Stock          int64           `json:"stock"`
	TrackInventory bool            `json:"track_inventory"`
	Active         bool            `json:"active"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ProductRef identifies a product by id, SKU or barcode, in that order.
type ProductRef struct {
	ProductID *uuid.UUID
	SKU       string
	Barcode   string
}

func (r ProductRef) Empty() bool {
	return r.ProductID == nil && r.SKU == "" && r.Barcode == ""
}

// CatalogItem is a product as seen from one branch.
type CatalogItem struct {
	ProductID          uuid.UUID       `json:"product_id"`
	SKU                string          `json:"sku"`
	Barcode            string          `json:"barcode"`
	Name               string          `json:"name"`
	SectionID          *uuid.UUID      `json:"section_id"`
	BasePrice          decimal.Decimal `json:"base_price"`
	PriceVersion       int64           `json:"price_version"`
	Price              decimal.Decimal `json:"price"`
	BranchPriceVersion int64           `json:"branch_price_version"`
	Active             bool            `json:"active"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// StockCounter is the effective stock row for a product at a branch: the
// branch override when one exists, otherwise the global product counter.
type StockCounter struct {
	BranchID  uuid.UUID
	ProductID uuid.UUID
	Scope     string
	Quantity  int64
}

// PriceState is the current price and version for one scope. For branch
// scope without an override row Exists is false and Version is zero.
type PriceState struct {
	BranchID  uuid.UUID
	ProductID uuid.UUID
	Scope     string
	Price     decimal.Decimal
	Version   int64
	Exists    bool
}

type PriceOverride struct {
	BranchID  uuid.UUID       `json:"branch_id"`
	ProductID uuid.UUID       `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type InventoryLedgerEntry struct {
	EntryID        uuid.UUID  `json:"entry_id"`
	BranchID       uuid.UUID  `json:"branch_id"`
	ProductID      uuid.UUID  `json:"product_id"`
	Scope          string     `json:"scope"`
	RequestedDelta int64      `json:"requested_delta"`
	AppliedDelta   int64      `json:"applied_delta"`
	QuantityAfter  int64      `json:"quantity_after"`
	Reason         string     `json:"reason"`
	OrderID        *uuid.UUID `json:"order_id"`
	EventID        *uuid.UUID `json:"event_id"`
	DeviceID       *uuid.UUID `json:"device_id"`
	ActorID        string     `json:"actor_id"`
	CreatedAt      time.Time  `json:"created_at"`
}

type PriceChangeAudit struct {
	AuditID    uuid.UUID
	BranchID   uuid.UUID
	ProductID  uuid.UUID
	Scope      string
	OldPrice   *decimal.Decimal
	NewPrice   decimal.Decimal
	OldVersion int64
	NewVersion int64
	DeviceID   *uuid.UUID
	EventID    *uuid.UUID
	ActorID    string
	Reason     string
	CreatedAt  time.Time
}
