package devicesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pos-sync-platform/api/internal/models"
)

// Payload is one variant of the event payload union, selected by event_type.
type Payload interface {
	validate() error
}

type SaleItem struct {
	ProductID uuid.UUID        `json:"product_id"`
	Quantity  int64            `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type SaleCreated struct {
	ClientOrderID string     `json:"client_order_id"`
	Items         []SaleItem `json:"items"`
	Notes         string     `json:"notes,omitempty"`
	PlacedAt      *FlexTime  `json:"placed_at,omitempty"`
}

func (p *SaleCreated) validate() error {
	p.ClientOrderID = strings.TrimSpace(p.ClientOrderID)
	if p.ClientOrderID == "" {
		return errors.New("client_order_id is required")
	}
	if len(p.Items) == 0 {
		return errors.New("items must not be empty")
	}
	for i, item := range p.Items {
		if item.ProductID == uuid.Nil {
			return fmt.Errorf("items[%d].product_id is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("items[%d].quantity must be positive", i)
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return fmt.Errorf("items[%d].unit_price must not be negative", i)
		}
	}
	return nil
}

type SaleStatusChanged struct {
	OrderID       *uuid.UUID `json:"order_id,omitempty"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	ToStatus      string     `json:"to_status"`
	Reason        string     `json:"reason,omitempty"`
}

func (p *SaleStatusChanged) validate() error {
	p.ClientOrderID = strings.TrimSpace(p.ClientOrderID)
	p.ToStatus = strings.ToLower(strings.TrimSpace(p.ToStatus))
	if p.OrderID == nil && p.ClientOrderID == "" {
		return errors.New("order_id or client_order_id is required")
	}
	if p.ToStatus == "" {
		return errors.New("to_status is required")
	}
	return nil
}

type InventoryAdjusted struct {
	ProductID *uuid.UUID `json:"product_id,omitempty"`
	SKU       string     `json:"sku,omitempty"`
	Barcode   string     `json:"barcode,omitempty"`
	Delta     int64      `json:"delta"`
	Reason    string     `json:"reason,omitempty"`
}

func (p *InventoryAdjusted) validate() error {
	p.SKU = strings.TrimSpace(p.SKU)
	p.Barcode = strings.TrimSpace(p.Barcode)
	if p.ref().Empty() {
		return errors.New("product_id, sku or barcode is required")
	}
	if p.Delta == 0 {
		return errors.New("delta must not be zero")
	}
	return nil
}

func (p *InventoryAdjusted) ref() models.ProductRef {
	return models.ProductRef{ProductID: p.ProductID, SKU: p.SKU, Barcode: p.Barcode}
}

type PriceOverrideSet struct {
	ProductID       uuid.UUID        `json:"product_id"`
	Scope           string           `json:"scope"`
	Price           *decimal.Decimal `json:"price"`
	ExpectedVersion *int64           `json:"expected_version,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

func (p *PriceOverrideSet) validate() error {
	if p.ProductID == uuid.Nil {
		return errors.New("product_id is required")
	}
	p.Scope = strings.ToLower(strings.TrimSpace(p.Scope))
	if p.Scope == "" {
		p.Scope = models.PriceScopeBranch
	}
	if p.Scope != models.PriceScopeBranch && p.Scope != models.PriceScopeGlobal {
		return fmt.Errorf("scope must be %q or %q", models.PriceScopeBranch, models.PriceScopeGlobal)
	}
	if p.Price == nil {
		return errors.New("price is required")
	}
	if p.Price.IsNegative() {
		return errors.New("price must not be negative")
	}
	if p.ExpectedVersion != nil && *p.ExpectedVersion < 0 {
		return errors.New("expected_version must not be negative")
	}
	return nil
}

type CatalogSnapshotApplied struct {
	SnapshotID string `json:"snapshot_id,omitempty"`
	ItemCount  int    `json:"item_count,omitempty"`
}

func (p *CatalogSnapshotApplied) validate() error { return nil }

type DeviceHeartbeat struct {
	AppVersion string `json:"app_version,omitempty"`
	BatteryPct *int   `json:"battery_pct,omitempty"`
	QueueDepth *int   `json:"queue_depth,omitempty"`
}

func (p *DeviceHeartbeat) validate() error { return nil }

func decodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch eventType {
	case models.EventSaleCreated:
		p = &SaleCreated{}
	case models.EventSaleStatusChanged:
		p = &SaleStatusChanged{}
	case models.EventInventoryAdjusted:
		p = &InventoryAdjusted{}
	case models.EventPriceOverrideSet:
		p = &PriceOverrideSet{}
	case models.EventCatalogSnapshotApplied:
		p = &CatalogSnapshotApplied{}
	case models.EventDeviceHeartbeat:
		p = &DeviceHeartbeat{}
	default:
		return nil, fmt.Errorf("unsupported event_type %q", eventType)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode payload: %v", err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
