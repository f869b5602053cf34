package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OrderSourcePOS = "pos_device"
)

type Order struct {
	OrderID       uuid.UUID       `json:"order_id"`
	BranchID      uuid.UUID       `json:"branch_id"`
	OrderNumber   string          `json:"order_number"`
	ClientOrderID string          `json:"client_order_id"`
	Status        string          `json:"status"`
	Source        string          `json:"source"`
	DeviceID      *uuid.UUID      `json:"device_id"`
	Total         decimal.Decimal `json:"total"`
	Notes         string          `json:"notes"`
	CreatedBy     string          `json:"created_by"`
	PlacedAt      time.Time       `json:"placed_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Items         []OrderItem     `json:"items"`
}

type OrderItem struct {
	ItemID    uuid.UUID       `json:"item_id"`
	OrderID   uuid.UUID       `json:"order_id"`
	ProductID uuid.UUID       `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type OutboxEvent struct {
	EventID       uuid.UUID
	BranchID      uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	Topic         string
	Payload       []byte
	Status        string
	Attempts      int
	NextRetryAt   *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PublishedAt   *time.Time
}
