package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventSaleCreated            = "sale.created"
	EventSaleStatusChanged      = "sale.status_changed"
	EventInventoryAdjusted      = "inventory.adjusted"
	EventPriceOverrideSet       = "price.override_set"
	EventCatalogSnapshotApplied = "catalog.snapshot_applied"
	EventDeviceHeartbeat        = "device.heartbeat"
)

// Outcome statuses carried by acknowledgements and dedupe rows.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"

	DedupeProcessing = "processing"
)

const (
	JournalReceived  = "received"
	JournalApplied   = "applied"
	JournalDuplicate = "duplicate"
	JournalConflict  = "conflict"
	JournalRejected  = "rejected"
)

const (
	ConflictInventoryOversell  = "inventory_oversell"
	ConflictInventoryUnderflow = "inventory_underflow"
	ConflictVersionMismatch    = "version_mismatch"
	ConflictStatusTransition   = "status_transition"

	ConflictOpen      = "open"
	ConflictResolved  = "resolved"
	ConflictDismissed = "dismissed"
)

const (
	TaskRecheckStock = "recheck_stock"
	TaskReviewOrder  = "review_order"

	TaskOpen = "open"
	TaskDone = "done"
)

const (
	StreamCatalog   = "catalog"
	StreamSections  = "sections"
	StreamOrders    = "orders"
	StreamInventory = "inventory"
	StreamConflicts = "conflicts"
)

var Streams = []string{StreamCatalog, StreamSections, StreamOrders, StreamInventory, StreamConflicts}

const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

type DedupeRecord struct {
	EventID        uuid.UUID
	IdempotencyKey string
	DeviceID       uuid.UUID
	DeviceSeq      int64
	EventType      string
	PayloadHash    string
	Status         string
	Code           string
	Ack            []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type JournalEntry struct {
	JournalID      uuid.UUID
	EventID        uuid.UUID
	IdempotencyKey string
	DeviceID       uuid.UUID
	BranchID       uuid.UUID
	DeviceSeq      int64
	EventType      string
	PayloadHash    string
	Payload        []byte
	Status         string
	Code           string
	OrderID        *uuid.UUID
	ConflictID     *uuid.UUID
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

type Conflict struct {
	ConflictID   uuid.UUID       `json:"conflict_id"`
	EventID      *uuid.UUID      `json:"event_id"`
	BranchID     uuid.UUID       `json:"branch_id"`
	DeviceID     *uuid.UUID      `json:"device_id"`
	ConflictType string          `json:"conflict_type"`
	Status       string          `json:"status"`
	Details      json.RawMessage `json:"details"`
	Resolution   json.RawMessage `json:"resolution"`
	ResolvedBy   *string         `json:"resolved_by"`
	ResolvedAt   *time.Time      `json:"resolved_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ReconciliationTask struct {
	TaskID      uuid.UUID       `json:"task_id"`
	BranchID    uuid.UUID       `json:"branch_id"`
	ConflictID  *uuid.UUID      `json:"conflict_id"`
	EventID     *uuid.UUID      `json:"event_id"`
	ProductID   *uuid.UUID      `json:"product_id"`
	OrderID     *uuid.UUID      `json:"order_id"`
	TaskType    string          `json:"task_type"`
	Status      string          `json:"status"`
	Details     json.RawMessage `json:"details"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// StreamCursor is a keyset position in a stream. An empty AfterID means
// every row at Watermark has been read; otherwise reading stopped inside the
// group of rows sharing Watermark, just after AfterID.
type StreamCursor struct {
	Watermark time.Time
	AfterID   string
}

// Includes reports whether row sorts after the cursor.
func (c StreamCursor) Includes(row StreamRow) bool {
	if row.Watermark.After(c.Watermark) {
		return true
	}
	return c.AfterID != "" && row.Watermark.Equal(c.Watermark) && row.ID > c.AfterID
}

// Before reports whether c is an earlier position than o.
func (c StreamCursor) Before(o StreamCursor) bool {
	if !c.Watermark.Equal(o.Watermark) {
		return c.Watermark.Before(o.Watermark)
	}
	switch {
	case c.AfterID == o.AfterID, c.AfterID == "":
		return false
	case o.AfterID == "":
		return true
	}
	return c.AfterID < o.AfterID
}

type SecurityAuditLog struct {
	AuditID   uuid.UUID
	BranchID  uuid.UUID
	DeviceID  *uuid.UUID
	EventID   *uuid.UUID
	Kind      string
	Severity  string
	RequestID string
	Details   []byte
	CreatedAt time.Time
}

// StreamRow is one delta row: its identity, the watermark it sorts by, and
// the JSON document sent to the device.
type StreamRow struct {
	ID        string
	Watermark time.Time
	Data      json.RawMessage
}
