// Package store defines the transactional unit of work used by the sync
// core. Every method on Tx runs inside the transaction that produced it;
// nothing here reaches for a package-level connection.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a unique constraint violation.
	ErrConflict = errors.New("unique constraint violated")
)

type TxOptions struct {
	ReadOnly bool
	// Snapshot requests a repeatable-read view for multi-table reads.
	Snapshot bool
}

type Store interface {
	// WithTx commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, opts TxOptions, fn func(Tx) error) error
}

type Tx interface {
	// Now is the transaction timestamp.
	Now(ctx context.Context) (time.Time, error)
	// Savepoint runs fn in a nested transaction; an error from fn undoes
	// only the writes made inside it.
	Savepoint(ctx context.Context, fn func(Tx) error) error

	DeviceStore
	DedupeStore
	JournalStore
	AuditStore
	ConflictStore
	CatalogStore
	InventoryStore
	PriceStore
	OrderStore
	CursorStore
	OutboxStore
}

type DeviceStore interface {
	GetDevice(ctx context.Context, deviceID uuid.UUID) (models.Device, error)
	FindDeviceByTerminal(ctx context.Context, branchID uuid.UUID, terminalCode string) (models.Device, error)
	UpsertDevice(ctx context.Context, device models.Device) (models.Device, error)
	SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status string, at time.Time) error
	TouchDevice(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	// GetActiveKey takes a share lock on the key row.
	GetActiveKey(ctx context.Context, deviceID uuid.UUID) (models.DeviceKey, error)
	DeactivateKeys(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	MaxKeyVersion(ctx context.Context, deviceID uuid.UUID) (int, error)
	InsertKey(ctx context.Context, key models.DeviceKey) error
}

type DedupeStore interface {
	// MaxAppliedSeq is the highest device_seq that ended accepted or conflict.
	MaxAppliedSeq(ctx context.Context, deviceID uuid.UUID) (int64, error)
	// ReserveDedupe inserts rec unless its event id, idempotency key or
	// live (device, seq) pair is already taken. It reports whether the row
	// was inserted.
	ReserveDedupe(ctx context.Context, rec models.DedupeRecord) (bool, error)
	FindDedupe(ctx context.Context, eventID uuid.UUID, idempotencyKey string, deviceID uuid.UUID, deviceSeq int64) (models.DedupeRecord, error)
	FinalizeDedupe(ctx context.Context, eventID uuid.UUID, status string, code string, ack []byte, at time.Time) error
}

type JournalStore interface {
	AppendJournal(ctx context.Context, entry models.JournalEntry) (models.JournalEntry, error)
	UpdateJournal(ctx context.Context, journalID uuid.UUID, status string, code string, orderID *uuid.UUID, conflictID *uuid.UUID, at time.Time) error
}

type AuditStore interface {
	InsertSecurityAudit(ctx context.Context, entry models.SecurityAuditLog) error
	InsertPriceAudit(ctx context.Context, entry models.PriceChangeAudit) error
}

type ConflictStore interface {
	InsertConflict(ctx context.Context, conflict models.Conflict) (models.Conflict, error)
	LockConflict(ctx context.Context, conflictID uuid.UUID) (models.Conflict, error)
	CloseConflict(ctx context.Context, conflict models.Conflict) error
	ListConflicts(ctx context.Context, branchID uuid.UUID, status string, limit int) ([]models.Conflict, error)
	InsertReconciliationTask(ctx context.Context, task models.ReconciliationTask) (models.ReconciliationTask, error)
	CompleteReconciliationTasks(ctx context.Context, conflictID uuid.UUID, at time.Time) (int, error)
}

type CatalogStore interface {
	FindProduct(ctx context.Context, ref models.ProductRef) (models.Product, error)
	EffectivePrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.PriceState, error)
}

type InventoryStore interface {
	// LockStock row-locks the effective counter for (branch, product).
	LockStock(ctx context.Context, branchID uuid.UUID, productID uuid.UUID) (models.StockCounter, error)
	SetStock(ctx context.Context, counter models.StockCounter, at time.Time) error
	InsertLedger(ctx context.Context, entry models.InventoryLedgerEntry) (models.InventoryLedgerEntry, error)
}

type PriceStore interface {
	// LockPrice row-locks the price row of one scope.
	LockPrice(ctx context.Context, branchID uuid.UUID, productID uuid.UUID, scope string) (models.PriceState, error)
	SavePrice(ctx context.Context, state models.PriceState, at time.Time) error
}

type OrderStore interface {
	FindOrderByClientOrderID(ctx context.Context, branchID uuid.UUID, clientOrderID string) (models.Order, error)
	NextOrderNumber(ctx context.Context, branchID uuid.UUID) (string, error)
	InsertOrder(ctx context.Context, order models.Order) (models.Order, error)
	LockOrder(ctx context.Context, branchID uuid.UUID, orderID uuid.UUID) (models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status string, at time.Time) error
}

type CursorStore interface {
	GetCursors(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID) (map[string]models.StreamCursor, error)
	// AdvanceCursor never moves a stored cursor backwards.
	AdvanceCursor(ctx context.Context, deviceID uuid.UUID, branchID uuid.UUID, stream string, cursor models.StreamCursor) error
	// ListStream returns rows sorting after the cursor, ordered by
	// (watermark, id).
	ListStream(ctx context.Context, stream string, branchID uuid.UUID, after models.StreamCursor, limit int) ([]models.StreamRow, error)
	// SnapshotStream returns the current state of a stream without watermark
	// filtering. Conflicts are limited to open ones.
	SnapshotStream(ctx context.Context, stream string, branchID uuid.UUID) ([]models.StreamRow, error)
}

type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, event models.OutboxEvent) error
}
