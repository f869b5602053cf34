package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the message written to Kafka by the outbox relay.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	BranchID      uuid.UUID       `json:"branch_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicSyncEvents    = "sync.events"
	TopicSyncConflicts = "sync.conflicts"
)

const (
	AggregateDeviceEvent = "device_event"
	AggregateConflict    = "sync_conflict"
)

// Outbox event types published after a push is committed.
const (
	TypeEventProcessed   = "sync.event_processed"
	TypeConflictOpened   = "sync.conflict_opened"
	TypeConflictResolved = "sync.conflict_resolved"
)

// EventProcessed is the payload of TypeEventProcessed.
type EventProcessed struct {
	DeviceID   uuid.UUID `json:"device_id"`
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	DeviceSeq  int64     `json:"device_seq"`
	Status     string    `json:"status"`
	Code       string    `json:"code,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
}

// ConflictChanged is the payload of the conflict topic.
type ConflictChanged struct {
	ConflictID   uuid.UUID `json:"conflict_id"`
	ConflictType string    `json:"conflict_type"`
	Status       string    `json:"status"`
	EventID      uuid.UUID `json:"event_id"`
	DeviceID     uuid.UUID `json:"device_id"`
}
