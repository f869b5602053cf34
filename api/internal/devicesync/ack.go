package devicesync

import (
	"encoding/json"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
)

// Event outcome codes.
const (
	CodeInvalidEvent          = "invalid_event"
	CodeInvalidPayload        = "invalid_payload"
	CodeDeviceMismatch        = "device_mismatch"
	CodeBranchMismatch        = "branch_mismatch"
	CodeTerminalMismatch      = "terminal_mismatch"
	CodePayloadHashMismatch   = "payload_hash_mismatch"
	CodeOutOfOrderSequence    = "out_of_order_sequence"
	CodeSignatureMismatch     = "signature_mismatch"
	CodeDuplicateKeyConflict  = "idempotency_key_conflict"
	CodeAlreadyApplied        = "already_applied"
	CodeSaleRecorded          = "sale_recorded"
	CodeInventoryOversell     = models.ConflictInventoryOversell
	CodeStatusChanged         = "status_changed"
	CodeStatusTransition      = models.ConflictStatusTransition
	CodeOrderNotFound         = "order_not_found"
	CodeProductNotFound       = "product_not_found"
	CodeInventoryAdjusted     = "inventory_adjusted"
	CodeInventoryUnderflow    = models.ConflictInventoryUnderflow
	CodePriceUpdated          = "price_updated"
	CodeVersionMismatch       = models.ConflictVersionMismatch
	CodePriceOverrideDisabled = "price_override_disabled"
	CodeAcknowledged          = "acknowledged"
	CodeHeartbeatRecorded     = "heartbeat_recorded"
)

// Outcome is the normalized result of one event.
type Outcome struct {
	Status     string
	Code       string
	Message    string
	OrderID    *uuid.UUID
	ConflictID *uuid.UUID
	Extras     map[string]any
}

func accepted(code string, message string) Outcome {
	return Outcome{Status: models.OutcomeAccepted, Code: code, Message: message}
}

func rejected(code string, message string) Outcome {
	return Outcome{Status: models.OutcomeRejected, Code: code, Message: message}
}

func conflicted(code string, message string, conflictID uuid.UUID) Outcome {
	id := conflictID
	return Outcome{Status: models.OutcomeConflict, Code: code, Message: message, ConflictID: &id}
}

func (o Outcome) withOrder(id uuid.UUID) Outcome {
	o.OrderID = &id
	return o
}

func (o Outcome) with(key string, value any) Outcome {
	if o.Extras == nil {
		o.Extras = map[string]any{}
	}
	o.Extras[key] = value
	return o
}

// applied reports whether the event semantically happened.
func (o Outcome) applied() bool {
	return o.Status == models.OutcomeAccepted || o.Status == models.OutcomeConflict
}

func (o Outcome) journalStatus() string {
	switch o.Status {
	case models.OutcomeAccepted:
		return models.JournalApplied
	case models.OutcomeConflict:
		return models.JournalConflict
	default:
		return models.JournalRejected
	}
}

type serverRefs struct {
	OrderID    *string `json:"order_id"`
	ConflictID *string `json:"conflict_id"`
}

func idString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// encodeAck renders the acknowledgement once. The bytes are stored and
// replayed verbatim for duplicates, so keys are emitted in sorted order and
// extras never shadow the envelope fields.
func encodeAck(eventID string, idempotencyKey string, o Outcome) (json.RawMessage, error) {
	doc := make(map[string]any, len(o.Extras)+6)
	for k, v := range o.Extras {
		doc[k] = v
	}
	doc["event_id"] = eventID
	doc["idempotency_key"] = idempotencyKey
	doc["status"] = o.Status
	doc["code"] = o.Code
	doc["message"] = o.Message
	doc["server_refs"] = serverRefs{OrderID: idString(o.OrderID), ConflictID: idString(o.ConflictID)}
	return json.Marshal(doc)
}
