package devicesync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/shared/signx"
)

const maxIdempotencyKeyLen = 200

var supportedEventTypes = map[string]bool{
	models.EventSaleCreated:            true,
	models.EventSaleStatusChanged:      true,
	models.EventInventoryAdjusted:      true,
	models.EventPriceOverrideSet:       true,
	models.EventCatalogSnapshotApplied: true,
	models.EventDeviceHeartbeat:        true,
}

// wireEvent is an event exactly as a terminal sends it.
type wireEvent struct {
	EventID        string          `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	DeviceID       string          `json:"device_id"`
	BranchID       string          `json:"branch_id"`
	TerminalCode   string          `json:"terminal_code"`
	DeviceSeq      json.RawMessage `json:"device_seq"`
	EventType      string          `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	OccurredAt     json.RawMessage `json:"occurred_at"`
	LogicalClock   json.RawMessage `json:"logical_clock"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	PrevHash       string          `json:"prev_hash"`
	Signature      string          `json:"signature"`
}

// Envelope is a structurally valid event.
type Envelope struct {
	EventID        uuid.UUID
	IdempotencyKey string
	DeviceID       uuid.UUID
	BranchID       uuid.UUID
	TerminalCode   string
	DeviceSeq      int64
	EventType      string
	AggregateType  string
	AggregateID    *uuid.UUID
	OccurredAt     time.Time
	LogicalClock   int64
	Payload        json.RawMessage
	PayloadHash    string
	PrevHash       string
	Signature      string
}

// parseEnvelope validates structure only. On failure it still returns
// whatever event id and idempotency key it could read so the ack can echo
// them.
func parseEnvelope(raw json.RawMessage) (Envelope, wireEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, w, errors.New("event must be a JSON object")
	}

	env := Envelope{
		IdempotencyKey: strings.TrimSpace(w.IdempotencyKey),
		TerminalCode:   strings.TrimSpace(w.TerminalCode),
		EventType:      strings.TrimSpace(w.EventType),
		AggregateType:  strings.TrimSpace(w.AggregateType),
		PayloadHash:    strings.TrimSpace(w.PayloadHash),
		PrevHash:       strings.TrimSpace(w.PrevHash),
		Signature:      strings.TrimSpace(w.Signature),
	}

	var err error
	if env.EventID, err = requireUUID("event_id", w.EventID); err != nil {
		return env, w, err
	}
	if env.IdempotencyKey == "" {
		return env, w, errors.New("idempotency_key is required")
	}
	if len(env.IdempotencyKey) > maxIdempotencyKeyLen {
		return env, w, fmt.Errorf("idempotency_key exceeds %d characters", maxIdempotencyKeyLen)
	}
	if env.DeviceID, err = requireUUID("device_id", w.DeviceID); err != nil {
		return env, w, err
	}
	if env.BranchID, err = requireUUID("branch_id", w.BranchID); err != nil {
		return env, w, err
	}
	if env.DeviceSeq, err = parseInt("device_seq", w.DeviceSeq, true); err != nil {
		return env, w, err
	}
	if env.DeviceSeq <= 0 {
		return env, w, errors.New("device_seq must be positive")
	}
	if !supportedEventTypes[env.EventType] {
		return env, w, fmt.Errorf("unsupported event_type %q", env.EventType)
	}
	if strings.TrimSpace(w.AggregateID) != "" {
		id, err := requireUUID("aggregate_id", w.AggregateID)
		if err != nil {
			return env, w, err
		}
		env.AggregateID = &id
	}
	if env.OccurredAt, err = parseTimestamp(w.OccurredAt); err != nil {
		return env, w, fmt.Errorf("occurred_at: %v", err)
	}
	if env.LogicalClock, err = parseInt("logical_clock", w.LogicalClock, false); err != nil {
		return env, w, err
	}
	payload := bytes.TrimSpace(w.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return env, w, errors.New("payload must be a JSON object")
	}
	env.Payload = payload
	if env.PayloadHash == "" {
		return env, w, errors.New("payload_hash is required")
	}
	if env.Signature == "" {
		return env, w, errors.New("signature is required")
	}
	return env, w, nil
}

func requireUUID(field string, raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s must be a UUID", field)
	}
	return id, nil
}

// parseInt accepts a JSON integer or a string holding one.
func parseInt(field string, raw json.RawMessage, required bool) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if required {
			return 0, fmt.Errorf("%s is required", field)
		}
		return 0, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%s must be an integer", field)
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", field)
	}
	return n, nil
}

// parseTimestamp coerces an RFC3339 string or epoch milliseconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("timestamp is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.New("invalid timestamp")
		}
		return ParseTime(s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(raw), 64)
		if ferr != nil {
			return time.Time{}, errors.New("invalid timestamp")
		}
		ms = int64(f)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ParseTime accepts RFC3339 with optional fractional seconds, or a string of
// epoch milliseconds.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// FlexTime decodes either timestamp form used by terminals.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	parsed, err := parseTimestamp(b)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// canonicalPayload returns the bytes the payload hash covers and the hash
// the terminal should have sent.
func canonicalPayload(env Envelope) (json.RawMessage, string, error) {
	return signx.CanonicalHash(env.Payload)
}
