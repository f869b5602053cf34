package devicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"pos-sync-platform/api/internal/branches"
	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/events"
	"pos-sync-platform/shared/metricsx"
	"pos-sync-platform/shared/observability"
	"pos-sync-platform/shared/signx"
)

type PushRequest struct {
	Credentials Credentials
	Body        []byte
	RequestID   string
}

type PushSummary struct {
	Accepted   int `json:"accepted"`
	Conflicts  int `json:"conflicts"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
}

type PushResult struct {
	Acks    []json.RawMessage `json:"acks"`
	Summary PushSummary       `json:"summary"`
}

type pushBody struct {
	Events []json.RawMessage `json:"events"`
}

// errDiscard unwinds a savepoint whose outcome was a rejection.
var errDiscard = errors.New("discard savepoint")

// Push applies a batch of device events in array order inside a single
// transaction. Any unexpected error rolls the whole batch back.
func (s *Service) Push(ctx context.Context, req PushRequest) (PushResult, error) {
	ctx, span := observability.Tracer("devicesync").Start(ctx, "sync.push")
	defer span.End()
	start := time.Now()

	var (
		result PushResult
		b      *batch
	)
	err := s.store.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		p, err := s.authenticate(ctx, tx, req.Credentials, req.Body, true)
		if err != nil {
			return err
		}
		settings, err := s.branchSettings(ctx, p.device.BranchID)
		if err != nil {
			return err
		}
		if !settings.Active {
			return errForbidden(ReasonBranchInactive, "branch is not active")
		}

		var body pushBody
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errBadRequest(ReasonInvalidBody, "body must be a JSON object with an events array")
		}
		if body.Events == nil {
			return errBadRequest(ReasonInvalidBody, "events is required")
		}
		if len(body.Events) > s.opts.MaxBatch {
			return errBadRequest(ReasonBatchTooLarge, "at most %d events per push", s.opts.MaxBatch)
		}

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		maxSeq, err := tx.MaxAppliedSeq(ctx, p.device.DeviceID)
		if err != nil {
			return fmt.Errorf("max applied seq: %w", err)
		}

		b = &batch{
			svc:       s,
			tx:        tx,
			principal: p,
			settings:  settings,
			requestID: req.RequestID,
			now:       now,
			maxSeq:    maxSeq,
		}
		acks := make([]json.RawMessage, 0, len(body.Events))
		for i, raw := range body.Events {
			ack, err := b.process(ctx, raw)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			acks = append(acks, ack)
		}
		result = PushResult{Acks: acks, Summary: b.summary}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if _, ok := AsError(err); !ok {
			s.logger.Error(ctx, "sync_push_failed", "push batch rolled back",
				slog.String("device_id", req.Credentials.DeviceID),
				slog.String("request_id", req.RequestID),
				slog.String("error", err.Error()),
			)
		}
		return PushResult{}, err
	}

	b.flushMetrics()
	metricsx.ObserveSyncPush(time.Since(start))
	span.SetAttributes(
		attribute.String("device_id", b.principal.device.DeviceID.String()),
		attribute.Int("events", len(result.Acks)),
	)
	s.logger.Info(ctx, "sync_push", "push batch committed",
		slog.String("device_id", b.principal.device.DeviceID.String()),
		slog.String("branch_id", b.principal.device.BranchID.String()),
		slog.String("request_id", req.RequestID),
		slog.Int("events", len(result.Acks)),
		slog.Int("accepted", result.Summary.Accepted),
		slog.Int("conflicts", result.Summary.Conflicts),
		slog.Int("rejected", result.Summary.Rejected),
		slog.Int("duplicates", result.Summary.Duplicates),
		slog.Int64("max_seq", b.maxSeq),
	)
	return result, nil
}

func (s *Service) branchSettings(ctx context.Context, branchID uuid.UUID) (models.BranchSettings, error) {
	settings, err := s.settings.Get(ctx, branchID)
	if errors.Is(err, branches.ErrBranchNotFound) {
		return models.BranchSettings{}, errNotFound(ReasonBranchNotFound, "branch does not exist")
	}
	if err != nil {
		return models.BranchSettings{}, fmt.Errorf("branch settings: %w", err)
	}
	return settings, nil
}

type metricSample struct {
	eventType string
	status    string
	code      string
}

// batch carries per-push state. maxSeq only moves forward for events that
// ended accepted or conflict.
type batch struct {
	svc       *Service
	tx        store.Tx
	principal principal
	settings  models.BranchSettings
	requestID string
	now       time.Time
	maxSeq    int64
	summary   PushSummary
	samples   []metricSample
	anomalies []string
	conflicts []string
}

// eventContext is what an applier sees of the event being applied.
type eventContext struct {
	env      Envelope
	device   models.Device
	settings models.BranchSettings
	now      time.Time
	// opened lists conflict types raised inside the event's savepoint.
	opened []string
}

func (b *batch) process(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	env, wire, err := parseEnvelope(raw)
	if err != nil {
		return b.immediate(strings.TrimSpace(wire.EventID), strings.TrimSpace(wire.IdempotencyKey), env.EventType, rejected(CodeInvalidEvent, err.Error()))
	}
	eventID := env.EventID.String()
	device := b.principal.device

	switch {
	case env.DeviceID != device.DeviceID:
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodeDeviceMismatch, "event device_id does not match the authenticated device"))
	case env.BranchID != device.BranchID:
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodeBranchMismatch, "event branch_id does not match the device branch"))
	case env.TerminalCode != "" && !strings.EqualFold(env.TerminalCode, device.TerminalCode):
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodeTerminalMismatch, "event terminal_code does not match the device"))
	}

	canonical, computed, err := canonicalPayload(env)
	if err != nil {
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodeInvalidEvent, "payload is not valid JSON"))
	}
	if !signx.HashEqual(computed, env.PayloadHash) {
		if err := b.securityAudit(ctx, env, CodePayloadHashMismatch, map[string]any{
			"event_type":    env.EventType,
			"device_seq":    env.DeviceSeq,
			"claimed_hash":  env.PayloadHash,
			"computed_hash": computed,
		}); err != nil {
			return nil, err
		}
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodePayloadHashMismatch, "payload_hash does not match payload"))
	}
	// Everything past this point sees only the bytes the hash covers.
	env.Payload = canonical

	if env.DeviceSeq > b.maxSeq+1 {
		return b.immediate(eventID, env.IdempotencyKey, env.EventType, rejected(CodeOutOfOrderSequence,
			fmt.Sprintf("device_seq %d is ahead of the next expected sequence %d", env.DeviceSeq, b.maxSeq+1)))
	}

	reserved, err := b.tx.ReserveDedupe(ctx, models.DedupeRecord{
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		DeviceID:       device.DeviceID,
		DeviceSeq:      env.DeviceSeq,
		EventType:      env.EventType,
		PayloadHash:    computed,
		Status:         models.DedupeProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("reserve dedupe: %w", err)
	}
	if !reserved {
		return b.replay(ctx, env)
	}

	journal, err := b.tx.AppendJournal(ctx, models.JournalEntry{
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		DeviceID:       device.DeviceID,
		BranchID:       device.BranchID,
		DeviceSeq:      env.DeviceSeq,
		EventType:      env.EventType,
		PayloadHash:    computed,
		Payload:        env.Payload,
		Status:         models.JournalReceived,
		ReceivedAt:     b.now,
	})
	if err != nil {
		return nil, fmt.Errorf("append journal: %w", err)
	}

	var outcome Outcome
	if err := signx.VerifyEvent(b.principal.key.Secret, env.PayloadHash, env.PrevHash, env.DeviceSeq, env.EventType, env.Signature); err != nil {
		if err := b.securityAudit(ctx, env, CodeSignatureMismatch, map[string]any{
			"event_type":  env.EventType,
			"device_seq":  env.DeviceSeq,
			"key_version": b.principal.key.KeyVersion,
		}); err != nil {
			return nil, err
		}
		outcome = rejected(CodeSignatureMismatch, "event signature does not verify")
	} else {
		outcome, err = b.apply(ctx, env)
		if err != nil {
			return nil, err
		}
	}
	return b.finalize(ctx, env, journal.JournalID, outcome)
}

// immediate acks an event that never reached the dedupe table.
func (b *batch) immediate(eventID string, idempotencyKey string, eventType string, o Outcome) (json.RawMessage, error) {
	ack, err := encodeAck(eventID, idempotencyKey, o)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	b.count(eventType, o)
	return ack, nil
}

func (b *batch) replay(ctx context.Context, env Envelope) (json.RawMessage, error) {
	device := b.principal.device
	rec, err := b.tx.FindDedupe(ctx, env.EventID, env.IdempotencyKey, device.DeviceID, env.DeviceSeq)
	if err != nil {
		return nil, fmt.Errorf("find dedupe: %w", err)
	}
	if rec.DeviceID != device.DeviceID {
		return b.immediate(env.EventID.String(), env.IdempotencyKey, env.EventType,
			rejected(CodeDuplicateKeyConflict, "idempotency_key or event_id already used by another device"))
	}
	if len(rec.Ack) == 0 {
		return nil, fmt.Errorf("dedupe record %s has no acknowledgement", rec.EventID)
	}
	processed := b.now
	if _, err := b.tx.AppendJournal(ctx, models.JournalEntry{
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		DeviceID:       device.DeviceID,
		BranchID:       device.BranchID,
		DeviceSeq:      env.DeviceSeq,
		EventType:      env.EventType,
		PayloadHash:    env.PayloadHash,
		Payload:        env.Payload,
		Status:         models.JournalDuplicate,
		Code:           rec.Code,
		ReceivedAt:     b.now,
		ProcessedAt:    &processed,
	}); err != nil {
		return nil, fmt.Errorf("append duplicate journal: %w", err)
	}
	b.summary.Duplicates++
	b.samples = append(b.samples, metricSample{eventType: env.EventType, status: models.JournalDuplicate, code: rec.Code})
	return json.RawMessage(rec.Ack), nil
}

func (b *batch) apply(ctx context.Context, env Envelope) (Outcome, error) {
	payload, err := decodePayload(env.EventType, env.Payload)
	if err != nil {
		return rejected(CodeInvalidPayload, err.Error()), nil
	}
	ec := &eventContext{
		env:      env,
		device:   b.principal.device,
		settings: b.settings,
		now:      b.now,
	}

	var out Outcome
	err = b.tx.Savepoint(ctx, func(sp store.Tx) error {
		var err error
		out, err = b.svc.dispatch(ctx, sp, ec, payload)
		if err != nil {
			return err
		}
		if out.Status == models.OutcomeRejected {
			return errDiscard
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDiscard) {
		return Outcome{}, fmt.Errorf("apply %s: %w", env.EventType, err)
	}
	if err == nil {
		b.conflicts = append(b.conflicts, ec.opened...)
	}
	return out, nil
}

func (b *batch) finalize(ctx context.Context, env Envelope, journalID uuid.UUID, o Outcome) (json.RawMessage, error) {
	ack, err := encodeAck(env.EventID.String(), env.IdempotencyKey, o)
	if err != nil {
		return nil, fmt.Errorf("encode ack: %w", err)
	}
	if err := b.tx.FinalizeDedupe(ctx, env.EventID, o.Status, o.Code, ack, b.now); err != nil {
		return nil, fmt.Errorf("finalize dedupe: %w", err)
	}
	if err := b.tx.UpdateJournal(ctx, journalID, o.journalStatus(), o.Code, o.OrderID, o.ConflictID, b.now); err != nil {
		return nil, fmt.Errorf("update journal: %w", err)
	}
	if o.applied() {
		if env.DeviceSeq > b.maxSeq {
			b.maxSeq = env.DeviceSeq
		}
		processed := events.EventProcessed{
			DeviceID:   env.DeviceID,
			EventID:    env.EventID,
			EventType:  env.EventType,
			DeviceSeq:  env.DeviceSeq,
			Status:     o.Status,
			Code:       o.Code,
			OrderID:    stringOrEmpty(o.OrderID),
			ConflictID: stringOrEmpty(o.ConflictID),
		}
		if err := b.svc.enqueue(ctx, b.tx, b.svc.opts.EventsTopic, env.BranchID, events.AggregateDeviceEvent, env.EventID, events.TypeEventProcessed, processed, b.now); err != nil {
			return nil, err
		}
	}
	b.count(env.EventType, o)
	return ack, nil
}

func (b *batch) count(eventType string, o Outcome) {
	switch o.Status {
	case models.OutcomeAccepted:
		b.summary.Accepted++
	case models.OutcomeConflict:
		b.summary.Conflicts++
	default:
		b.summary.Rejected++
	}
	if eventType == "" {
		eventType = "unknown"
	}
	b.samples = append(b.samples, metricSample{eventType: eventType, status: o.Status, code: o.Code})
}

func (b *batch) securityAudit(ctx context.Context, env Envelope, kind string, details map[string]any) error {
	device := b.principal.device
	raw, err := json.Marshal(details)
	if err != nil {
		return err
	}
	deviceID := device.DeviceID
	eventID := env.EventID
	if err := b.tx.InsertSecurityAudit(ctx, models.SecurityAuditLog{
		BranchID:  device.BranchID,
		DeviceID:  &deviceID,
		EventID:   &eventID,
		Kind:      kind,
		Severity:  models.SeverityHigh,
		RequestID: b.requestID,
		Details:   raw,
		CreatedAt: b.now,
	}); err != nil {
		return fmt.Errorf("insert security audit: %w", err)
	}
	b.anomalies = append(b.anomalies, kind)
	b.svc.logger.Warn(ctx, "sync_security_anomaly", "event failed integrity check",
		slog.String("kind", kind),
		slog.String("device_id", device.DeviceID.String()),
		slog.String("event_id", env.EventID.String()),
		slog.Int64("device_seq", env.DeviceSeq),
		slog.String("request_id", b.requestID),
	)
	return nil
}

// flushMetrics runs after commit so rolled back batches are not counted.
func (b *batch) flushMetrics() {
	if b == nil {
		return
	}
	for _, m := range b.samples {
		metricsx.IncSyncEvent(m.eventType, m.status, m.code)
	}
	for _, kind := range b.anomalies {
		metricsx.IncSecurityAnomaly(kind)
	}
	for _, conflictType := range b.conflicts {
		metricsx.IncConflictOpened(conflictType)
	}
}

func stringOrEmpty(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
