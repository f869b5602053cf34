// Package telemetry turns relayed sync envelopes into InfluxDB points.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pos-sync-platform/shared/events"
	"pos-sync-platform/shared/metricsx"
)

const MeasurementSyncConflicts = "sync_conflicts"

// ErrMalformed marks envelopes that can never be processed. The consumer
// commits past them.
var ErrMalformed = errors.New("telemetry: malformed envelope")

// Sink is satisfied by influxx.Client.
type Sink interface {
	WriteSyncEvent(ctx context.Context, env events.Envelope, ev events.EventProcessed) error
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

type Handler struct {
	Sink Sink
}

// Handle records one envelope. Unknown event types are ignored.
func (h Handler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventID == uuid.Nil || env.BranchID == uuid.Nil {
		return fmt.Errorf("%w: missing event_id or branch_id", ErrMalformed)
	}
	switch env.EventType {
	case events.TypeEventProcessed:
		var ev events.EventProcessed
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if err := h.Sink.WriteSyncEvent(ctx, env, ev); err != nil {
			metricsx.IncInfluxWriteFailure()
			return fmt.Errorf("write sync event: %w", err)
		}
	case events.TypeConflictOpened, events.TypeConflictResolved:
		var c events.ConflictChanged
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		tags := map[string]string{
			"branch_id":     env.BranchID.String(),
			"device_id":     c.DeviceID.String(),
			"conflict_type": c.ConflictType,
			"status":        c.Status,
		}
		if err := h.Sink.WritePoint(ctx, MeasurementSyncConflicts, tags, map[string]any{"count": 1}, env.OccurredAt); err != nil {
			metricsx.IncInfluxWriteFailure()
			return fmt.Errorf("write conflict point: %w", err)
		}
	}
	return nil
}
