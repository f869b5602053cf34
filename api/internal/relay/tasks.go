package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskScan     = "outbox.scan"
	TaskDispatch = "outbox.dispatch"
)

type dispatchPayload struct {
	EventID string `json:"event_id"`
}

// NewDispatchTask carries one claimed row. Failed publishes are rescheduled
// on the row itself, so the task never retries.
func NewDispatchTask(queue string, eventID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(dispatchPayload{EventID: eventID.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatch, payload, asynq.Queue(queue), asynq.MaxRetry(0)), nil
}

func NewScanTask(queue string) *asynq.Task {
	return asynq.NewTask(TaskScan, nil, asynq.Queue(queue), asynq.MaxRetry(0))
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqEnqueue adapts an asynq client to the Enqueue hook used by Scan.
func AsynqEnqueue(client Enqueuer, queue string) Enqueue {
	return func(ctx context.Context, eventID uuid.UUID) error {
		task, err := NewDispatchTask(queue, eventID)
		if err != nil {
			return err
		}
		_, err = client.EnqueueContext(ctx, task)
		return err
	}
}

// Register mounts the scan and dispatch handlers.
func (r *Relay) Register(mux *asynq.ServeMux, enqueue Enqueue) {
	mux.HandleFunc(TaskScan, func(ctx context.Context, _ *asynq.Task) error {
		n, err := r.Scan(ctx, enqueue)
		if err != nil {
			return err
		}
		if n > 0 {
			r.Logger.Debug(ctx, "outbox_scan", "claimed outbox rows", slog.Int("rows", n))
		}
		return nil
	})
	mux.HandleFunc(TaskDispatch, func(ctx context.Context, t *asynq.Task) error {
		var p dispatchPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		id, err := uuid.Parse(strings.TrimSpace(p.EventID))
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return r.Dispatch(ctx, id)
	})
}
