package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/shared/events"
	"pos-sync-platform/shared/logx"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{queue: msgs, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

// flakySink fails the first failures writes.
type flakySink struct {
	recordingSink
	failures int
	calls    int
}

func (s *flakySink) WriteSyncEvent(ctx context.Context, env events.Envelope, ev events.EventProcessed) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("influx unavailable")
	}
	return s.recordingSink.WriteSyncEvent(ctx, env, ev)
}

func message(t *testing.T, offset int64, value []byte) kafka.Message {
	t.Helper()
	return kafka.Message{Topic: events.TopicSyncEvents, Offset: offset, Value: value}
}

func processedValue(t *testing.T) []byte {
	t.Helper()
	env := envelope(t, events.TypeEventProcessed, events.EventProcessed{DeviceID: uuid.New(), EventID: uuid.New(), Status: "accepted"})
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func runUntilDrained(t *testing.T, c *Consumer, r *fakeReader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	<-done
}

func TestConsumerRetriesSinkFailuresBeforeCommitting(t *testing.T) {
	sink := &flakySink{failures: 2}
	reader := newFakeReader(message(t, 7, processedValue(t)))
	c := &Consumer{Reader: reader, Handler: Handler{Sink: sink}, Logger: logx.Discard(), Topic: events.TopicSyncEvents, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	runUntilDrained(t, c, reader)
	assert.Equal(t, 3, sink.calls)
	assert.Len(t, sink.events, 1)
	assert.Equal(t, []int64{7}, reader.committed)
}

func TestConsumerCommitsPastMalformedMessages(t *testing.T) {
	sink := &flakySink{}
	reader := newFakeReader(message(t, 1, []byte(`{`)), message(t, 2, []byte(`{"event_type":"sync.event_processed"}`)), message(t, 3, processedValue(t)))
	c := &Consumer{Reader: reader, Handler: Handler{Sink: sink}, Logger: logx.Discard(), Topic: events.TopicSyncEvents, MinBackoff: time.Millisecond}

	runUntilDrained(t, c, reader)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Len(t, sink.events, 1)
}

func TestConsumerStopsRetryingWhenCancelled(t *testing.T) {
	sink := &flakySink{failures: 1 << 30}
	reader := newFakeReader(message(t, 9, processedValue(t)))
	c := &Consumer{Reader: reader, Handler: Handler{Sink: sink}, Logger: logx.Discard(), MinBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(ctx)
	assert.Empty(t, reader.committed)
	assert.Greater(t, sink.calls, 1)
}
