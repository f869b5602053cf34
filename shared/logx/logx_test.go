package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"pos-sync-platform/shared/branchx"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestRecordShape(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "sync-api", "dev", "1.2.0", "info")
	l.Info(context.Background(), "push_batch", "batch processed", slog.Int("events", 3))
	l.Debug(context.Background(), "noise", "filtered")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "push_batch", rec["event"])
	assert.Equal(t, "batch processed", rec["msg"])
	assert.Equal(t, "sync-api", rec["service"])
	assert.Equal(t, "1.2.0", rec["version"])
	assert.Equal(t, "INFO", rec["level"])
	assert.EqualValues(t, 3, rec["events"])
	assert.Contains(t, rec, "ts")
}

func TestCallerMsgAttrKeepsEventName(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "sync-api", "dev", "", "info")
	l.Info(context.Background(), "push_batch", "batch processed", slog.String("msg", "from caller"))

	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"event"`)))
	rec := decodeLines(t, &buf)[0]
	assert.Equal(t, "push_batch", rec["event"])
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "sync-api", "dev", "", "debug").With(slog.String("component", "relay"))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	ctx = branchx.WithBranch(ctx, branchx.BranchContext{ID: "b-1", Code: "DT01"})
	l.Warn(ctx, "outbox_retry", "publish failed")

	rec := decodeLines(t, &buf)[0]
	assert.Equal(t, sc.TraceID().String(), rec["trace_id"])
	assert.Equal(t, sc.SpanID().String(), rec["span_id"])
	assert.Equal(t, "b-1", rec["branch_id"])
	assert.Equal(t, "relay", rec["component"])

	buf.Reset()
	l.Info(ctx, "device_registered", "explicit branch wins", slog.String("branch_id", "b-2"))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"branch_id"`)))
}

func TestZeroAndDiscardLoggersAreSafe(t *testing.T) {
	var zero Logger
	zero.Error(context.Background(), "x", "y")
	Discard().Error(context.Background(), "x", "y")
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
