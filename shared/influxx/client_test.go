package influxx

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/events"
)

func TestNewNamesTheMissingSetting(t *testing.T) {
	_, err := New(config.Config{})
	require.ErrorContains(t, err, "INFLUX_URL")

	_, err = New(config.Config{InfluxURL: "http://influx:8086"})
	require.ErrorContains(t, err, "INFLUX_TOKEN")

	c, err := New(config.Config{InfluxURL: "http://influx:8086", InfluxToken: "t", InfluxOrg: "o", InfluxBucket: "b", InfluxTimeoutMS: 1500})
	require.NoError(t, err)
	c.Close()
}

func TestSyncEventPointLineProtocol(t *testing.T) {
	branch := uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	device := uuid.MustParse("00000000-0000-0000-0000-0000000000d1")
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p := SyncEventPoint(
		events.Envelope{BranchID: branch, OccurredAt: at},
		events.EventProcessed{DeviceID: device, EventType: "sale.created", Status: "rejected", Code: "stale_price", DeviceSeq: 7},
	)
	line := write.PointToLineProtocol(p, time.Second)
	assert.Contains(t, line, "sync_events,")
	assert.Contains(t, line, "code=stale_price")
	assert.Contains(t, line, "status=rejected")
	assert.Contains(t, line, "device_seq=7i")
	assert.Contains(t, line, "count=1i")
	assert.Contains(t, line, " 1772366400")
}

func TestSyncEventPointOmitsEmptyCode(t *testing.T) {
	p := SyncEventPoint(events.Envelope{}, events.EventProcessed{Status: "accepted"})
	assert.NotContains(t, write.PointToLineProtocol(p, time.Second), "code=")
}

func TestUnconfiguredClient(t *testing.T) {
	var c *Client
	require.ErrorIs(t, c.Ping(context.Background()), ErrNotConfigured)
	require.ErrorIs(t, c.WritePoint(context.Background(), "m", nil, map[string]any{"v": 1}, time.Time{}), ErrNotConfigured)
	c.Close()
}
