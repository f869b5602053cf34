// Package influxx writes sync telemetry points to InfluxDB 2.x.
package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"pos-sync-platform/shared/config"
	"pos-sync-platform/shared/events"
)

const MeasurementSyncEvents = "sync_events"

var ErrNotConfigured = errors.New("influxx: client not configured")

type Client struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

func New(cfg config.Config) (*Client, error) {
	switch {
	case cfg.InfluxURL == "":
		return nil, errors.New("INFLUX_URL is required")
	case cfg.InfluxToken == "":
		return nil, errors.New("INFLUX_TOKEN is required")
	case cfg.InfluxOrg == "" || cfg.InfluxBucket == "":
		return nil, errors.New("INFLUX_ORG and INFLUX_BUCKET are required")
	}
	// The client takes its request timeout in whole seconds.
	secs := (cfg.InfluxTimeoutMS + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(secs))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, writer: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

// Ping reports whether the server answers its ping endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return ErrNotConfigured
	}
	ok, err := c.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("influxx: ping failed")
	}
	return nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	return c.write(ctx, influxdb2.NewPoint(measurement, tags, fields, orNow(ts)))
}

func (c *Client) WriteSyncEvent(ctx context.Context, env events.Envelope, ev events.EventProcessed) error {
	return c.write(ctx, SyncEventPoint(env, ev))
}

func (c *Client) write(ctx context.Context, p *write.Point) error {
	if c == nil || c.writer == nil {
		return ErrNotConfigured
	}
	return c.writer.WritePoint(ctx, p)
}

// SyncEventPoint tags one processed device event by branch, device, event
// type and outcome. Rejection codes become a tag when present.
func SyncEventPoint(env events.Envelope, ev events.EventProcessed) *write.Point {
	p := influxdb2.NewPointWithMeasurement(MeasurementSyncEvents).
		AddTag("branch_id", env.BranchID.String()).
		AddTag("device_id", ev.DeviceID.String()).
		AddTag("event_type", ev.EventType).
		AddTag("status", ev.Status).
		AddField("count", 1).
		AddField("device_seq", ev.DeviceSeq).
		SetTime(orNow(env.OccurredAt))
	if ev.Code != "" {
		p.AddTag("code", ev.Code)
	}
	return p
}

func orNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

func (c *Client) Close() {
	if c != nil && c.client != nil {
		c.client.Close()
	}
}
