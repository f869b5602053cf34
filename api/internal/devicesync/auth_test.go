package devicesync

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/shared/signx"
)

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	body := []byte(`{"events":[]}`)
	cases := []struct {
		name   string
		mutate func(h *harness, c *Credentials)
		status int
		reason string
	}{
		{name: "missing device", mutate: func(_ *harness, c *Credentials) { c.DeviceID = "" }, status: http.StatusBadRequest, reason: ReasonMissingHeader},
		{name: "device not uuid", mutate: func(_ *harness, c *Credentials) { c.DeviceID = "pos-1" }, status: http.StatusBadRequest, reason: ReasonInvalidHeader},
		{name: "missing terminal", mutate: func(_ *harness, c *Credentials) { c.TerminalCode = " " }, status: http.StatusBadRequest, reason: ReasonMissingHeader},
		{name: "missing idempotency key", mutate: func(_ *harness, c *Credentials) { c.IdempotencyKey = "" }, status: http.StatusBadRequest, reason: ReasonMissingHeader},
		{name: "bad timestamp", mutate: func(_ *harness, c *Credentials) { c.Timestamp = "yesterday" }, status: http.StatusBadRequest, reason: ReasonInvalidHeader},
		{name: "unknown device", mutate: func(_ *harness, c *Credentials) { c.DeviceID = uuid.NewString() }, status: http.StatusNotFound, reason: ReasonDeviceNotFound},
		{name: "wrong branch", mutate: func(_ *harness, c *Credentials) { c.BranchID = uuid.NewString() }, status: http.StatusNotFound, reason: ReasonDeviceNotFound},
		{name: "wrong terminal", mutate: func(_ *harness, c *Credentials) { c.TerminalCode = "POS-77" }, status: http.StatusNotFound, reason: ReasonDeviceNotFound},
		{name: "tampered body signature", mutate: func(h *harness, c *Credentials) {
			c.Signature = signx.SignRequest(h.secret, c.Timestamp, c.IdempotencyKey, []byte(`{"events":[{}]}`))
		}, status: http.StatusUnauthorized, reason: ReasonBadSignature},
		{name: "stale timestamp", mutate: func(h *harness, c *Credentials) {
			c.Timestamp = h.mem.Clock().Now().Add(-11 * time.Minute).Format(time.RFC3339)
			c.Signature = signx.SignRequest(h.secret, c.Timestamp, c.IdempotencyKey, body)
		}, status: http.StatusUnauthorized, reason: ReasonStaleTimestamp},
		{name: "future timestamp", mutate: func(h *harness, c *Credentials) {
			c.Timestamp = h.mem.Clock().Now().Add(11 * time.Minute).Format(time.RFC3339)
			c.Signature = signx.SignRequest(h.secret, c.Timestamp, c.IdempotencyKey, body)
		}, status: http.StatusUnauthorized, reason: ReasonStaleTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			creds := h.creds(body, "batch-1")
			tc.mutate(h, &creds)
			_, err := h.svc.Push(context.Background(), PushRequest{Credentials: creds, Body: body})
			requireCallError(t, err, tc.status, tc.reason)
		})
	}
}

func TestAuthenticateAcceptsTimestampInsideWindow(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"events":[]}`)
	creds := h.creds(body, "batch-1")
	creds.Timestamp = strconv.FormatInt(h.mem.Clock().Now().Add(-9*time.Minute).UnixMilli(), 10)
	creds.Signature = signx.SignRequest(h.secret, creds.Timestamp, creds.IdempotencyKey, body)

	_, err := h.svc.Push(context.Background(), PushRequest{Credentials: creds, Body: body})
	require.NoError(t, err)
}

func TestAuthenticateDisabledDeviceAndMissingKey(t *testing.T) {
	h := newHarness(t)
	h.device.Status = models.DeviceStatusDisabled
	h.mem.PutDevice(h.device, models.DeviceKey{})
	_, err := h.push(t)
	requireCallError(t, err, http.StatusForbidden, ReasonDeviceDisabled)

	keyless := newHarness(t)
	keyless.device.DeviceID = uuid.New()
	keyless.mem.PutDevice(keyless.device, models.DeviceKey{})
	_, err = keyless.push(t)
	requireCallError(t, err, http.StatusConflict, ReasonNoActiveKey)
}

func TestAuthenticationFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	ev := h.event(t, models.EventDeviceHeartbeat, map[string]any{})
	body, err := json.Marshal(map[string]any{"events": []any{ev}})
	require.NoError(t, err)
	creds := h.creds(body, "batch-1")
	creds.Signature = "00"

	_, err = h.svc.Push(context.Background(), PushRequest{Credentials: creds, Body: body})
	requireCallError(t, err, http.StatusUnauthorized, ReasonBadSignature)
	assert.Empty(t, h.mem.Journal())
	assert.Empty(t, h.mem.SecurityAudits())
}
