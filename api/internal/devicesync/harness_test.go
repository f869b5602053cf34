package devicesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/branches"
	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/orders"
	"pos-sync-platform/api/internal/store/memstore"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/signx"
)

const testSecret = "9f2d1c0b8a7e6d5c4b3a29181716151413121110f0e0d0c0b0a09080706050"

type harness struct {
	mem     *memstore.Store
	svc     *Service
	branch  models.BranchSettings
	device  models.Device
	secret  string
	manager models.Actor
	coffee  models.Product
	muffin  models.Product
	seq     int64
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	mem := memstore.New()
	h := &harness{
		mem: mem,
		branch: models.BranchSettings{
			BranchID: uuid.New(),
			Code:     "DT01",
			Name:     "Downtown",
			Timezone: "UTC",
			Active:   true,
			Features: map[string]bool{branches.FeatureBranchPriceOverrides: true},
		},
		secret: testSecret,
		coffee: models.Product{ProductID: uuid.New(), SKU: "COF-1", Barcode: "400000000001", Name: "Coffee", BasePrice: decimal.RequireFromString("3.50"), PriceVersion: 1, Stock: 10, TrackInventory: true, Active: true},
		muffin: models.Product{ProductID: uuid.New(), SKU: "MUF-1", Barcode: "400000000002", Name: "Muffin", BasePrice: decimal.RequireFromString("2.25"), PriceVersion: 1, Stock: 1, TrackInventory: true, Active: true},
	}
	h.device = models.Device{
		DeviceID:       uuid.New(),
		InstallationID: uuid.New(),
		BranchID:       h.branch.BranchID,
		TerminalCode:   "POS-01",
		Status:         models.DeviceStatusActive,
	}
	h.manager = models.Actor{BranchID: h.branch.BranchID, ActorID: "user-manager", Role: models.RoleManager}

	mem.PutBranch(h.branch)
	mem.PutProduct(h.coffee)
	mem.PutProduct(h.muffin)
	mem.PutDevice(h.device, models.DeviceKey{KeyVersion: 1, Secret: h.secret, IsActive: true})

	opts := Options{Now: mem.Clock().Now}
	for _, fn := range tweak {
		fn(&opts)
	}
	reader := branches.NewReader(mem, nil, 0, logx.Discard())
	h.svc = NewService(mem, orders.NewService(), reader, logx.Discard(), opts)
	return h
}

// sibling registers a second device on the same branch and store.
func (h *harness) sibling(terminal string, secret string) *harness {
	other := *h
	other.seq = 0
	other.secret = secret
	other.device = models.Device{
		DeviceID:       uuid.New(),
		InstallationID: uuid.New(),
		BranchID:       h.branch.BranchID,
		TerminalCode:   terminal,
		Status:         models.DeviceStatusActive,
	}
	h.mem.PutDevice(other.device, models.DeviceKey{KeyVersion: 1, Secret: secret, IsActive: true})
	return &other
}

// event builds a signed wire event for the harness device at the next seq.
func (h *harness) event(t *testing.T, eventType string, payload any) map[string]any {
	t.Helper()
	h.seq++
	return h.eventAt(t, h.seq, eventType, payload)
}

func (h *harness) eventAt(t *testing.T, seq int64, eventType string, payload any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	hash, err := signx.PayloadHash(raw)
	require.NoError(t, err)
	id := uuid.New()
	return map[string]any{
		"event_id":        id.String(),
		"idempotency_key": "idem-" + id.String(),
		"device_id":       h.device.DeviceID.String(),
		"branch_id":       h.device.BranchID.String(),
		"terminal_code":   h.device.TerminalCode,
		"device_seq":      seq,
		"event_type":      eventType,
		"occurred_at":     h.mem.Clock().Now().Format(time.RFC3339),
		"logical_clock":   seq,
		"payload":         json.RawMessage(raw),
		"payload_hash":    hash,
		"prev_hash":       "",
		"signature":       signx.SignEvent(h.secret, hash, "", seq, eventType),
	}
}

func (h *harness) creds(body []byte, key string) Credentials {
	ts := h.mem.Clock().Now().Format(time.RFC3339)
	return Credentials{
		DeviceID:       h.device.DeviceID.String(),
		BranchID:       h.device.BranchID.String(),
		TerminalCode:   h.device.TerminalCode,
		Timestamp:      ts,
		IdempotencyKey: key,
		Signature:      signx.SignRequest(h.secret, ts, key, body),
	}
}

func (h *harness) push(t *testing.T, evs ...map[string]any) (PushResult, error) {
	t.Helper()
	if evs == nil {
		evs = []map[string]any{}
	}
	body, err := json.Marshal(map[string]any{"events": evs})
	require.NoError(t, err)
	return h.svc.Push(context.Background(), PushRequest{
		Credentials: h.creds(body, "batch-"+uuid.NewString()),
		Body:        body,
		RequestID:   "req-test",
	})
}

func (h *harness) mustPush(t *testing.T, evs ...map[string]any) PushResult {
	t.Helper()
	res, err := h.push(t, evs...)
	require.NoError(t, err)
	require.Len(t, res.Acks, len(evs))
	return res
}

func (h *harness) pull(t *testing.T, req PullRequest) PullResult {
	t.Helper()
	req.Credentials = h.creds(nil, "")
	res, err := h.svc.Pull(context.Background(), req, nil)
	require.NoError(t, err)
	return res
}

func decodeAck(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var ack map[string]any
	require.NoError(t, json.Unmarshal(raw, &ack))
	return ack
}

func serverRef(t *testing.T, ack map[string]any, key string) string {
	t.Helper()
	refs, ok := ack["server_refs"].(map[string]any)
	require.True(t, ok, "server_refs missing")
	v, _ := refs[key].(string)
	return v
}

func requireCallError(t *testing.T, err error, status int, reason string) {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *Error, got %v", err)
	require.Equal(t, status, e.Status)
	require.Equal(t, reason, e.Reason)
}

func sale(clientOrderID string, items ...SaleItem) map[string]any {
	return map[string]any{"client_order_id": clientOrderID, "items": items}
}
