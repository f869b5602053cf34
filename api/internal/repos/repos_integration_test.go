//go:build integration

package repos

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/branches"
	"pos-sync-platform/api/internal/devicesync"
	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/orders"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/shared/logx"
	"pos-sync-platform/shared/signx"
)

func integrationPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func TestPushAndPullAgainstPostgres(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	branchesRepo := NewBranchesRepo(pool)

	branch, err := branchesRepo.CreateBranch(ctx, "IT"+strings.ToUpper(uuid.NewString()[:6]), "Integration", "UTC")
	require.NoError(t, err)
	productID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO products (product_id, sku, name, base_price, stock)
		VALUES ($1, $2, 'Espresso', 3.20, 1)
	`, productID, "ESP-"+productID.String()[:8])
	require.NoError(t, err)

	st := NewStore(pool)
	svc := devicesync.NewService(st, orders.NewService(), branches.NewReader(branchesRepo, nil, 0, logx.Discard()), logx.Discard(), devicesync.Options{})
	manager := models.Actor{BranchID: branch.BranchID, ActorID: "it-manager", Role: models.RoleManager}
	reg, err := svc.RegisterDevice(ctx, devicesync.RegisterRequest{TerminalCode: "POS-IT"}, manager)
	require.NoError(t, err)

	creds := func(body []byte, key string) devicesync.Credentials {
		ts := time.Now().UTC().Format(time.RFC3339)
		return devicesync.Credentials{
			DeviceID:       reg.Device.DeviceID.String(),
			BranchID:       branch.BranchID.String(),
			TerminalCode:   reg.Device.TerminalCode,
			Timestamp:      ts,
			IdempotencyKey: key,
			Signature:      signx.SignRequest(reg.Secret, ts, key, body),
		}
	}
	saleEvent := func(seq int64, clientOrderID string) map[string]any {
		raw, err := json.Marshal(map[string]any{
			"client_order_id": clientOrderID,
			"items":           []map[string]any{{"product_id": productID.String(), "quantity": 1}},
		})
		require.NoError(t, err)
		hash, err := signx.PayloadHash(raw)
		require.NoError(t, err)
		id := uuid.NewString()
		return map[string]any{
			"event_id":        id,
			"idempotency_key": "idem-" + id,
			"device_id":       reg.Device.DeviceID.String(),
			"branch_id":       branch.BranchID.String(),
			"terminal_code":   reg.Device.TerminalCode,
			"device_seq":      seq,
			"event_type":      models.EventSaleCreated,
			"occurred_at":     time.Now().UTC().Format(time.RFC3339),
			"logical_clock":   seq,
			"payload":         json.RawMessage(raw),
			"payload_hash":    hash,
			"signature":       signx.SignEvent(reg.Secret, hash, "", seq, models.EventSaleCreated),
		}
	}

	first := saleEvent(1, "it-1")
	body, err := json.Marshal(map[string]any{"events": []any{first, saleEvent(2, "it-2")}})
	require.NoError(t, err)
	res, err := svc.Push(ctx, devicesync.PushRequest{Credentials: creds(body, "it-batch-1"), Body: body})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Accepted)
	assert.Equal(t, 1, res.Summary.Conflicts, "second sale oversells the single unit")

	// Replaying the batch returns the stored acks without new writes.
	replay, err := svc.Push(ctx, devicesync.PushRequest{Credentials: creds(body, "it-batch-2"), Body: body})
	require.NoError(t, err)
	assert.Equal(t, 2, replay.Summary.Duplicates)
	require.Len(t, replay.Acks, len(res.Acks))
	for i := range res.Acks {
		assert.Equal(t, string(res.Acks[i]), string(replay.Acks[i]), "ack %d must replay byte for byte", i)
	}

	var stock int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT stock FROM products WHERE product_id = $1`, productID).Scan(&stock))
	assert.Equal(t, int64(0), stock)

	pull, err := svc.Pull(ctx, devicesync.PullRequest{Credentials: creds(nil, "")}, nil)
	require.NoError(t, err)
	assert.Len(t, pull.Streams[models.StreamOrders].Rows, 2)
	assert.Len(t, pull.Streams[models.StreamConflicts].Rows, 1)

	again, err := svc.Pull(ctx, devicesync.PullRequest{Credentials: creds(nil, "")}, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Streams[models.StreamOrders].Rows)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE branch_id = $1 AND status = 'pending'`, branch.BranchID).Scan(&pending))
	assert.Equal(t, 3, pending, "two processed events and one opened conflict")
}

func TestSavepointRollsBackInnerWritesOnly(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	branch, err := NewBranchesRepo(pool).CreateBranch(ctx, "SP"+strings.ToUpper(uuid.NewString()[:6]), "Savepoint", "")
	require.NoError(t, err)

	st := NewStore(pool)
	deviceID := uuid.New()
	err = st.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		now, err := tx.Now(ctx)
		require.NoError(t, err)
		_, err = tx.UpsertDevice(ctx, models.Device{
			DeviceID: deviceID, InstallationID: uuid.New(), BranchID: branch.BranchID,
			TerminalCode: "SP-1", Status: models.DeviceStatusActive, CreatedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
		inner := tx.Savepoint(ctx, func(sp store.Tx) error {
			if err := sp.SetDeviceStatus(ctx, deviceID, models.DeviceStatusDisabled, now); err != nil {
				return err
			}
			return assert.AnError
		})
		require.ErrorIs(t, inner, assert.AnError)
		return nil
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(tx store.Tx) error {
		d, err := tx.GetDevice(ctx, deviceID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusActive, d.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestStreamKeysetPagesThroughTiedWatermarks(t *testing.T) {
	ctx := context.Background()
	pool := integrationPool(t)
	branch, err := NewBranchesRepo(pool).CreateBranch(ctx, "KS"+strings.ToUpper(uuid.NewString()[:6]), "Keyset", "")
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err = pool.Exec(ctx, `INSERT INTO sections (branch_id, name, updated_at) VALUES ($1, 'tie', $2)`, branch.BranchID, at)
		require.NoError(t, err)
	}

	st := NewStore(pool)
	deviceID := uuid.New()
	err = st.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		first, err := tx.ListStream(ctx, models.StreamSections, branch.BranchID, models.StreamCursor{Watermark: at.Add(-time.Second)}, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		inside := models.StreamCursor{Watermark: at, AfterID: first[1].ID}

		rest, err := tx.ListStream(ctx, models.StreamSections, branch.BranchID, inside, 2)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Greater(t, rest[0].ID, first[1].ID)

		require.NoError(t, tx.AdvanceCursor(ctx, deviceID, branch.BranchID, models.StreamSections, inside))
		require.NoError(t, tx.AdvanceCursor(ctx, deviceID, branch.BranchID, models.StreamSections, models.StreamCursor{Watermark: at, AfterID: first[0].ID}))
		cursors, err := tx.GetCursors(ctx, deviceID, branch.BranchID)
		require.NoError(t, err)
		assert.Equal(t, inside, cursors[models.StreamSections])

		require.NoError(t, tx.AdvanceCursor(ctx, deviceID, branch.BranchID, models.StreamSections, models.StreamCursor{Watermark: at}))
		cursors, err = tx.GetCursors(ctx, deviceID, branch.BranchID)
		require.NoError(t, err)
		assert.Equal(t, models.StreamCursor{Watermark: at}, cursors[models.StreamSections])
		return nil
	})
	require.NoError(t, err)
}
