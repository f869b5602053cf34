package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	m := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		_, err := tx.AppendJournal(ctx, models.JournalEntry{EventID: uuid.New()})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, m.Journal())

	err = m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		_, err := tx.AppendJournal(ctx, models.JournalEntry{EventID: uuid.New()})
		return err
	})
	require.NoError(t, err)
	assert.Len(t, m.Journal(), 1)
}

func TestSavepointUndoesOnlyInnerWrites(t *testing.T) {
	m := New()
	ctx := context.Background()
	product := models.Product{ProductID: uuid.New(), SKU: "A", BasePrice: decimal.NewFromInt(1), Stock: 5}
	m.PutProduct(product)

	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		if err := tx.SetStock(ctx, models.StockCounter{ProductID: product.ProductID, Scope: models.StockScopeGlobal, Quantity: 4}, m.Clock().Now()); err != nil {
			return err
		}
		inner := tx.Savepoint(ctx, func(tx store.Tx) error {
			if err := tx.SetStock(ctx, models.StockCounter{ProductID: product.ProductID, Scope: models.StockScopeGlobal, Quantity: 0}, time.Time{}); err != nil {
				return err
			}
			return errors.New("undo")
		})
		require.Error(t, inner)
		return nil
	})
	require.NoError(t, err)
	got, _ := m.Product(product.ProductID)
	assert.Equal(t, int64(4), got.Stock)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	m := New()
	ctx := context.Background()
	err := m.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(tx store.Tx) error {
		_, err := tx.AppendJournal(ctx, models.JournalEntry{})
		return err
	})
	require.ErrorIs(t, err, errReadOnly)
}

func TestFailOnInjectsAndClears(t *testing.T) {
	m := New()
	ctx := context.Background()
	down := errors.New("db down")
	m.FailOn("Now", down)
	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		_, err := tx.Now(ctx)
		return err
	})
	require.ErrorIs(t, err, down)

	m.FailOn("Now", nil)
	err = m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		now, err := tx.Now(ctx)
		assert.True(t, now.Equal(m.Clock().Now()))
		return err
	})
	require.NoError(t, err)
}

func TestReserveDedupeUniqueness(t *testing.T) {
	m := New()
	ctx := context.Background()
	device := uuid.New()
	first := models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-1", DeviceID: device, DeviceSeq: 1, Status: models.DedupeProcessing}

	cases := []struct {
		name string
		rec  models.DedupeRecord
		want bool
	}{
		{name: "same event id", rec: models.DedupeRecord{EventID: first.EventID, IdempotencyKey: "k-2", DeviceID: device, DeviceSeq: 2}},
		{name: "same idempotency key", rec: models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-1", DeviceID: uuid.New(), DeviceSeq: 9}},
		{name: "same live seq", rec: models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-3", DeviceID: device, DeviceSeq: 1}},
		{name: "same seq other device", rec: models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-4", DeviceID: uuid.New(), DeviceSeq: 1}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
				if _, err := tx.ReserveDedupe(ctx, first); err != nil {
					return err
				}
				got, err := tx.ReserveDedupe(ctx, tc.rec)
				assert.Equal(t, tc.want, got)
				return errors.Join(err, errRollback)
			})
			require.ErrorIs(t, err, errRollback)
		})
	}
}

var errRollback = errors.New("rollback")

func TestRejectedDedupeReleasesSeq(t *testing.T) {
	m := New()
	ctx := context.Background()
	device := uuid.New()
	rejected := models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-1", DeviceID: device, DeviceSeq: 1}

	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		ok, err := tx.ReserveDedupe(ctx, rejected)
		require.NoError(t, err)
		require.True(t, ok)
		if err := tx.FinalizeDedupe(ctx, rejected.EventID, models.OutcomeRejected, "invalid_payload", []byte(`{}`), time.Time{}); err != nil {
			return err
		}
		maxSeq, err := tx.MaxAppliedSeq(ctx, device)
		require.NoError(t, err)
		assert.Zero(t, maxSeq)

		ok, err = tx.ReserveDedupe(ctx, models.DedupeRecord{EventID: uuid.New(), IdempotencyKey: "k-2", DeviceID: device, DeviceSeq: 1})
		require.NoError(t, err)
		assert.True(t, ok)

		rec, err := tx.FindDedupe(ctx, uuid.New(), "k-1", device, 1)
		require.NoError(t, err)
		assert.Equal(t, rejected.EventID, rec.EventID, "key lookup wins over seq lookup")
		return nil
	})
	require.NoError(t, err)
}

func TestAdvanceCursorNeverRewinds(t *testing.T) {
	m := New()
	ctx := context.Background()
	device, branch := uuid.New(), uuid.New()
	later := m.Clock().Now().Add(time.Hour)
	inside := models.StreamCursor{Watermark: later, AfterID: "b"}

	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		for _, c := range []models.StreamCursor{
			inside,
			{Watermark: later, AfterID: "a"},
			{Watermark: later.Add(-time.Minute)},
		} {
			if err := tx.AdvanceCursor(ctx, device, branch, models.StreamOrders, c); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, inside, m.Cursors(device, branch)[models.StreamOrders])

	err = m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		return tx.AdvanceCursor(ctx, device, branch, models.StreamOrders, models.StreamCursor{Watermark: later})
	})
	require.NoError(t, err)
	assert.Equal(t, models.StreamCursor{Watermark: later}, m.Cursors(device, branch)[models.StreamOrders])
}

func TestListStreamResumesInsideTie(t *testing.T) {
	m := New()
	ctx := context.Background()
	branch := uuid.New()
	start := m.Clock().Now()
	m.Clock().Advance(time.Second)
	for i := 0; i < 3; i++ {
		m.PutSection(models.Section{SectionID: uuid.New(), BranchID: &branch, Name: "tie"})
	}

	err := m.WithTx(ctx, store.TxOptions{ReadOnly: true, Snapshot: true}, func(tx store.Tx) error {
		all, err := tx.ListStream(ctx, models.StreamSections, branch, models.StreamCursor{Watermark: start}, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)

		rest, err := tx.ListStream(ctx, models.StreamSections, branch, models.StreamCursor{Watermark: all[0].Watermark, AfterID: all[0].ID}, 0)
		require.NoError(t, err)
		assert.Equal(t, all[1:], rest)

		done, err := tx.ListStream(ctx, models.StreamSections, branch, models.StreamCursor{Watermark: all[0].Watermark}, 0)
		require.NoError(t, err)
		assert.Empty(t, done)
		return nil
	})
	require.NoError(t, err)
}

func TestStreamsFilterByBranchAndWatermark(t *testing.T) {
	m := New()
	ctx := context.Background()
	branch := uuid.New()
	other := uuid.New()
	start := m.Clock().Now()

	m.PutSection(models.Section{SectionID: uuid.New(), Name: "global"})
	m.Clock().Advance(time.Second)
	m.PutSection(models.Section{SectionID: uuid.New(), BranchID: &branch, Name: "mine"})
	m.PutSection(models.Section{SectionID: uuid.New(), BranchID: &other, Name: "theirs"})

	err := m.WithTx(ctx, store.TxOptions{ReadOnly: true, Snapshot: true}, func(tx store.Tx) error {
		all, err := tx.SnapshotStream(ctx, models.StreamSections, branch)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		since, err := tx.ListStream(ctx, models.StreamSections, branch, models.StreamCursor{Watermark: start}, 10)
		require.NoError(t, err)
		require.Len(t, since, 1)
		assert.Contains(t, string(since[0].Data), `"mine"`)

		_, err = tx.ListStream(ctx, "customers", branch, models.StreamCursor{Watermark: start}, 10)
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestEffectivePriceAndStockPreferBranchRows(t *testing.T) {
	m := New()
	ctx := context.Background()
	branch := uuid.New()
	p := models.Product{ProductID: uuid.New(), SKU: "Tea-1", BasePrice: decimal.NewFromInt(2), PriceVersion: 1, Stock: 8}
	m.PutProduct(p)

	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		found, err := tx.FindProduct(ctx, models.ProductRef{SKU: "TEA-1"})
		require.NoError(t, err)
		assert.Equal(t, p.ProductID, found.ProductID)

		price, err := tx.EffectivePrice(ctx, branch, p.ProductID)
		require.NoError(t, err)
		assert.Equal(t, models.PriceScopeGlobal, price.Scope)

		stock, err := tx.LockStock(ctx, branch, p.ProductID)
		require.NoError(t, err)
		assert.Equal(t, models.StockScopeGlobal, stock.Scope)
		assert.Equal(t, int64(8), stock.Quantity)

		state, err := tx.LockPrice(ctx, branch, p.ProductID, models.PriceScopeBranch)
		require.NoError(t, err)
		assert.False(t, state.Exists)
		state.Price = decimal.RequireFromString("2.50")
		state.Version = 1
		return tx.SavePrice(ctx, state, m.Clock().Now())
	})
	require.NoError(t, err)
	m.PutBranchStock(branch, p.ProductID, 3)

	err = m.WithTx(ctx, store.TxOptions{ReadOnly: true}, func(tx store.Tx) error {
		price, err := tx.EffectivePrice(ctx, branch, p.ProductID)
		require.NoError(t, err)
		assert.Equal(t, models.PriceScopeBranch, price.Scope)
		assert.Equal(t, "2.5", price.Price.String())

		stock, err := tx.LockStock(ctx, branch, p.ProductID)
		require.NoError(t, err)
		assert.Equal(t, models.StockScopeBranch, stock.Scope)
		assert.Equal(t, int64(3), stock.Quantity)
		return nil
	})
	require.NoError(t, err)
}

func TestSetStockRefusesNegative(t *testing.T) {
	m := New()
	ctx := context.Background()
	err := m.WithTx(ctx, store.TxOptions{}, func(tx store.Tx) error {
		return tx.SetStock(ctx, models.StockCounter{BranchID: uuid.New(), ProductID: uuid.New(), Scope: models.StockScopeBranch, Quantity: -1}, time.Time{})
	})
	assert.Error(t, err)
}

func TestLoadSettingsInsideTransaction(t *testing.T) {
	m := New()
	branch := models.BranchSettings{BranchID: uuid.New(), Active: true}
	m.PutBranch(branch)

	done := make(chan error, 1)
	go func() {
		done <- m.WithTx(context.Background(), store.TxOptions{}, func(store.Tx) error {
			got, err := m.LoadSettings(context.Background(), branch.BranchID)
			if err == nil && got.BranchID != branch.BranchID {
				err = errors.New("wrong branch")
			}
			return err
		})
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("LoadSettings blocked inside WithTx")
	}
}
