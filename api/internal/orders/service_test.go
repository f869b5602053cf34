package orders

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-platform/api/internal/models"
	"pos-sync-platform/api/internal/store"
	"pos-sync-platform/api/internal/store/memstore"
	"pos-sync-platform/shared/workflow"
)

type fixture struct {
	mem     *memstore.Store
	svc     *Service
	actor   models.Actor
	coffee  models.Product
	muffin  models.Product
	giftBox models.Product
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mem := memstore.New()
	branch := uuid.New()
	f := fixture{
		mem:     mem,
		svc:     NewService(),
		actor:   models.Actor{BranchID: branch, ActorID: "cashier-1", Role: models.RoleCashier},
		coffee:  models.Product{ProductID: uuid.New(), SKU: "COF", Name: "Coffee", BasePrice: decimal.RequireFromString("3.50"), Stock: 10, TrackInventory: true, Active: true},
		muffin:  models.Product{ProductID: uuid.New(), SKU: "MUF", Name: "Muffin", BasePrice: decimal.RequireFromString("2.25"), Stock: 1, TrackInventory: true, Active: true},
		giftBox: models.Product{ProductID: uuid.New(), SKU: "GIFT", Name: "Gift box", BasePrice: decimal.RequireFromString("9.99"), Active: true},
	}
	mem.PutProduct(f.coffee)
	mem.PutProduct(f.muffin)
	mem.PutProduct(f.giftBox)
	return f
}

func (f fixture) create(t *testing.T, in CreateInput) (models.Order, error) {
	t.Helper()
	var out models.Order
	err := f.mem.WithTx(context.Background(), store.TxOptions{}, func(tx store.Tx) error {
		var err error
		out, err = f.svc.CreateOrder(context.Background(), tx, in, f.actor)
		return err
	})
	return out, err
}

func TestCreateOrderDeductsStockAndWritesLedger(t *testing.T) {
	f := newFixture(t)
	order, err := f.create(t, CreateInput{
		ClientOrderID: "c-1",
		Items: []LineInput{
			{ProductID: f.coffee.ProductID, Quantity: 2},
			{ProductID: f.coffee.ProductID, Quantity: 1},
			{ProductID: f.giftBox.ProductID, Quantity: 1},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.OrderStatusCompleted, order.Status)
	assert.Equal(t, "ORD-000001", order.OrderNumber)
	assert.True(t, decimal.RequireFromString("20.49").Equal(order.Total), order.Total.String())

	p, _ := f.mem.Product(f.coffee.ProductID)
	assert.Equal(t, int64(7), p.Stock)

	ledger := f.mem.Ledger()
	require.Len(t, ledger, 2, "one row per tracked line")
	assert.Equal(t, int64(-2), ledger[0].AppliedDelta)
	assert.Equal(t, int64(8), ledger[0].QuantityAfter)
	assert.Equal(t, int64(-1), ledger[1].AppliedDelta)
	assert.Equal(t, int64(7), ledger[1].QuantityAfter)
	for _, e := range ledger {
		assert.Equal(t, f.coffee.ProductID, e.ProductID)
		assert.Equal(t, order.OrderID, *e.OrderID)
		assert.Equal(t, models.StockScopeGlobal, e.Scope)
	}
}

func TestCreateOrderChecksSummedQuantityPerProduct(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, CreateInput{
		ClientOrderID: "c-split",
		Items: []LineInput{
			{ProductID: f.muffin.ProductID, Quantity: 1},
			{ProductID: f.muffin.ProductID, Quantity: 1},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientStock)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.EqualValues(t, 2, verr.Details["requested"])
	assert.Empty(t, f.mem.Ledger())
	p, _ := f.mem.Product(f.muffin.ProductID)
	assert.Equal(t, int64(1), p.Stock)
}

func TestCreateOrderUsesBranchOverrides(t *testing.T) {
	f := newFixture(t)
	f.mem.PutBranchStock(f.actor.BranchID, f.muffin.ProductID, 5)
	f.mem.PutOverride(models.PriceOverride{BranchID: f.actor.BranchID, ProductID: f.muffin.ProductID, Price: decimal.RequireFromString("2.00"), Version: 1})

	order, err := f.create(t, CreateInput{
		ClientOrderID: "c-2",
		Items:         []LineInput{{ProductID: f.muffin.ProductID, Quantity: 3}},
	})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("6.00").Equal(order.Total))

	qty, ok := f.mem.BranchStock(f.actor.BranchID, f.muffin.ProductID)
	require.True(t, ok)
	assert.Equal(t, int64(2), qty)
	p, _ := f.mem.Product(f.muffin.ProductID)
	assert.Equal(t, int64(1), p.Stock, "global counter untouched")
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, CreateInput{
		ClientOrderID: "c-3",
		Items:         []LineInput{{ProductID: f.muffin.ProductID, Quantity: 2}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientStock))
	ve, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeInsufficientStock, ve.Code)
	assert.Empty(t, f.mem.Orders())
}

func TestCreateOrderSkipDeduction(t *testing.T) {
	f := newFixture(t)
	order, err := f.create(t, CreateInput{
		ClientOrderID:          "c-4",
		Items:                  []LineInput{{ProductID: f.muffin.ProductID, Quantity: 4}},
		SkipInventoryDeduction: true,
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.OrderStatusCompleted, order.Status)
	p, _ := f.mem.Product(f.muffin.ProductID)
	assert.Equal(t, int64(1), p.Stock)
	assert.Empty(t, f.mem.Ledger())
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	negative := decimal.RequireFromString("-1")
	inactive := models.Product{ProductID: uuid.New(), Name: "Old", Active: false}
	f.mem.PutProduct(inactive)

	cases := []struct {
		name string
		in   CreateInput
		code string
	}{
		{"missing client id", CreateInput{Items: []LineInput{{ProductID: f.coffee.ProductID, Quantity: 1}}}, CodeMissingClientID},
		{"empty", CreateInput{ClientOrderID: "x"}, CodeEmptyOrder},
		{"zero quantity", CreateInput{ClientOrderID: "x", Items: []LineInput{{ProductID: f.coffee.ProductID}}}, CodeInvalidQuantity},
		{"unknown product", CreateInput{ClientOrderID: "x", Items: []LineInput{{ProductID: uuid.New(), Quantity: 1}}}, CodeProductNotFound},
		{"inactive product", CreateInput{ClientOrderID: "x", Items: []LineInput{{ProductID: inactive.ProductID, Quantity: 1}}}, CodeProductInactive},
		{"negative price", CreateInput{ClientOrderID: "x", Items: []LineInput{{ProductID: f.coffee.ProductID, Quantity: 1, UnitPrice: &negative}}}, CodeInvalidPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.create(t, tc.in)
			ve, ok := AsValidation(err)
			require.True(t, ok, "expected validation error, got %v", err)
			assert.Equal(t, tc.code, ve.Code)
		})
	}
}

func TestCreateOrderDuplicateClientID(t *testing.T) {
	f := newFixture(t)
	in := CreateInput{ClientOrderID: "dup", Items: []LineInput{{ProductID: f.giftBox.ProductID, Quantity: 1}}}
	_, err := f.create(t, in)
	require.NoError(t, err)
	_, err = f.create(t, in)
	ve, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeDuplicateOrder, ve.Code)
}

func TestTransitionStatus(t *testing.T) {
	f := newFixture(t)
	order, err := f.create(t, CreateInput{ClientOrderID: "t-1", Items: []LineInput{{ProductID: f.giftBox.ProductID, Quantity: 1}}})
	require.NoError(t, err)

	transition := func(to string) (models.Order, bool, error) {
		var out models.Order
		var changed bool
		err := f.mem.WithTx(context.Background(), store.TxOptions{}, func(tx store.Tx) error {
			var err error
			out, changed, err = f.svc.TransitionStatus(context.Background(), tx, order.OrderID, to, f.actor)
			return err
		})
		return out, changed, err
	}

	_, changed, err := transition("completed")
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = transition("preparing")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	updated, changed, err := transition(" Refunded ")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, workflow.OrderStatusRefunded, updated.Status)

	_, _, err = transition("teleported")
	ve, ok := AsValidation(err)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidStatus, ve.Code)

	err = f.mem.WithTx(context.Background(), store.TxOptions{}, func(tx store.Tx) error {
		_, _, err := f.svc.TransitionStatus(context.Background(), tx, uuid.New(), "cancelled", f.actor)
		return err
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
