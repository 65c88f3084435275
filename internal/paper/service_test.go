package paper

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "paper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T) (*Service, *Store) {
	t.Helper()
	store := newTestStore(t)
	svc, err := NewService(store, decimal.NewFromInt(10000))
	require.NoError(t, err)
	return svc, store
}

func TestGetOrCreateAccountIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a1, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)
	assert.True(t, a1.Active)
	assert.True(t, a1.CashBalance.Equal(decimal.NewFromInt(10000)))

	a2, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, a1.ID, a2.ID)
}

func TestSubmitOrderValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	cases := []struct {
		name   string
		params OrderParams
	}{
		{"missing symbol", OrderParams{AccountID: account.ID, Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"bad side", OrderParams{AccountID: account.ID, Symbol: "AAPL", Side: "short", Type: OrderTypeMarket, Quantity: decimal.NewFromInt(1)}},
		{"bad type", OrderParams{AccountID: account.ID, Symbol: "AAPL", Side: OrderSideBuy, Type: "stop", Quantity: decimal.NewFromInt(1)}},
		{"zero quantity", OrderParams{AccountID: account.ID, Symbol: "AAPL", Side: OrderSideBuy, Type: OrderTypeMarket, Quantity: decimal.Zero}},
		{"limit without price", OrderParams{AccountID: account.ID, Symbol: "AAPL", Side: OrderSideBuy, Type: OrderTypeLimit, Quantity: decimal.NewFromInt(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SubmitOrder(ctx, tc.params)
			assert.Error(t, err)
		})
	}
}

func TestSubmitLimitBuyChecksFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	_, err = svc.SubmitOrder(ctx, OrderParams{
		AccountID:  account.ID,
		Symbol:     "AAPL",
		Side:       OrderSideBuy,
		Type:       OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1000),
		LimitPrice: decimal.NewFromInt(100),
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Market buys cannot be price-checked up front and are accepted.
	order, err := svc.SubmitOrder(ctx, OrderParams{
		AccountID: account.ID,
		Symbol:    "AAPL",
		Side:      OrderSideBuy,
		Type:      OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusPending, order.Status)
}

func TestSubmitSellChecksPosition(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	_, err = svc.SubmitOrder(ctx, OrderParams{
		AccountID: account.ID,
		Symbol:    "AAPL",
		Side:      OrderSideSell,
		Type:      OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrInsufficientPosition)
}

func TestKillSwitchRejectsNewOrders(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, svc.SetActive(ctx, account.ID, false))
	_, err = svc.SubmitOrder(ctx, OrderParams{
		AccountID: account.ID,
		Symbol:    "AAPL",
		Side:      OrderSideBuy,
		Type:      OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrAccountInactive)

	require.NoError(t, svc.SetActive(ctx, account.ID, true))
	_, err = svc.SubmitOrder(ctx, OrderParams{
		AccountID: account.ID,
		Symbol:    "AAPL",
		Side:      OrderSideBuy,
		Type:      OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1),
	})
	assert.NoError(t, err)
}

func TestCancelOrderOnlyWhenPending(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	order, err := svc.SubmitOrder(ctx, OrderParams{
		AccountID:  account.ID,
		Symbol:     "AAPL",
		Side:       OrderSideBuy,
		Type:       OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelOrder(ctx, order.ID))
	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCanceled, got.Status)

	assert.ErrorIs(t, svc.CancelOrder(ctx, order.ID), ErrOrderNotPending)
	assert.ErrorIs(t, svc.CancelOrder(ctx, 99999), ErrOrderNotFound)
}

func TestResetAccountRestoresInitialState(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	_, err = svc.SubmitOrder(ctx, OrderParams{
		AccountID:  account.ID,
		Symbol:     "AAPL",
		Side:       OrderSideBuy,
		Type:       OrderTypeLimit,
		Quantity:   decimal.NewFromInt(1),
		LimitPrice: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertPosition(ctx, &Position{
		AccountID:   account.ID,
		Symbol:      "MSFT",
		Quantity:    decimal.NewFromInt(3),
		AvgBuyPrice: decimal.NewFromInt(200),
	}))
	require.NoError(t, svc.SetActive(ctx, account.ID, false))

	require.NoError(t, svc.ResetAccount(ctx, account.ID))

	orders, err := svc.Orders(ctx, account.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
	positions, err := svc.Positions(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, positions)

	report, err := svc.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, report.CashBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, report.ProfitLoss.IsZero())
	assert.True(t, report.Active)
}

func TestBalanceValuesPositionsAtAverageCost(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	account, err := svc.GetOrCreateAccount(ctx, "default")
	require.NoError(t, err)

	require.NoError(t, store.UpsertPosition(ctx, &Position{
		AccountID:   account.ID,
		Symbol:      "AAPL",
		Quantity:    decimal.NewFromInt(10),
		AvgBuyPrice: decimal.NewFromInt(150),
	}))
	account.CashBalance = decimal.NewFromInt(8500)
	require.NoError(t, store.UpdateAccount(ctx, &account))

	report, err := svc.Balance(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, report.PositionsValue.Equal(decimal.NewFromInt(1500)))
	assert.True(t, report.TotalAssetValue.Equal(decimal.NewFromInt(10000)))
	assert.True(t, report.ProfitLoss.IsZero())
}
