package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantbox/internal/bus"
	"quantbox/internal/logger"
	"quantbox/internal/market"

	"github.com/shopspring/decimal"
)

// DustThreshold is the quantity below which a position row is deleted
// instead of being kept at a near-zero remainder.
var DustThreshold = decimal.NewFromFloat(1e-8)

// Executor consumes price ticks and matches them against pending orders.
// Fills for the same account are serialized so concurrent ticks on different
// symbols cannot interleave balance updates.
type Executor struct {
	store *Store
	sub   *bus.Subscription
	dust  decimal.Decimal

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewExecutor(store *Store, sub *bus.Subscription) *Executor {
	return &Executor{
		store: store,
		sub:   sub,
		dust:  DustThreshold,
		locks: make(map[int64]*sync.Mutex),
	}
}

// SetDustThreshold overrides the default dust threshold.
func (e *Executor) SetDustThreshold(dust decimal.Decimal) {
	if dust.Sign() >= 0 {
		e.dust = dust
	}
}

// Run drains the tick subscription until the context is canceled or the
// subscription channel closes. Fill failures are logged and the loop keeps
// going; one bad order must not stall the market feed.
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick, ok := <-e.sub.C():
			if !ok {
				return nil
			}
			e.HandleTick(ctx, tick)
		}
	}
}

// HandleTick matches one tick against all pending orders for its symbol.
func (e *Executor) HandleTick(ctx context.Context, tick market.PriceTick) {
	if tick.Symbol == "" || tick.Price.LessThanOrEqual(decimal.Zero) {
		return
	}
	orders, err := e.store.PendingOrdersBySymbol(ctx, tick.Symbol)
	if err != nil {
		logger.Errorf("[paper] pending order lookup for %s failed: %v", tick.Symbol, err)
		return
	}
	for _, order := range orders {
		if !shouldFill(order, tick.Price) {
			continue
		}
		if err := e.fillOrder(ctx, order.ID, order.AccountID, tick); err != nil {
			logger.Errorf("[paper] fill of order %d failed: %v", order.ID, err)
		}
	}
}

// shouldFill decides whether an order matches at the given price. Market
// orders fill on the first tick; limit buys need price <= limit, limit sells
// need price >= limit.
func shouldFill(order Order, price decimal.Decimal) bool {
	if order.Type == OrderTypeMarket {
		return true
	}
	if order.Side == OrderSideBuy {
		return price.LessThanOrEqual(order.LimitPrice)
	}
	return price.GreaterThanOrEqual(order.LimitPrice)
}

func (e *Executor) accountLock(accountID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[accountID] = lock
	}
	return lock
}

// fillOrder executes one order atomically: re-check the pending status,
// re-validate funds or position at the fill price (canceling instead of
// filling when the check fails), record the execution, update the position
// and settle cash. Two ticks racing for the same order result in exactly one
// fill because the status guard runs inside the transaction.
func (e *Executor) fillOrder(ctx context.Context, orderID, accountID int64, tick market.PriceTick) error {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	return e.store.Transaction(ctx, func(tx *Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderStatusPending {
			return nil
		}
		account, err := tx.GetAccount(ctx, order.AccountID)
		if err != nil {
			return err
		}

		price := tick.Price
		cost := order.Quantity.Mul(price)
		now := time.Now().UTC()

		switch order.Side {
		case OrderSideBuy:
			if account.CashBalance.LessThan(cost) {
				logger.Warnf("[paper] canceling order %d: insufficient funds (need %s, have %s)",
					order.ID, cost, account.CashBalance)
				return tx.UpdateOrderStatus(ctx, order.ID, OrderStatusCanceled, &now)
			}
		case OrderSideSell:
			position, err := tx.GetPosition(ctx, order.AccountID, order.Symbol)
			if err != nil {
				return err
			}
			if position == nil || position.Quantity.LessThan(order.Quantity) {
				logger.Warnf("[paper] canceling order %d: insufficient position", order.ID)
				return tx.UpdateOrderStatus(ctx, order.ID, OrderStatusCanceled, &now)
			}
		default:
			return fmt.Errorf("order %d has invalid side %q", order.ID, order.Side)
		}

		execution := Execution{
			OrderID:  order.ID,
			Quantity: order.Quantity,
			Price:    price,
			ExecTime: tick.Timestamp.UTC(),
		}
		if err := tx.CreateExecution(ctx, &execution); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, order.ID, OrderStatusFilled, &now); err != nil {
			return err
		}
		if err := e.applyFill(ctx, tx, &account, order, price, now); err != nil {
			return err
		}
		logger.Infof("[paper] order %d filled: %s %s x %s @ %s",
			order.ID, order.Side, order.Symbol, order.Quantity, price)
		return nil
	})
}

// applyFill moves the position and cash for a fill at the given price.
// Buys grow the position at a quantity-weighted average cost; sells shrink
// it and delete the row once only dust remains.
func (e *Executor) applyFill(ctx context.Context, tx *Store, account *Account, order Order, price decimal.Decimal, now time.Time) error {
	cost := order.Quantity.Mul(price)
	position, err := tx.GetPosition(ctx, order.AccountID, order.Symbol)
	if err != nil {
		return err
	}

	switch order.Side {
	case OrderSideBuy:
		if position == nil {
			position = &Position{
				AccountID:   order.AccountID,
				Symbol:      order.Symbol,
				Quantity:    order.Quantity,
				AvgBuyPrice: price,
				CreatedAt:   now,
			}
		} else {
			oldCost := position.Quantity.Mul(position.AvgBuyPrice)
			newQty := position.Quantity.Add(order.Quantity)
			position.AvgBuyPrice = oldCost.Add(cost).Div(newQty)
			position.Quantity = newQty
		}
		position.UpdatedAt = now
		if err := tx.UpsertPosition(ctx, position); err != nil {
			return err
		}
		account.CashBalance = account.CashBalance.Sub(cost)
	case OrderSideSell:
		remaining := position.Quantity.Sub(order.Quantity)
		if remaining.LessThanOrEqual(e.dust) {
			if err := tx.DeletePosition(ctx, position.ID); err != nil {
				return err
			}
		} else {
			position.Quantity = remaining
			position.UpdatedAt = now
			if err := tx.UpsertPosition(ctx, position); err != nil {
				return err
			}
		}
		account.CashBalance = account.CashBalance.Add(cost)
	}

	account.UpdatedAt = now
	return tx.UpdateAccount(ctx, account)
}
