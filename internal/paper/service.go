package paper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quantbox/internal/logger"

	"github.com/shopspring/decimal"
)

// DefaultInitialBalance funds a freshly created account.
var DefaultInitialBalance = decimal.NewFromInt(10000000)

// Service is the account-facing paper-trading API: accounts, order intake
// with pre-validation, cancellation and balance valuation. Fills happen in
// the Executor, not here.
type Service struct {
	store          *Store
	initialBalance decimal.Decimal
}

func NewService(store *Store, initialBalance decimal.Decimal) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("paper service requires a store")
	}
	if initialBalance.LessThanOrEqual(decimal.Zero) {
		initialBalance = DefaultInitialBalance
	}
	return &Service{store: store, initialBalance: initialBalance}, nil
}

// GetOrCreateAccount returns the named account, creating and funding it on
// first use.
func (s *Service) GetOrCreateAccount(ctx context.Context, name string) (Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, fmt.Errorf("account name is required")
	}
	account, err := s.store.GetAccountByName(ctx, name)
	if err == nil {
		return account, nil
	}
	if err != ErrAccountNotFound {
		return Account{}, err
	}
	now := time.Now().UTC()
	account = Account{
		Name:           name,
		InitialBalance: s.initialBalance,
		CashBalance:    s.initialBalance,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateAccount(ctx, &account); err != nil {
		return Account{}, err
	}
	logger.Infof("[paper] created account %s with balance %s", name, s.initialBalance)
	return account, nil
}

// ResetAccount wipes the account's orders, positions and executions and
// restores the initial balance.
func (s *Service) ResetAccount(ctx context.Context, accountID int64) error {
	return s.store.Transaction(ctx, func(tx *Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := tx.db.Where("order_id IN (?)",
			tx.db.Model(&Order{}).Select("id").Where("account_id = ?", accountID),
		).Delete(&Execution{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("account_id = ?", accountID).Delete(&Order{}).Error; err != nil {
			return err
		}
		if err := tx.db.Where("account_id = ?", accountID).Delete(&Position{}).Error; err != nil {
			return err
		}
		account.CashBalance = account.InitialBalance
		account.Active = true
		account.UpdatedAt = time.Now().UTC()
		return tx.UpdateAccount(ctx, &account)
	})
}

// SetActive flips the kill switch. Inactive accounts reject new orders.
func (s *Service) SetActive(ctx context.Context, accountID int64, active bool) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	account.Active = active
	account.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAccount(ctx, &account); err != nil {
		return err
	}
	logger.Infof("[paper] account %s active=%v", account.Name, active)
	return nil
}

// OrderParams describes one order submission.
type OrderParams struct {
	AccountID  int64
	Symbol     string
	Side       string
	Type       string
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
}

// SubmitOrder validates and persists a pending order. Validation here is a
// courtesy; the executor re-validates at fill time because prices move.
func (s *Service) SubmitOrder(ctx context.Context, params OrderParams) (Order, error) {
	if params.Symbol == "" {
		return Order{}, fmt.Errorf("symbol is required")
	}
	if params.Side != OrderSideBuy && params.Side != OrderSideSell {
		return Order{}, fmt.Errorf("invalid order side %q", params.Side)
	}
	if params.Type != OrderTypeMarket && params.Type != OrderTypeLimit {
		return Order{}, fmt.Errorf("invalid order type %q", params.Type)
	}
	if params.Quantity.LessThanOrEqual(decimal.Zero) {
		return Order{}, fmt.Errorf("quantity must be positive")
	}
	if params.Type == OrderTypeLimit && params.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return Order{}, fmt.Errorf("limit orders require a positive limit price")
	}

	account, err := s.store.GetAccount(ctx, params.AccountID)
	if err != nil {
		return Order{}, err
	}
	if !account.Active {
		return Order{}, ErrAccountInactive
	}

	switch params.Side {
	case OrderSideBuy:
		// Funds can only be checked when a price is known up front.
		if params.Type == OrderTypeLimit {
			required := params.Quantity.Mul(params.LimitPrice)
			if account.CashBalance.LessThan(required) {
				return Order{}, fmt.Errorf("%w: need %s, have %s",
					ErrInsufficientFunds, required, account.CashBalance)
			}
		}
	case OrderSideSell:
		position, err := s.store.GetPosition(ctx, params.AccountID, params.Symbol)
		if err != nil {
			return Order{}, err
		}
		held := decimal.Zero
		if position != nil {
			held = position.Quantity
		}
		if held.LessThan(params.Quantity) {
			return Order{}, fmt.Errorf("%w: need %s, have %s",
				ErrInsufficientPosition, params.Quantity, held)
		}
	}

	now := time.Now().UTC()
	order := Order{
		AccountID:  params.AccountID,
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       params.Type,
		Quantity:   params.Quantity,
		LimitPrice: params.LimitPrice,
		Status:     OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateOrder(ctx, &order); err != nil {
		return Order{}, err
	}
	logger.Infof("[paper] order %d submitted: %s %s %s x %s", order.ID, order.Side, order.Type, order.Symbol, order.Quantity)
	return order, nil
}

// CancelOrder cancels a pending order. Filled and canceled orders are
// terminal.
func (s *Service) CancelOrder(ctx context.Context, orderID int64) error {
	return s.store.Transaction(ctx, func(tx *Store) error {
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderStatusPending {
			return ErrOrderNotPending
		}
		now := time.Now().UTC()
		return tx.UpdateOrderStatus(ctx, orderID, OrderStatusCanceled, &now)
	})
}

// Orders lists the account's most recent orders.
func (s *Service) Orders(ctx context.Context, accountID int64, limit int) ([]Order, error) {
	return s.store.OrdersByAccount(ctx, accountID, limit)
}

// Positions lists the account's holdings.
func (s *Service) Positions(ctx context.Context, accountID int64) ([]Position, error) {
	return s.store.PositionsByAccount(ctx, accountID)
}

// BalanceReport values an account: cash plus positions at average cost.
type BalanceReport struct {
	AccountID       int64           `json:"account_id"`
	CashBalance     decimal.Decimal `json:"cash_balance"`
	PositionsValue  decimal.Decimal `json:"positions_value"`
	TotalAssetValue decimal.Decimal `json:"total_asset_value"`
	InitialBalance  decimal.Decimal `json:"initial_balance"`
	ProfitLoss      decimal.Decimal `json:"profit_loss"`
	Active          bool            `json:"active"`
}

// Balance computes the account's valuation report.
func (s *Service) Balance(ctx context.Context, accountID int64) (BalanceReport, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return BalanceReport{}, err
	}
	positions, err := s.store.PositionsByAccount(ctx, accountID)
	if err != nil {
		return BalanceReport{}, err
	}
	positionsValue := decimal.Zero
	for _, p := range positions {
		positionsValue = positionsValue.Add(p.Quantity.Mul(p.AvgBuyPrice))
	}
	total := account.CashBalance.Add(positionsValue)
	return BalanceReport{
		AccountID:       account.ID,
		CashBalance:     account.CashBalance,
		PositionsValue:  positionsValue,
		TotalAssetValue: total,
		InitialBalance:  account.InitialBalance,
		ProfitLoss:      total.Sub(account.InitialBalance),
		Active:          account.Active,
	}, nil
}
