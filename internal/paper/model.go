package paper

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"
)

// Order lifecycle. Filled and canceled are terminal.
const (
	OrderStatusPending  = "pending"
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
)

// Account is one paper-trading account. Active is the kill switch: an
// inactive account rejects new orders but keeps its holdings inspectable.
type Account struct {
	ID             int64           `gorm:"column:id;primaryKey"`
	Name           string          `gorm:"column:name;uniqueIndex"`
	InitialBalance decimal.Decimal `gorm:"column:initial_balance;type:TEXT"`
	CashBalance    decimal.Decimal `gorm:"column:cash_balance;type:TEXT"`
	Active         bool            `gorm:"column:active"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at"`
}

func (Account) TableName() string { return "paper_accounts" }

// Order is a paper order. Money fields are decimals end to end; float
// rounding must never leak into balances.
type Order struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	AccountID   int64           `gorm:"column:account_id;index"`
	Symbol      string          `gorm:"column:symbol;index:idx_paper_orders_symbol_status"`
	Side        string          `gorm:"column:side"`
	Type        string          `gorm:"column:type"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	LimitPrice  decimal.Decimal `gorm:"column:limit_price;type:TEXT"`
	Status      string          `gorm:"column:status;index:idx_paper_orders_symbol_status"`
	Meta        datatypes.JSON  `gorm:"column:meta_json;type:TEXT"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
	CompletedAt *time.Time      `gorm:"column:completed_at"`
}

func (Order) TableName() string { return "paper_orders" }

// Position is one account's holding in one symbol. Rows at or below the
// dust threshold are deleted rather than kept at near-zero quantity.
type Position struct {
	ID          int64           `gorm:"column:id;primaryKey"`
	AccountID   int64           `gorm:"column:account_id;uniqueIndex:idx_paper_positions_acct_sym,priority:1"`
	Symbol      string          `gorm:"column:symbol;uniqueIndex:idx_paper_positions_acct_sym,priority:2"`
	Quantity    decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	AvgBuyPrice decimal.Decimal `gorm:"column:avg_buy_price;type:TEXT"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
	UpdatedAt   time.Time       `gorm:"column:updated_at"`
}

func (Position) TableName() string { return "paper_positions" }

// Execution records one fill.
type Execution struct {
	ID       int64           `gorm:"column:id;primaryKey"`
	OrderID  int64           `gorm:"column:order_id;index"`
	Quantity decimal.Decimal `gorm:"column:quantity;type:TEXT"`
	Price    decimal.Decimal `gorm:"column:price;type:TEXT"`
	ExecTime time.Time       `gorm:"column:exec_time"`
}

func (Execution) TableName() string { return "paper_executions" }
