package paper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// OrderRepository is the order persistence surface the executor and the
// service consume. Store implements it with gorm; alternative backends can
// be injected in tests.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID int64) (Order, error)
	PendingOrdersBySymbol(ctx context.Context, symbol string) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string, completedAt *time.Time) error
	OrdersByAccount(ctx context.Context, accountID int64, limit int) ([]Order, error)
}

type PositionRepository interface {
	GetPosition(ctx context.Context, accountID int64, symbol string) (*Position, error)
	UpsertPosition(ctx context.Context, position *Position) error
	DeletePosition(ctx context.Context, positionID int64) error
	PositionsByAccount(ctx context.Context, accountID int64) ([]Position, error)
}

type AccountRepository interface {
	GetAccount(ctx context.Context, accountID int64) (Account, error)
	GetAccountByName(ctx context.Context, name string) (Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error
}

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *Execution) error
	ExecutionsByOrder(ctx context.Context, orderID int64) ([]Execution, error)
}

// Store backs every paper-trading repository with one gorm/sqlite database.
type Store struct {
	db *gorm.DB
}

// NewStore opens (or creates) the paper-trading database.
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("paper store requires a database path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Account{}, &Order{}, &Position{}, &Execution{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)
	return &Store{db: db}, nil
}

// NewMemoryStore opens an in-memory database, used by tests.
func NewMemoryStore() (*Store, error) {
	db, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: "file::memory:?cache=shared"}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&Account{}, &Order{}, &Position{}, &Execution{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn against a transactional view of the store. Returning
// an error rolls everything back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// --- AccountRepository ---

func (s *Store) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).First(&account, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	return account, err
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	return account, err
}

func (s *Store) CreateAccount(ctx context.Context, account *Account) error {
	return s.db.WithContext(ctx).Create(account).Error
}

func (s *Store) UpdateAccount(ctx context.Context, account *Account) error {
	return s.db.WithContext(ctx).Save(account).Error
}

// --- OrderRepository ---

func (s *Store) CreateOrder(ctx context.Context, order *Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	var order Order
	err := s.db.WithContext(ctx).First(&order, orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Order{}, ErrOrderNotFound
	}
	return order, err
}

// PendingOrdersBySymbol returns pending orders oldest first so fills honor
// submission order.
func (s *Store) PendingOrdersBySymbol(ctx context.Context, symbol string) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND status = ?", symbol, OrderStatusPending).
		Order("id ASC").
		Find(&orders).Error
	return orders, err
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string, completedAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	return s.db.WithContext(ctx).Model(&Order{}).Where("id = ?", orderID).Updates(updates).Error
}

func (s *Store) OrdersByAccount(ctx context.Context, accountID int64, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// --- PositionRepository ---

func (s *Store) GetPosition(ctx context.Context, accountID int64, symbol string) (*Position, error) {
	var position Position
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND symbol = ?", accountID, symbol).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

func (s *Store) UpsertPosition(ctx context.Context, position *Position) error {
	return s.db.WithContext(ctx).Save(position).Error
}

func (s *Store) DeletePosition(ctx context.Context, positionID int64) error {
	return s.db.WithContext(ctx).Delete(&Position{}, positionID).Error
}

func (s *Store) PositionsByAccount(ctx context.Context, accountID int64) ([]Position, error) {
	var positions []Position
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("symbol ASC").
		Find(&positions).Error
	return positions, err
}

// --- ExecutionRepository ---

func (s *Store) CreateExecution(ctx context.Context, execution *Execution) error {
	return s.db.WithContext(ctx).Create(execution).Error
}

func (s *Store) ExecutionsByOrder(ctx context.Context, orderID int64) ([]Execution, error) {
	var executions []Execution
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&executions).Error
	return executions, err
}
