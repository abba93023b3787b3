package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"tokoadmin/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrItemRemoved        = errors.New("item no longer exists")
	ErrTransactionAborted = errors.New("transaction aborted")
)

// InsufficientStockError reports the first item that could not cover a sale.
type InsufficientStockError struct {
	ItemID    string
	Name      string
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: %d available, %d requested", itemLabel(e.ItemID, e.Name), e.Available, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

type ItemRemovedError struct {
	ItemID string
	Name   string
}

func (e *ItemRemovedError) Error() string {
	return fmt.Sprintf("%s has been removed from inventory", itemLabel(e.ItemID, e.Name))
}

func (e *ItemRemovedError) Is(target error) bool {
	return target == ErrItemRemoved
}

// TransactionAbortedError is returned when the backend could not apply a
// transaction. Nothing was written, so the caller may retry.
type TransactionAbortedError struct {
	Attempts int
	Cause    error
}

func (e *TransactionAbortedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transaction aborted after %d attempt(s)", e.Attempts)
	}
	return fmt.Sprintf("transaction aborted after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *TransactionAbortedError) Is(target error) bool {
	return target == ErrTransactionAborted
}

func (e *TransactionAbortedError) Unwrap() error {
	return e.Cause
}

type InventoryRepository interface {
	ListItems(ctx context.Context) ([]domain.InventoryItem, error)
	GetItem(ctx context.Context, id string) (*domain.InventoryItem, error)
	CreateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// UpdateItem writes descriptive and price fields. Quantity is left untouched.
	UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	IncreaseStock(ctx context.Context, id string, qty int) (*domain.InventoryItem, error)
}

type SalesRepository interface {
	// CommitSale re-reads stock for every item in the sale, rejects the sale if
	// any item is missing or short, and otherwise inserts the sale record and
	// applies every decrement as one unit. CreatedAt is assigned by the store.
	CommitSale(ctx context.Context, sale domain.SaleTransaction) (*domain.SaleTransaction, error)
	GetSale(ctx context.Context, id string) (*domain.SaleTransaction, error)
	ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.SaleTransaction, error)
}

// SessionStore holds the single admin session record. GetAdminSession returns
// ErrNotFound when no record exists.
type SessionStore interface {
	GetAdminSession(ctx context.Context) (*domain.AdminSession, error)
	PutAdminSession(ctx context.Context, session domain.AdminSession) error
	// DeleteAdminSession removes the record only while it names principalID.
	DeleteAdminSession(ctx context.Context, principalID string) (bool, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, email string, password string) error
}

type Repository interface {
	InventoryRepository
	SalesRepository
	SessionStore
	UserStore
}

// MaxQuantity is the largest quantity a line or a folded requirement may
// carry. It matches the INTEGER stock column.
const MaxQuantity = math.MaxInt32

// Requirements folds sale lines into one requirement per distinct item,
// ordered by item id so concurrent transactions lock rows in the same order.
// A line or folded total outside 1..MaxQuantity is an invalid transaction.
func Requirements(lines []domain.SaleLine) ([]domain.StockRequirement, error) {
	byID := make(map[string]*domain.StockRequirement, len(lines))
	for _, line := range lines {
		if line.Quantity < 1 || line.Quantity > MaxQuantity {
			return nil, fmt.Errorf("%w: %s has quantity %d", ErrInvalidTransaction, line.ItemID, line.Quantity)
		}
		req, ok := byID[line.ItemID]
		if !ok {
			req = &domain.StockRequirement{ItemID: line.ItemID, Name: line.Name}
			byID[line.ItemID] = req
		}
		if req.Quantity > MaxQuantity-line.Quantity {
			return nil, fmt.Errorf("%w: %s needs more than %d units", ErrInvalidTransaction, line.ItemID, MaxQuantity)
		}
		req.Quantity += line.Quantity
	}

	out := make([]domain.StockRequirement, 0, len(byID))
	for _, req := range byID {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

// CheckStock returns the conflict error for a requirement given the stored
// item, or nil when the item can cover it.
func CheckStock(req domain.StockRequirement, item *domain.InventoryItem) error {
	if item == nil {
		return &ItemRemovedError{ItemID: req.ItemID, Name: req.Name}
	}
	if item.Quantity < req.Quantity {
		name := item.Name
		if name == "" {
			name = req.Name
		}
		return &InsufficientStockError{ItemID: req.ItemID, Name: name, Available: item.Quantity, Requested: req.Quantity}
	}
	return nil
}

func itemLabel(id string, name string) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("item %s", id)
}
