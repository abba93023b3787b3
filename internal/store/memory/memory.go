package memory

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store"
	"tokoadmin/backend/internal/xid"
)

type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	items        map[string]domain.InventoryItem
	sales        map[string]domain.SaleTransaction
	salesOrder   []string
	adminSession *domain.AdminSession
	usersByEmail map[string]domain.UserAccount
}

type Option func(*Store)

// WithClock replaces the clock used for store-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:          func() time.Time { return time.Now().UTC() },
		items:        make(map[string]domain.InventoryItem),
		sales:        make(map[string]domain.SaleTransaction),
		salesOrder:   make([]string, 0, 64),
		usersByEmail: make(map[string]domain.UserAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSeeded returns a store with demo inventory and dev user accounts.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_OWNER_PASSWORD and
// SEED_EMPLOYEE_PASSWORD, falling back to dev defaults.
func NewSeeded(opts ...Option) (*Store, error) {
	s := New(opts...)
	now := s.now()

	seedItems := []domain.InventoryItem{
		{ID: "item-widget", Name: "Widget", SKU: "WDG-001", Category: "hardware", UnitPrice: decimal.NewFromInt(100), UnitCost: decimal.NewFromInt(60), Quantity: 50, ReorderLevel: 10},
		{ID: "item-bolt", Name: "Hex Bolt M8", SKU: "BLT-008", Category: "hardware", UnitPrice: decimal.RequireFromString("2.50"), UnitCost: decimal.RequireFromString("1.10"), Quantity: 400, ReorderLevel: 100},
		{ID: "item-tape", Name: "Duct Tape", SKU: "TPE-050", Category: "supplies", UnitPrice: decimal.RequireFromString("7.99"), UnitCost: decimal.RequireFromString("4.20"), Quantity: 12, ReorderLevel: 15},
		{ID: "item-glove", Name: "Work Gloves", SKU: "GLV-L", Category: "safety", UnitPrice: decimal.RequireFromString("12.00"), UnitCost: decimal.RequireFromString("6.75"), Quantity: 30, ReorderLevel: 8},
	}
	for _, item := range seedItems {
		item.CreatedAt = now
		item.UpdatedAt = now
		s.items[item.ID] = item
	}

	for _, u := range []struct {
		email    string
		role     string
		envKey   string
		fallback string
	}{
		{"admin@toko.local", domain.RoleAdmin, "SEED_ADMIN_PASSWORD", "admin123"},
		{"owner@toko.local", domain.RoleAdmin, "SEED_OWNER_PASSWORD", "owner123"},
		{"staff@toko.local", domain.RoleEmployee, "SEED_EMPLOYEE_PASSWORD", "staff123"},
	} {
		password := os.Getenv(u.envKey)
		if password == "" {
			password = u.fallback
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.email, err)
		}
		s.usersByEmail[u.email] = domain.UserAccount{
			ID:        xid.New("usr"),
			Email:     u.email,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}

	return s, nil
}

func (s *Store) ListItems(_ context.Context) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Category != items[j].Category {
			return items[i].Category < items[j].Category
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func (s *Store) GetItem(_ context.Context, id string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" || item.Quantity < 0 || item.ReorderLevel < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = xid.New("item")
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := s.now()
	item.CreatedAt = now
	item.UpdatedAt = now
	s.items[item.ID] = item

	created := item
	return &created, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = item.Name
	existing.SKU = item.SKU
	existing.Category = item.Category
	existing.UnitPrice = item.UnitPrice
	existing.UnitCost = item.UnitCost
	existing.ReorderLevel = item.ReorderLevel
	existing.Description = item.Description
	existing.UpdatedAt = s.now()
	s.items[item.ID] = existing

	updated := existing
	return &updated, nil
}

func (s *Store) IncreaseStock(_ context.Context, id string, qty int) (*domain.InventoryItem, error) {
	if qty < 1 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if qty > store.MaxQuantity-item.Quantity {
		return nil, fmt.Errorf("%w: %s would exceed %d units", store.ErrInvalidTransaction, id, store.MaxQuantity)
	}
	item.Quantity += qty
	item.UpdatedAt = s.now()
	s.items[id] = item

	updated := item
	return &updated, nil
}

// CommitSale holds the write lock across the stock check and every write, so
// no other sale can interleave between reading and decrementing.
func (s *Store) CommitSale(_ context.Context, sale domain.SaleTransaction) (*domain.SaleTransaction, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reqs, err := store.Requirements(sale.Items)
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		var current *domain.InventoryItem
		if item, ok := s.items[req.ItemID]; ok {
			current = &item
		}
		if err := store.CheckStock(req, current); err != nil {
			return nil, err
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	now := s.now()
	sale.CreatedAt = now

	for _, req := range reqs {
		item := s.items[req.ItemID]
		item.Quantity -= req.Quantity
		item.UpdatedAt = now
		s.items[req.ItemID] = item
	}

	sale.Items = append([]domain.SaleLine(nil), sale.Items...)
	s.sales[sale.ID] = sale
	s.salesOrder = append(s.salesOrder, sale.ID)

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.SaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneSale(sale)
	return &out, nil
}

// ListSales returns sales created in [from, to), newest first.
func (s *Store) ListSales(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.SaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SaleTransaction, 0, 32)
	for i := len(s.salesOrder) - 1; i >= 0; i-- {
		sale := s.sales[s.salesOrder[i]]
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		out = append(out, cloneSale(sale))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetAdminSession(_ context.Context) (*domain.AdminSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.adminSession == nil {
		return nil, store.ErrNotFound
	}
	session := *s.adminSession
	return &session, nil
}

func (s *Store) PutAdminSession(_ context.Context, session domain.AdminSession) error {
	if session.PrincipalID == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.adminSession = &session
	return nil
}

func (s *Store) DeleteAdminSession(_ context.Context, principalID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adminSession == nil || s.adminSession.PrincipalID != principalID {
		return false, nil
	}
	s.adminSession = nil
	return true, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if email == "" {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByEmail[email]; exists {
		return store.ErrInvalidTransaction
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	user.Email = email
	s.usersByEmail[email] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByEmail))
	for _, user := range s.usersByEmail {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Email < users[j].Email
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, email string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByEmail[email]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByEmail[email] = user
	return nil
}

func cloneSale(sale domain.SaleTransaction) domain.SaleTransaction {
	sale.Items = append([]domain.SaleLine(nil), sale.Items...)
	return sale
}
