package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TOKOADMIN_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TOKOADMIN_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, WithMaxAttempts(10))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedItem(t *testing.T, s *Store, qty int) *domain.InventoryItem {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("item-it-%d", time.Now().UnixNano())
	item, err := s.CreateItem(ctx, domain.InventoryItem{
		ID:        id,
		Name:      "Integration Widget",
		UnitPrice: decimal.NewFromInt(100),
		Quantity:  qty,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE id IN (SELECT sale_id FROM sale_items WHERE item_id = $1)`, id)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_items WHERE id = $1`, id)
	})
	return item
}

func line(item *domain.InventoryItem, qty int) domain.SaleLine {
	return domain.SaleLine{
		ItemID:    item.ID,
		Name:      item.Name,
		UnitPrice: item.UnitPrice,
		Quantity:  qty,
		LineTotal: item.UnitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

func TestCommitSaleDecrementsAndPersistsLines(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := seedItem(t, s, 5)

	sale, err := s.CommitSale(ctx, domain.SaleTransaction{
		CustomerName: "Walk-in Customer",
		Items:        []domain.SaleLine{line(item, 3)},
		Subtotal:     decimal.NewFromInt(300),
		Total:        decimal.NewFromInt(300),
	})
	require.NoError(t, err)
	assert.False(t, sale.CreatedAt.IsZero())

	after, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.Quantity)

	stored, err := s.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 1)
	assert.Equal(t, 3, stored.Items[0].Quantity)
	assert.True(t, decimal.NewFromInt(300).Equal(stored.Total))
}

func TestCommitSaleInsufficientStockWritesNothing(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := seedItem(t, s, 4)

	_, err := s.CommitSale(ctx, domain.SaleTransaction{
		CustomerName: "Walk-in Customer",
		Items:        []domain.SaleLine{line(item, 10)},
	})
	var short *store.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.Equal(t, 4, short.Available)

	after, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, after.Quantity)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT count(*) FROM sale_items WHERE item_id = $1`, item.ID).Scan(&count))
	assert.Zero(t, count)
}

func TestConcurrentCommitSaleConservesStock(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	item := seedItem(t, s, 10)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CommitSale(ctx, domain.SaleTransaction{
				CustomerName: "Walk-in Customer",
				Items:        []domain.SaleLine{line(item, 1)},
			})
			switch {
			case err == nil:
				mu.Lock()
				committed++
				mu.Unlock()
			case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrTransactionAborted):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	after, err := s.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, committed+after.Quantity)
	assert.GreaterOrEqual(t, after.Quantity, 0)
}

func TestAdminSessionRecord(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM admin_session`)
	})

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.PutAdminSession(ctx, domain.AdminSession{PrincipalID: "usr-a", LoginAt: now, LastActivity: now}))

	got, err := s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "usr-a", got.PrincipalID)
	assert.True(t, now.Equal(got.LastActivity))

	deleted, err := s.DeleteAdminSession(ctx, "usr-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteAdminSession(ctx, "usr-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetAdminSession(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
