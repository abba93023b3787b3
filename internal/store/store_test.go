package store

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
)

func TestRequirementsMergesDuplicateLines(t *testing.T) {
	reqs, err := Requirements([]domain.SaleLine{
		{ItemID: "item-b", Name: "Bolt", Quantity: 2},
		{ItemID: "item-a", Name: "Anchor", Quantity: 1},
		{ItemID: "item-b", Name: "Bolt", Quantity: 3},
	})
	require.NoError(t, err)

	require.Len(t, reqs, 2)
	assert.Equal(t, domain.StockRequirement{ItemID: "item-a", Name: "Anchor", Quantity: 1}, reqs[0])
	assert.Equal(t, domain.StockRequirement{ItemID: "item-b", Name: "Bolt", Quantity: 5}, reqs[1])
}

func TestRequirementsRejectsOverflow(t *testing.T) {
	_, err := Requirements([]domain.SaleLine{
		{ItemID: "item-a", Name: "Anchor", Quantity: math.MaxInt},
		{ItemID: "item-a", Name: "Anchor", Quantity: math.MaxInt},
	})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = Requirements([]domain.SaleLine{
		{ItemID: "item-a", Name: "Anchor", Quantity: MaxQuantity},
		{ItemID: "item-a", Name: "Anchor", Quantity: 1},
	})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	_, err = Requirements([]domain.SaleLine{{ItemID: "item-a", Name: "Anchor", Quantity: -2}})
	assert.ErrorIs(t, err, ErrInvalidTransaction)

	reqs, err := Requirements([]domain.SaleLine{
		{ItemID: "item-a", Name: "Anchor", Quantity: MaxQuantity - 1},
		{ItemID: "item-a", Name: "Anchor", Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, MaxQuantity, reqs[0].Quantity)
}

func TestCheckStock(t *testing.T) {
	req := domain.StockRequirement{ItemID: "item-1", Name: "Widget", Quantity: 10}

	err := CheckStock(req, nil)
	var removed *ItemRemovedError
	require.ErrorAs(t, err, &removed)
	assert.ErrorIs(t, err, ErrItemRemoved)
	assert.Equal(t, "item-1", removed.ItemID)

	err = CheckStock(req, &domain.InventoryItem{ID: "item-1", Name: "Widget", Quantity: 4})
	var short *InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 4, short.Available)
	assert.Contains(t, err.Error(), "4 available")

	assert.NoError(t, CheckStock(req, &domain.InventoryItem{ID: "item-1", Quantity: 10}))
}

func TestTransactionAbortedErrorUnwraps(t *testing.T) {
	cause := errors.New("serialization failure")
	err := fmt.Errorf("commit sale: %w", &TransactionAbortedError{Attempts: 3, Cause: cause})

	assert.ErrorIs(t, err, ErrTransactionAborted)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}
