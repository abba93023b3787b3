package invoice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
)

func sampleSale() domain.SaleTransaction {
	return domain.SaleTransaction{
		ID:              "sale-3f2a9c1e-0000-4000-8000-000000000000",
		CustomerName:    "<script>alert(1)</script>",
		Items:           []domain.SaleLine{{ItemID: "item-widget", Name: "Widget", UnitPrice: decimal.NewFromInt(100), Quantity: 3, LineTotal: decimal.NewFromInt(300)}},
		Subtotal:        decimal.NewFromInt(300),
		DiscountPercent: decimal.NewFromInt(10),
		DiscountAmount:  decimal.NewFromInt(30),
		TaxPercent:      decimal.NewFromInt(18),
		TaxAmount:       decimal.RequireFromString("48.6"),
		Total:           decimal.RequireFromString("318.6"),
		CreatedAt:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestGenerateRendersTotalsAndEscapes(t *testing.T) {
	r, err := NewRenderer("Toko Admin")
	require.NoError(t, err)

	inv, err := r.Generate(context.Background(), sampleSale())
	require.NoError(t, err)

	assert.Equal(t, "INV-20260301-3F2A9C1E", inv.Number)
	assert.Equal(t, "INV-20260301-3F2A9C1E.html", inv.FileName)
	assert.Equal(t, ContentType, inv.ContentType)

	html := string(inv.Content)
	assert.Contains(t, html, "Toko Admin")
	assert.Contains(t, html, "318.60")
	assert.Contains(t, html, "48.60")
	assert.Contains(t, html, "Widget")
	assert.NotContains(t, html, "<script>alert(1)</script>")
}

func TestGenerateWritesToOutputDir(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRenderer("Toko Admin", WithOutputDir(dir))
	require.NoError(t, err)

	inv, err := r.Generate(context.Background(), sampleSale())
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, inv.FileName))
	require.NoError(t, err)
	assert.Equal(t, inv.Content, written)
}

func TestGenerateFailures(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	r, err := NewRenderer("Toko Admin", WithOutputDir(filepath.Join(blocker, "invoices")))
	require.NoError(t, err)
	_, err = r.Generate(context.Background(), sampleSale())
	assert.Error(t, err)

	_, err = r.Generate(context.Background(), domain.SaleTransaction{ID: "sale-1"})
	assert.ErrorIs(t, err, ErrIncompleteSale)
}
