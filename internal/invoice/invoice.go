// Package invoice renders printable HTML invoices for committed sales.
package invoice

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokoadmin/backend/internal/domain"
)

//go:embed templates/invoice.html.tmpl
var templateFS embed.FS

const ContentType = "text/html; charset=utf-8"

var ErrIncompleteSale = errors.New("sale is missing fields required for an invoice")

type Renderer struct {
	tmpl      *template.Template
	storeName string
	dir       string
	scale     int32
	now       func() time.Time
}

type Option func(*Renderer)

// WithOutputDir also writes every rendered invoice under dir.
func WithOutputDir(dir string) Option {
	return func(r *Renderer) {
		r.dir = strings.TrimSpace(dir)
	}
}

func WithScale(scale int32) Option {
	return func(r *Renderer) {
		if scale >= 0 {
			r.scale = scale
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Renderer) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRenderer(storeName string, opts ...Option) (*Renderer, error) {
	r := &Renderer{
		storeName: storeName,
		scale:     2,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	tmpl, err := template.New("invoice.html.tmpl").Funcs(template.FuncMap{
		"money": func(d decimal.Decimal) string { return d.StringFixed(r.scale) },
	}).ParseFS(templateFS, "templates/invoice.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse invoice template: %w", err)
	}
	r.tmpl = tmpl
	return r, nil
}

// Number is the printed invoice number for a sale.
func Number(sale domain.SaleTransaction) string {
	id := strings.TrimPrefix(sale.ID, "sale-")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("INV-%s-%s", sale.CreatedAt.UTC().Format("20060102"), strings.ToUpper(id))
}

func (r *Renderer) Generate(ctx context.Context, sale domain.SaleTransaction) (domain.Invoice, error) {
	if sale.ID == "" || sale.CreatedAt.IsZero() || len(sale.Items) == 0 {
		return domain.Invoice{}, ErrIncompleteSale
	}
	if err := ctx.Err(); err != nil {
		return domain.Invoice{}, err
	}

	number := Number(sale)
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, struct {
		StoreName string
		Number    string
		Sale      domain.SaleTransaction
	}{
		StoreName: r.storeName,
		Number:    number,
		Sale:      sale,
	}); err != nil {
		return domain.Invoice{}, fmt.Errorf("render invoice: %w", err)
	}

	inv := domain.Invoice{
		SaleID:      sale.ID,
		Number:      number,
		FileName:    fmt.Sprintf("%s.html", number),
		ContentType: ContentType,
		Content:     buf.Bytes(),
		GeneratedAt: r.now(),
	}

	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return domain.Invoice{}, fmt.Errorf("create invoice dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(r.dir, inv.FileName), inv.Content, 0o644); err != nil {
			return domain.Invoice{}, fmt.Errorf("write invoice: %w", err)
		}
	}
	return inv, nil
}
