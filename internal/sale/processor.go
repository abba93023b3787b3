// Package sale turns a client-held cart into a committed sale.
package sale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/logger"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/store"
	"tokoadmin/backend/internal/xid"
)

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidQuantity = errors.New("quantity out of range")
	ErrInvalidLine     = errors.New("invalid cart line")
)

const (
	DefaultScale          int32 = 2
	DefaultWalkInCustomer       = "Walk-in Customer"
)

var hundred = decimal.NewFromInt(100)

// Totals are the monetary amounts of a sale, rounded to the currency scale.
// Total always equals Subtotal - DiscountAmount + TaxAmount.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	AfterDiscount  decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

// ComputeTotals derives the sale amounts from line totals. Tax is charged on
// the discounted amount.
func ComputeTotals(lines []domain.SaleLine, discountPercent decimal.Decimal, taxPercent decimal.Decimal, scale int32) Totals {
	subtotal := decimal.Zero
	for _, line := range lines {
		subtotal = subtotal.Add(line.LineTotal)
	}
	subtotal = subtotal.Round(scale)

	discount := subtotal.Mul(discountPercent).Div(hundred).Round(scale)
	afterDiscount := subtotal.Sub(discount)
	tax := afterDiscount.Mul(taxPercent).Div(hundred).Round(scale)

	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		AfterDiscount:  afterDiscount,
		TaxAmount:      tax,
		Total:          afterDiscount.Add(tax),
	}
}

type Request struct {
	Cart            []domain.SaleItem
	CustomerName    string
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
	CreatedBy       string
}

type Processor struct {
	repo    store.SalesRepository
	scale   int32
	walkIn  string
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *logger.Logger
}

type Option func(*Processor)

func WithScale(scale int32) Option {
	return func(p *Processor) {
		if scale >= 0 {
			p.scale = scale
		}
	}
}

func WithWalkInCustomer(name string) Option {
	return func(p *Processor) {
		if name = strings.TrimSpace(name); name != "" {
			p.walkIn = name
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProcessor(repo store.SalesRepository, opts ...Option) *Processor {
	p := &Processor{
		repo:   repo,
		scale:  DefaultScale,
		walkIn: DefaultWalkInCustomer,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate checks a cart without touching the store.
func Validate(cart []domain.SaleItem) error {
	if len(cart) == 0 {
		return ErrEmptyCart
	}
	for i, item := range cart {
		if strings.TrimSpace(item.ItemID) == "" {
			return fmt.Errorf("%w: line %d has no item", ErrInvalidLine, i+1)
		}
		if item.Quantity < 1 || item.Quantity > store.MaxQuantity {
			return fmt.Errorf("%w: line %d (%s) has quantity %d", ErrInvalidQuantity, i+1, lineLabel(item), item.Quantity)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %d (%s) has a negative price", ErrInvalidLine, i+1, lineLabel(item))
		}
	}
	return nil
}

// ProcessSale validates the cart, prices it from the cart's own snapshot and
// commits the sale together with its stock decrements. On any error nothing
// has been written.
func (p *Processor) ProcessSale(ctx context.Context, req Request) (*domain.SaleTransaction, error) {
	if err := Validate(req.Cart); err != nil {
		p.metrics.SaleRejected(rejectReason(err))
		return nil, err
	}

	lines := make([]domain.SaleLine, 0, len(req.Cart))
	for _, item := range req.Cart {
		qty := decimal.NewFromInt(int64(item.Quantity))
		lines = append(lines, domain.SaleLine{
			ItemID:    item.ItemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			LineTotal: item.UnitPrice.Mul(qty).Round(p.scale),
		})
	}
	totals := ComputeTotals(lines, req.DiscountPercent, req.TaxPercent, p.scale)

	customer := strings.TrimSpace(req.CustomerName)
	if customer == "" {
		customer = p.walkIn
	}

	pending := domain.SaleTransaction{
		ID:              xid.New("sale"),
		CustomerName:    customer,
		Items:           lines,
		Subtotal:        totals.Subtotal,
		DiscountPercent: req.DiscountPercent,
		DiscountAmount:  totals.DiscountAmount,
		TaxPercent:      req.TaxPercent,
		TaxAmount:       totals.TaxAmount,
		Total:           totals.Total,
		CreatedBy:       req.CreatedBy,
	}

	started := p.now()
	committed, err := p.repo.CommitSale(ctx, pending)
	if err != nil {
		reason := rejectReason(err)
		p.metrics.SaleRejected(reason)
		logCtx := p.logger.WithFields(ctx, map[string]any{"sale_id": pending.ID, "reason": reason})
		if isConflict(err) {
			p.logger.Warn(logCtx, "sale rejected by stock check", err)
		} else {
			p.logger.Error(logCtx, "sale commit failed", err)
		}
		return nil, err
	}
	p.metrics.SaleCompleted(p.now().Sub(started))

	logCtx := p.logger.WithFields(ctx, map[string]any{
		"sale_id": committed.ID,
		"lines":   len(committed.Items),
		"total":   committed.Total.String(),
	})
	p.logger.Info(logCtx, "sale committed")
	return committed, nil
}

func isConflict(err error) bool {
	return errors.Is(err, store.ErrInsufficientStock) || errors.Is(err, store.ErrItemRemoved)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidLine):
		return "invalid_line"
	case errors.Is(err, store.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, store.ErrItemRemoved):
		return "item_removed"
	case errors.Is(err, store.ErrTransactionAborted):
		return "aborted"
	default:
		return "error"
	}
}

func lineLabel(item domain.SaleItem) string {
	if item.Name != "" {
		return item.Name
	}
	return item.ItemID
}
