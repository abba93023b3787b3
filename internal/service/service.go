package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/events"
	"tokoadmin/backend/internal/logger"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/sale"
	"tokoadmin/backend/internal/session"
	"tokoadmin/backend/internal/store"
)

var (
	ErrUnauthenticated    = errors.New("authentication required")
	ErrForbidden          = errors.New("admin role required")
	ErrAdminSessionActive = errors.New("another admin session is active")
	ErrSignedOut          = errors.New("signed out")
)

const (
	InvoiceWarning = "sale completed but the invoice could not be generated; retry from the sale record"

	defaultListLimit = 100
	maxListLimit     = 1000
	topItemsLimit    = 10
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Authenticator is the identity provider contract.
type Authenticator interface {
	SignIn(ctx context.Context, email string, password string) (domain.SignInResult, error)
	SignOut(ctx context.Context, actor domain.Actor)
	ForceInvalidate(ctx context.Context, principalID string) int
	CreateUser(ctx context.Context, email string, password string, role string) (domain.Principal, error)
	ListUsers(ctx context.Context) []domain.Principal
}

type SessionCoordinator interface {
	TryClaim(ctx context.Context, principalID string) session.ClaimResult
	Renew(ctx context.Context, principalID string) error
	Release(ctx context.Context, principalID string)
	Heartbeat(ctx context.Context, principalID string, interval time.Duration) error
}

type InvoiceRenderer interface {
	Generate(ctx context.Context, sale domain.SaleTransaction) (domain.Invoice, error)
}

type Deps struct {
	Repo      store.Repository
	Auth      Authenticator
	Sessions  SessionCoordinator
	Processor *sale.Processor
	Invoices  InvoiceRenderer
	Events    events.Publisher
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Service struct {
	repo      store.Repository
	auth      Authenticator
	sessions  SessionCoordinator
	processor *sale.Processor
	invoices  InvoiceRenderer
	events    events.Publisher
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.Mutex
	nextKeeper uint64
	keepers    map[string]map[uint64]keeper
}

// keeper is one running admin session renewal loop.
type keeper struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(d Deps) *Service {
	s := &Service{
		repo:      d.Repo,
		auth:      d.Auth,
		sessions:  d.Sessions,
		processor: d.Processor,
		invoices:  d.Invoices,
		events:    d.Events,
		logger:    d.Logger,
		metrics:   d.Metrics,
		now:       d.Clock,
		keepers:   make(map[string]map[uint64]keeper),
	}
	if s.processor == nil {
		s.processor = sale.NewProcessor(d.Repo)
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Login signs the principal in. Admins must also claim the deployment-wide
// admin session; when another admin holds it the fresh credentials are
// revoked and ErrAdminSessionActive is returned.
func (s *Service) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	result, err := s.auth.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	if result.Principal.Role == domain.RoleAdmin && s.sessions != nil {
		claim := s.sessions.TryClaim(ctx, result.Principal.ID)
		if !claim.Claimed {
			s.auth.ForceInvalidate(ctx, result.Principal.ID)
			return domain.LoginResponse{}, fmt.Errorf("%w (%s)", ErrAdminSessionActive, claim.Reason)
		}
	}

	return domain.LoginResponse{
		AccessToken: result.Token,
		Role:        result.Principal.Role,
		ExpiresAt:   result.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) Logout(ctx context.Context) error {
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	if actor.IsAdmin() {
		s.stopKeepers(ctx, actor.PrincipalID)
		if s.sessions != nil {
			s.sessions.Release(ctx, actor.PrincipalID)
		}
	}
	s.auth.SignOut(ctx, actor)
	return nil
}

// Heartbeat renews the caller's admin claim once.
func (s *Service) Heartbeat(ctx context.Context) error {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return err
	}
	if s.sessions == nil {
		return nil
	}
	if err := s.sessions.Renew(ctx, actor.PrincipalID); err != nil {
		s.auth.ForceInvalidate(ctx, actor.PrincipalID)
		return err
	}
	return nil
}

// KeepAdminSession renews the caller's admin claim every interval until ctx
// is done. A lost claim revokes the caller's tokens and returns
// session.ErrClaimLost; a logout by the same admin stops it with ErrSignedOut.
func (s *Service) KeepAdminSession(ctx context.Context, interval time.Duration) error {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return err
	}

	keepCtx, cancel := context.WithCancelCause(ctx)
	k := keeper{cancel: cancel, done: make(chan struct{})}
	id := s.addKeeper(actor.PrincipalID, k)
	defer func() {
		s.removeKeeper(actor.PrincipalID, id)
		cancel(nil)
		close(k.done)
	}()

	if s.sessions == nil {
		<-keepCtx.Done()
	} else {
		err = s.sessions.Heartbeat(keepCtx, actor.PrincipalID, interval)
	}
	switch {
	case errors.Is(context.Cause(keepCtx), ErrSignedOut):
		return ErrSignedOut
	case err != nil && ctx.Err() == nil:
		s.auth.ForceInvalidate(context.WithoutCancel(ctx), actor.PrincipalID)
		return err
	}
	return nil
}

func (s *Service) addKeeper(principalID string, k keeper) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextKeeper++
	if s.keepers[principalID] == nil {
		s.keepers[principalID] = make(map[uint64]keeper)
	}
	s.keepers[principalID][s.nextKeeper] = k
	return s.nextKeeper
}

func (s *Service) removeKeeper(principalID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keepers[principalID], id)
	if len(s.keepers[principalID]) == 0 {
		delete(s.keepers, principalID)
	}
}

// stopKeepers ends every renewal loop running for principalID and waits for
// them so no renewal lands after the claim is released.
func (s *Service) stopKeepers(ctx context.Context, principalID string) {
	s.mu.Lock()
	running := make([]keeper, 0, len(s.keepers[principalID]))
	for _, k := range s.keepers[principalID] {
		k.cancel(ErrSignedOut)
		running = append(running, k)
	}
	s.mu.Unlock()

	for _, k := range running {
		select {
		case <-k.done:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.UserResponse{}, err
	}
	principal, err := s.auth.CreateUser(ctx, req.Email, req.Password, req.Role)
	if err != nil {
		return domain.UserResponse{}, err
	}
	s.logger.Info(s.logger.WithField(ctx, "user_id", principal.ID), "user created")
	return domain.UserResponse{ID: principal.ID, Email: principal.Email, Role: principal.Role}, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	principals := s.auth.ListUsers(ctx)
	out := make([]domain.UserResponse, 0, len(principals))
	for _, p := range principals {
		out = append(out, domain.UserResponse{ID: p.ID, Email: p.Email, Role: p.Role})
	}
	return out, nil
}

func (s *Service) ListItems(ctx context.Context) ([]domain.InventoryItem, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx)
}

func (s *Service) GetItem(ctx context.Context, id string) (domain.InventoryItem, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}

func (s *Service) CreateItem(ctx context.Context, req domain.InventoryItemCreateRequest) (domain.InventoryItem, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}

	item := domain.InventoryItem{
		Name:         strings.TrimSpace(req.Name),
		SKU:          strings.ToUpper(strings.TrimSpace(req.SKU)),
		Category:     strings.TrimSpace(req.Category),
		UnitPrice:    req.UnitPrice,
		UnitCost:     req.UnitCost,
		Quantity:     req.Quantity,
		ReorderLevel: req.ReorderLevel,
		Description:  strings.TrimSpace(req.Description),
	}
	if err := validateItem(item); err != nil {
		return domain.InventoryItem{}, err
	}
	if item.Quantity < 0 || item.Quantity > store.MaxQuantity {
		return domain.InventoryItem{}, fmt.Errorf("%w: quantity must be between 0 and %d", store.ErrInvalidTransaction, store.MaxQuantity)
	}

	created, err := s.repo.CreateItem(ctx, item)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.logger.Info(s.logger.WithField(ctx, "item_id", created.ID), "inventory item created")
	s.publishInventory(ctx)
	return *created, nil
}

// UpdateItem applies a partial update. Quantity only changes through sales
// and restocks.
func (s *Service) UpdateItem(ctx context.Context, id string, req domain.InventoryItemUpdateRequest) (domain.InventoryItem, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}

	existing, err := s.repo.GetItem(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.InventoryItem{}, err
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.SKU != nil {
		updated.SKU = strings.ToUpper(strings.TrimSpace(*req.SKU))
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.UnitPrice != nil {
		updated.UnitPrice = *req.UnitPrice
	}
	if req.UnitCost != nil {
		updated.UnitCost = *req.UnitCost
	}
	if req.ReorderLevel != nil {
		updated.ReorderLevel = *req.ReorderLevel
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if err := validateItem(updated); err != nil {
		return domain.InventoryItem{}, err
	}

	saved, err := s.repo.UpdateItem(ctx, updated)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	s.publishInventory(ctx)
	return *saved, nil
}

func (s *Service) RestockItem(ctx context.Context, id string, req domain.RestockRequest) (domain.InventoryItem, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	if req.Quantity < 1 || req.Quantity > store.MaxQuantity {
		return domain.InventoryItem{}, fmt.Errorf("%w: restock quantity must be between 1 and %d", store.ErrInvalidTransaction, store.MaxQuantity)
	}

	item, err := s.repo.IncreaseStock(ctx, strings.TrimSpace(id), req.Quantity)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	logCtx := s.logger.WithFields(ctx, map[string]any{"item_id": item.ID, "added": req.Quantity, "quantity": item.Quantity})
	s.logger.Info(logCtx, "inventory restocked")
	s.publishInventory(ctx)
	return *item, nil
}

// LowStock lists items at or below their reorder level, largest shortfall
// first.
func (s *Service) LowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	low := make([]domain.InventoryItem, 0, len(items))
	for _, item := range items {
		if item.LowStock() {
			low = append(low, item)
		}
	}
	sort.SliceStable(low, func(i, j int) bool {
		di := low[i].ReorderLevel - low[i].Quantity
		dj := low[j].ReorderLevel - low[j].Quantity
		if di != dj {
			return di > dj
		}
		return low[i].Name < low[j].Name
	})
	return low, nil
}

// CompleteSale commits the cart as a sale and then renders its invoice. An
// invoice failure never undoes the sale; it is reported as a warning.
func (s *Service) CompleteSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.SaleResponse{}, err
	}

	committed, err := s.processor.ProcessSale(ctx, sale.Request{
		Cart:            req.Items,
		CustomerName:    req.CustomerName,
		DiscountPercent: req.DiscountPercent,
		TaxPercent:      req.TaxPercent,
		CreatedBy:       actor.PrincipalID,
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}

	resp := domain.SaleResponse{Sale: *committed, ClearCart: true}
	if s.invoices != nil {
		inv, err := s.invoices.Generate(ctx, *committed)
		if err != nil {
			s.metrics.InvoiceFailed()
			s.logger.Warn(s.logger.WithField(ctx, "sale_id", committed.ID), "invoice generation failed", err)
			resp.InvoiceWarning = InvoiceWarning
		} else {
			resp.Invoice = &inv
		}
	}

	s.publishInventory(ctx)
	s.publishSales(ctx, committed.ID)
	return resp, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SaleTransaction, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SaleTransaction{}, err
	}
	found, err := s.repo.GetSale(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.SaleTransaction{}, err
	}
	return *found, nil
}

// ListSales returns sales in [from, to), newest first. A zero to means now.
func (s *Service) ListSales(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.SaleTransaction, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	from, to, err := s.window(from, to)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListSales(ctx, from, to, limit)
}

// RenderInvoice regenerates the invoice of a stored sale.
func (s *Service) RenderInvoice(ctx context.Context, saleID string) (domain.Invoice, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Invoice{}, err
	}
	if s.invoices == nil {
		return domain.Invoice{}, errors.New("invoice renderer is not configured")
	}
	found, err := s.repo.GetSale(ctx, strings.TrimSpace(saleID))
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, err := s.invoices.Generate(ctx, *found)
	if err != nil {
		s.metrics.InvoiceFailed()
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (s *Service) SalesReport(ctx context.Context, from time.Time, to time.Time) (domain.SalesReport, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SalesReport{}, err
	}
	from, to, err := s.window(from, to)
	if err != nil {
		return domain.SalesReport{}, err
	}
	return s.buildReport(ctx, from, to)
}

// PublishSnapshots pushes the current inventory and today's sales so new
// subscribers start from real state.
func (s *Service) PublishSnapshots(ctx context.Context) {
	s.publishInventory(ctx)
	s.publishSales(ctx, "")
}

func (s *Service) buildReport(ctx context.Context, from time.Time, to time.Time) (domain.SalesReport, error) {
	sales, err := s.repo.ListSales(ctx, from, to, 0)
	if err != nil {
		return domain.SalesReport{}, err
	}

	report := domain.SalesReport{
		From:           from,
		To:             to,
		Transactions:   len(sales),
		Subtotal:       decimal.Zero,
		DiscountAmount: decimal.Zero,
		TaxAmount:      decimal.Zero,
		Total:          decimal.Zero,
	}
	byItem := make(map[string]*domain.SalesReportItem)
	for _, sold := range sales {
		report.Subtotal = report.Subtotal.Add(sold.Subtotal)
		report.DiscountAmount = report.DiscountAmount.Add(sold.DiscountAmount)
		report.TaxAmount = report.TaxAmount.Add(sold.TaxAmount)
		report.Total = report.Total.Add(sold.Total)
		for _, line := range sold.Items {
			report.UnitsSold += line.Quantity
			entry, ok := byItem[line.ItemID]
			if !ok {
				entry = &domain.SalesReportItem{ItemID: line.ItemID, Name: line.Name, Revenue: decimal.Zero}
				byItem[line.ItemID] = entry
			}
			entry.Units += line.Quantity
			entry.Revenue = entry.Revenue.Add(line.LineTotal)
		}
	}

	top := make([]domain.SalesReportItem, 0, len(byItem))
	for _, entry := range byItem {
		top = append(top, *entry)
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Units != top[j].Units {
			return top[i].Units > top[j].Units
		}
		if !top[i].Revenue.Equal(top[j].Revenue) {
			return top[i].Revenue.GreaterThan(top[j].Revenue)
		}
		return top[i].ItemID < top[j].ItemID
	})
	if len(top) > topItemsLimit {
		top = top[:topItemsLimit]
	}
	report.TopItems = top
	return report, nil
}

func (s *Service) window(from time.Time, to time.Time) (time.Time, time.Time, error) {
	if to.IsZero() {
		to = s.now().Add(time.Nanosecond)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from must be before to", store.ErrInvalidTransaction)
	}
	return from.UTC(), to.UTC(), nil
}

func (s *Service) publishInventory(ctx context.Context) {
	if s.events == nil {
		return
	}
	items, err := s.repo.ListItems(ctx)
	if err != nil {
		s.logger.Warn(ctx, "inventory snapshot failed", err)
		return
	}
	s.publish(ctx, events.Event{
		Topic:   events.TopicInventory,
		Type:    "inventory.snapshot",
		Payload: items,
		At:      s.now(),
	})
}

func (s *Service) publishSales(ctx context.Context, saleID string) {
	if s.events == nil {
		return
	}
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	report, err := s.buildReport(ctx, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		s.logger.Warn(ctx, "sales snapshot failed", err)
		return
	}
	s.publish(ctx, events.Event{
		Topic:   events.TopicSales,
		Type:    "sales.snapshot",
		Key:     saleID,
		Payload: report,
		At:      now,
	})
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn(s.logger.WithField(ctx, "event_type", event.Type), "event publish failed", err)
	}
}

func validateItem(item domain.InventoryItem) error {
	switch {
	case item.Name == "":
		return fmt.Errorf("%w: name is required", store.ErrInvalidTransaction)
	case item.UnitPrice.IsNegative():
		return fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidTransaction)
	case item.UnitCost.IsNegative():
		return fmt.Errorf("%w: unit cost must not be negative", store.ErrInvalidTransaction)
	case item.ReorderLevel < 0:
		return fmt.Errorf("%w: reorder level must not be negative", store.ErrInvalidTransaction)
	}
	return nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.PrincipalID == "" {
		return domain.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	if !actor.IsAdmin() {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}
