// Package session keeps at most one admin active per deployment.
//
// The coordinator is a best-effort check-then-act over a single shared
// record. Store failures never block a login or renewal; they are logged and
// treated as if the record allowed the operation.
package session

import (
	"context"
	"errors"
	"time"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/logger"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/store"
)

const (
	DefaultWindow            = 30 * time.Minute
	DefaultHeartbeatInterval = 5 * time.Minute

	ReasonActiveElsewhere = "active-elsewhere"
)

// ErrClaimLost is returned by Renew and Heartbeat when another admin now
// holds a fresh claim.
var ErrClaimLost = errors.New("admin session is active elsewhere")

type ClaimResult struct {
	Claimed bool
	Reason  string
}

type Coordinator struct {
	store   store.SessionStore
	now     func() time.Time
	window  time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithWindow sets how long a claim stays fresh after its last activity.
func WithWindow(window time.Duration) Option {
	return func(c *Coordinator) {
		if window > 0 {
			c.window = window
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func NewCoordinator(s store.SessionStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		window: DefaultWindow,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Window() time.Duration {
	return c.window
}

// Fresh reports whether the record still blocks other admins at now.
func (c *Coordinator) Fresh(session *domain.AdminSession, now time.Time) bool {
	return session != nil && now.Sub(session.LastActivity) < c.window
}

// TryClaim records principalID as the active admin unless a different admin
// holds a fresh claim.
func (c *Coordinator) TryClaim(ctx context.Context, principalID string) ClaimResult {
	ctx = c.logger.WithField(ctx, "principal_id", principalID)
	now := c.now()

	current, ok := c.read(ctx)
	if !ok {
		// The holder is unknown, so the record is left alone.
		c.metrics.AdminClaim("error")
		return ClaimResult{Claimed: true}
	}
	if current != nil && current.PrincipalID != principalID && c.Fresh(current, now) {
		c.metrics.AdminClaim("rejected")
		c.logger.Info(c.logger.WithField(ctx, "holder", current.PrincipalID), "admin claim rejected")
		return ClaimResult{Claimed: false, Reason: ReasonActiveElsewhere}
	}

	if err := c.store.PutAdminSession(ctx, domain.AdminSession{
		PrincipalID:  principalID,
		LoginAt:      now,
		LastActivity: now,
	}); err != nil {
		c.metrics.AdminClaim("error")
		c.logger.Warn(ctx, "admin claim write failed, allowing login", err)
		return ClaimResult{Claimed: true}
	}
	c.metrics.AdminClaim("claimed")
	return ClaimResult{Claimed: true}
}

// Renew refreshes the claim's last activity. The original login time is kept
// while the record still names principalID.
func (c *Coordinator) Renew(ctx context.Context, principalID string) error {
	ctx = c.logger.WithField(ctx, "principal_id", principalID)
	now := c.now()

	current, ok := c.read(ctx)
	if !ok {
		c.metrics.AdminHeartbeat("error")
		return nil
	}
	if current != nil && current.PrincipalID != principalID && c.Fresh(current, now) {
		c.metrics.AdminHeartbeat("lost")
		c.logger.Warn(c.logger.WithField(ctx, "holder", current.PrincipalID), "admin claim lost", nil)
		return ErrClaimLost
	}

	loginAt := now
	if current != nil && current.PrincipalID == principalID {
		loginAt = current.LoginAt
	}
	if err := c.store.PutAdminSession(ctx, domain.AdminSession{
		PrincipalID:  principalID,
		LoginAt:      loginAt,
		LastActivity: now,
	}); err != nil {
		c.metrics.AdminHeartbeat("error")
		c.logger.Warn(ctx, "admin renew write failed", err)
		return nil
	}
	c.metrics.AdminHeartbeat("renewed")
	return nil
}

// Release clears the record only if it still names principalID.
func (c *Coordinator) Release(ctx context.Context, principalID string) {
	ctx = c.logger.WithField(ctx, "principal_id", principalID)
	released, err := c.store.DeleteAdminSession(ctx, principalID)
	if err != nil {
		c.logger.Warn(ctx, "admin release failed", err)
		return
	}
	if released {
		c.logger.Info(ctx, "admin session released")
	}
}

// Heartbeat renews the claim every interval until ctx is done. It returns
// ErrClaimLost as soon as a renewal finds a foreign fresh claim, and nil once
// ctx is cancelled.
func (c *Coordinator) Heartbeat(ctx context.Context, principalID string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Renew(ctx, principalID); err != nil {
				return err
			}
		}
	}
}

// read returns the current record (nil when empty) and false when the store
// could not be read.
func (c *Coordinator) read(ctx context.Context) (*domain.AdminSession, bool) {
	current, err := c.store.GetAdminSession(ctx)
	if err == nil {
		return current, true
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, true
	}
	c.logger.Warn(ctx, "admin session read failed, failing open", err)
	return nil, false
}
