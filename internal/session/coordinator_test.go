package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type failingStore struct{}

func (failingStore) GetAdminSession(context.Context) (*domain.AdminSession, error) {
	return nil, errors.New("store unavailable")
}

func (failingStore) PutAdminSession(context.Context, domain.AdminSession) error {
	return errors.New("store unavailable")
}

func (failingStore) DeleteAdminSession(context.Context, string) (bool, error) {
	return false, errors.New("store unavailable")
}

// flakyReadStore fails reads while readErr is set and otherwise delegates.
type flakyReadStore struct {
	*memory.Store
	readErr error
}

func (s *flakyReadStore) GetAdminSession(ctx context.Context) (*domain.AdminSession, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Store.GetAdminSession(ctx)
}

func TestTryClaimReadFailureKeepsHolder(t *testing.T) {
	clock := &fakeClock{now: t0}
	s := &flakyReadStore{Store: memory.New()}
	c := NewCoordinator(s, WithClock(clock.Now))
	ctx := context.Background()

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)
	clock.Advance(time.Minute)

	s.readErr = errors.New("read timeout")
	assert.Equal(t, ClaimResult{Claimed: true}, c.TryClaim(ctx, "admin-b"))
	s.readErr = nil

	rec, err := s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-a", rec.PrincipalID)
	assert.Equal(t, t0, rec.LastActivity)
	assert.NoError(t, c.Renew(ctx, "admin-a"))
}

func TestTryClaimAdminScenario(t *testing.T) {
	clock := &fakeClock{now: t0}
	s := memory.New()
	c := NewCoordinator(s, WithClock(clock.Now))
	ctx := context.Background()

	assert.Equal(t, ClaimResult{Claimed: true}, c.TryClaim(ctx, "admin-a"))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, ClaimResult{Claimed: false, Reason: ReasonActiveElsewhere}, c.TryClaim(ctx, "admin-b"))

	rec, err := s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-a", rec.PrincipalID)

	clock.Advance(21 * time.Minute)
	assert.Equal(t, ClaimResult{Claimed: true}, c.TryClaim(ctx, "admin-b"))

	rec, err = s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-b", rec.PrincipalID)
	assert.Equal(t, t0.Add(31*time.Minute), rec.LastActivity)
}

func TestFreshnessBoundary(t *testing.T) {
	c := NewCoordinator(memory.New())
	rec := &domain.AdminSession{PrincipalID: "admin-a", LastActivity: t0}

	assert.True(t, c.Fresh(rec, t0.Add(DefaultWindow-time.Nanosecond)))
	assert.False(t, c.Fresh(rec, t0.Add(DefaultWindow)))
	assert.False(t, c.Fresh(nil, t0))
}

func TestSameAdminReclaimsFreshSession(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := NewCoordinator(memory.New(), WithClock(clock.Now))
	ctx := context.Background()

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)
	clock.Advance(time.Minute)
	assert.True(t, c.TryClaim(ctx, "admin-a").Claimed)
}

func TestRenewKeepsLoginTimeAndDetectsLoss(t *testing.T) {
	clock := &fakeClock{now: t0}
	s := memory.New()
	c := NewCoordinator(s, WithClock(clock.Now))
	ctx := context.Background()

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)
	clock.Advance(5 * time.Minute)
	require.NoError(t, c.Renew(ctx, "admin-a"))

	rec, err := s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.LoginAt)
	assert.Equal(t, t0.Add(5*time.Minute), rec.LastActivity)

	require.NoError(t, s.PutAdminSession(ctx, domain.AdminSession{PrincipalID: "admin-b", LoginAt: clock.Now(), LastActivity: clock.Now()}))
	assert.ErrorIs(t, c.Renew(ctx, "admin-a"), ErrClaimLost)
}

func TestHeartbeatKeepsClaimFreshPastWindow(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := NewCoordinator(memory.New(), WithClock(clock.Now))
	ctx := context.Background()

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)
	for i := 0; i < 12; i++ {
		clock.Advance(DefaultHeartbeatInterval)
		require.NoError(t, c.Renew(ctx, "admin-a"))
	}

	assert.Equal(t, ClaimResult{Claimed: false, Reason: ReasonActiveElsewhere}, c.TryClaim(ctx, "admin-b"))
}

func TestReleaseOnlyByOwner(t *testing.T) {
	s := memory.New()
	c := NewCoordinator(s)
	ctx := context.Background()

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)

	c.Release(ctx, "admin-b")
	rec, err := s.GetAdminSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin-a", rec.PrincipalID)

	c.Release(ctx, "admin-a")
	assert.True(t, c.TryClaim(ctx, "admin-b").Claimed)
}

func TestCoordinatorFailsOpen(t *testing.T) {
	c := NewCoordinator(failingStore{})
	ctx := context.Background()

	assert.Equal(t, ClaimResult{Claimed: true}, c.TryClaim(ctx, "admin-a"))
	assert.NoError(t, c.Renew(ctx, "admin-a"))
	assert.NotPanics(t, func() { c.Release(ctx, "admin-a") })
}

func TestHeartbeatLoop(t *testing.T) {
	s := memory.New()
	c := NewCoordinator(s)
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, c.TryClaim(ctx, "admin-a").Claimed)
	before, err := s.GetAdminSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- c.Heartbeat(ctx, "admin-a", 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		rec, err := s.GetAdminSession(context.Background())
		return err == nil && rec.LastActivity.After(before.LastActivity)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop after cancel")
	}
}

func TestHeartbeatStopsWhenClaimLost(t *testing.T) {
	s := memory.New()
	c := NewCoordinator(s)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.PutAdminSession(ctx, domain.AdminSession{PrincipalID: "admin-b", LoginAt: now, LastActivity: now}))

	done := make(chan error, 1)
	go func() { done <- c.Heartbeat(ctx, "admin-a", 5*time.Millisecond) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClaimLost)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not report lost claim")
	}
}
