package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store"
)

const testSecret = "test-secret-with-at-least-32-bytes!!"

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Email] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, email string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[email]
	user.Password = password
	s.users[email] = user
	s.updates++
	return nil
}

func newStub() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin@toko.local": {
				ID:        "usr-admin",
				Email:     "admin@toko.local",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(context.Background(), "  ", time.Hour, newStub())
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestSignInUpgradesLegacyPlainPassword(t *testing.T) {
	users := newStub()
	m, err := NewManager(context.Background(), testSecret, time.Hour, users)
	require.NoError(t, err)

	result, err := m.SignIn(context.Background(), "Admin@Toko.local", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "usr-admin", result.Principal.ID)
	assert.Equal(t, domain.RoleAdmin, result.Principal.Role)

	stored, _ := users.ListUsers(context.Background())
	require.Len(t, stored, 1)
	assert.True(t, strings.HasPrefix(stored[0].Password, "$2"), "expected bcrypt hash, got %s", stored[0].Password)
	assert.GreaterOrEqual(t, users.updates, 1)
}

func TestSignInRejectsBadCredentialsAndInactive(t *testing.T) {
	users := newStub()
	users.users["off@toko.local"] = domain.UserAccount{ID: "usr-off", Email: "off@toko.local", Password: "secret123", Role: domain.RoleEmployee}
	m, err := NewManager(context.Background(), testSecret, time.Hour, users)
	require.NoError(t, err)

	_, err = m.SignIn(context.Background(), "admin@toko.local", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.SignIn(context.Background(), "nobody@toko.local", "admin123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.SignIn(context.Background(), "off@toko.local", "secret123")
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestParseTokenRoundTrip(t *testing.T) {
	m, err := NewManager(context.Background(), testSecret, time.Hour, newStub())
	require.NoError(t, err)

	result, err := m.SignIn(context.Background(), "admin@toko.local", "admin123")
	require.NoError(t, err)

	actor, err := m.ParseToken(result.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.Actor{
		PrincipalID: "usr-admin",
		Email:       "admin@toko.local",
		Role:        domain.RoleAdmin,
		TokenID:     result.TokenID,
	}, actor)
	assert.True(t, actor.IsAdmin())

	_, err = m.ParseToken(result.Token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewManager(context.Background(), "another-secret-with-32-bytes-or-more", time.Hour, newStub())
	require.NoError(t, err)
	_, err = other.ParseToken(result.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiresWithClock(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	m, err := NewManager(context.Background(), testSecret, time.Hour, newStub(), WithClock(clock))
	require.NoError(t, err)

	result, err := m.SignIn(context.Background(), "admin@toko.local", "admin123")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = m.ParseToken(result.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredTokensLeaveTheIndex(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	m, err := NewManager(context.Background(), testSecret, time.Hour, newStub(), WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.SignIn(ctx, "admin@toko.local", "admin123")
		require.NoError(t, err)
	}
	require.Len(t, m.issued["usr-admin"], 3)

	now = now.Add(2 * time.Hour)
	_, err = m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Len(t, m.issued["usr-admin"], 1)
}

func TestSignOutRevokesOnlyThatToken(t *testing.T) {
	m, err := NewManager(context.Background(), testSecret, time.Hour, newStub())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)
	second, err := m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)

	actor, err := m.ParseToken(first.Token)
	require.NoError(t, err)
	m.SignOut(ctx, actor)

	_, err = m.ParseToken(first.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = m.ParseToken(second.Token)
	assert.NoError(t, err)
}

func TestForceInvalidateRevokesEveryToken(t *testing.T) {
	m, err := NewManager(context.Background(), testSecret, time.Hour, newStub())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)
	second, err := m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)

	assert.Equal(t, 2, m.ForceInvalidate(ctx, "usr-admin"))
	_, err = m.ParseToken(first.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	_, err = m.ParseToken(second.Token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	third, err := m.SignIn(ctx, "admin@toko.local", "admin123")
	require.NoError(t, err)
	_, err = m.ParseToken(third.Token)
	assert.NoError(t, err)
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	users := newStub()
	m, err := NewManager(context.Background(), testSecret, time.Hour, users)
	require.NoError(t, err)
	ctx := context.Background()

	principal, err := m.CreateUser(ctx, "Kasir@Toko.local", "pass12345", domain.RoleEmployee)
	require.NoError(t, err)
	assert.Equal(t, "kasir@toko.local", principal.Email)

	stored := users.users["kasir@toko.local"]
	assert.NotEqual(t, "pass12345", stored.Password)
	assert.True(t, strings.HasPrefix(stored.Password, "$2"))

	_, err = m.SignIn(ctx, "kasir@toko.local", "pass12345")
	assert.NoError(t, err)

	_, err = m.CreateUser(ctx, "kasir@toko.local", "pass12345", domain.RoleEmployee)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = m.CreateUser(ctx, "short@toko.local", "abc", domain.RoleEmployee)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
	_, err = m.CreateUser(ctx, "role@toko.local", "pass12345", "cashier")
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)

	assert.True(t, m.HasUser(" KASIR@toko.local"))
	assert.False(t, m.HasUser("role@toko.local"))

	listed := m.ListUsers(ctx)
	require.Len(t, listed, 2)
	assert.Equal(t, "admin@toko.local", listed[0].Email)
}
