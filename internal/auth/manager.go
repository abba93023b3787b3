// Package auth issues and verifies access tokens for staff accounts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/store"
	"tokoadmin/backend/internal/xid"
)

const issuer = "tokoadmin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrMissingSecret      = errors.New("auth secret is required")
)

type Manager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	now       func() time.Time
	userStore store.UserStore
	metrics   *metrics.Metrics
	users     map[string]credential
	// issued maps principal id to its outstanding token ids and their expiry.
	issued  map[string]map[string]time.Time
	revoked map[string]time.Time
}

type credential struct {
	id       string
	password string
	role     string
	active   bool
	created  time.Time
}

type accessClaims struct {
	jwtlib.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(ctx context.Context, secret string, tokenTTL time.Duration, userStore store.UserStore, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	m := &Manager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		now:       func() time.Time { return time.Now().UTC() },
		userStore: userStore,
		users:     make(map[string]credential),
		issued:    make(map[string]map[string]time.Time),
		revoked:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.bootstrapUsers(ctx); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	return m, nil
}

// SignIn checks credentials and issues a signed access token.
func (m *Manager) SignIn(ctx context.Context, email string, password string) (domain.SignInResult, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	// Users created by other replicas become visible here.
	_ = m.bootstrapUsers(lookupCtx)

	email = normalizeEmail(email)
	m.mu.RLock()
	cred, ok := m.users[email]
	m.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, password) {
		return domain.SignInResult{}, ErrInvalidCredentials
	}
	if !cred.active {
		return domain.SignInResult{}, ErrAccountInactive
	}

	now := m.now()
	expiresAt := now.Add(m.tokenTTL)
	tokenID := xid.New("")
	token, err := m.sign(cred.id, email, cred.role, tokenID, now, expiresAt)
	if err != nil {
		return domain.SignInResult{}, err
	}

	m.mu.Lock()
	tokens, ok := m.issued[cred.id]
	if !ok {
		tokens = make(map[string]time.Time)
		m.issued[cred.id] = tokens
	}
	tokens[tokenID] = expiresAt
	m.sweepLocked()
	m.mu.Unlock()

	return domain.SignInResult{
		Principal: domain.Principal{ID: cred.id, Email: email, Role: cred.role},
		Token:     token,
		TokenID:   tokenID,
		ExpiresAt: expiresAt,
	}, nil
}

// SignOut revokes a single token.
func (m *Manager) SignOut(_ context.Context, actor domain.Actor) {
	if actor.TokenID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.now().Add(m.tokenTTL)
	if tokens, ok := m.issued[actor.PrincipalID]; ok {
		if exp, found := tokens[actor.TokenID]; found {
			expiresAt = exp
		}
		delete(tokens, actor.TokenID)
		if len(tokens) == 0 {
			delete(m.issued, actor.PrincipalID)
		}
	}
	m.revoked[actor.TokenID] = expiresAt
	m.sweepLocked()
	m.metrics.TokenRevoked("sign_out", 1)
}

// ForceInvalidate revokes every outstanding token of a principal and returns
// how many were revoked.
func (m *Manager) ForceInvalidate(_ context.Context, principalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	tokens := m.issued[principalID]
	for tokenID, exp := range tokens {
		m.revoked[tokenID] = exp
	}
	delete(m.issued, principalID)
	m.sweepLocked()
	m.metrics.TokenRevoked("force", len(tokens))
	return len(tokens)
}

func (m *Manager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &accessClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	},
		jwtlib.WithValidMethods([]string{"HS256"}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.ID == "" {
		return domain.Actor{}, ErrInvalidToken
	}

	m.mu.RLock()
	_, revoked := m.revoked[claims.ID]
	m.mu.RUnlock()
	if revoked {
		return domain.Actor{}, ErrTokenRevoked
	}

	return domain.Actor{
		PrincipalID: sub,
		Email:       claims.Email,
		Role:        claims.Role,
		TokenID:     claims.ID,
	}, nil
}

// CreateUser hashes the password and persists a new active account.
func (m *Manager) CreateUser(ctx context.Context, email string, password string, role string) (domain.Principal, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Principal{}, fmt.Errorf("%w: email is invalid", store.ErrInvalidTransaction)
	}
	if len(password) < 8 {
		return domain.Principal{}, fmt.Errorf("%w: password must be at least 8 characters", store.ErrInvalidTransaction)
	}
	if role != domain.RoleAdmin && role != domain.RoleEmployee {
		return domain.Principal{}, fmt.Errorf("%w: role must be %s or %s", store.ErrInvalidTransaction, domain.RoleAdmin, domain.RoleEmployee)
	}

	m.mu.RLock()
	_, exists := m.users[email]
	m.mu.RUnlock()
	if exists {
		return domain.Principal{}, fmt.Errorf("%w: %s is already registered", store.ErrInvalidTransaction, email)
	}

	passwordHash, err := hashPassword(password)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("hash password: %w", err)
	}
	account := domain.UserAccount{
		ID:        xid.New("usr"),
		Email:     email,
		Password:  passwordHash,
		Role:      role,
		Active:    true,
		CreatedAt: m.now(),
	}
	if m.userStore != nil {
		if err := m.userStore.CreateUser(ctx, account); err != nil {
			return domain.Principal{}, err
		}
	}

	m.mu.Lock()
	m.users[email] = credential{
		id:       account.ID,
		password: account.Password,
		role:     account.Role,
		active:   true,
		created:  account.CreatedAt,
	}
	m.mu.Unlock()

	return domain.Principal{ID: account.ID, Email: email, Role: role}, nil
}

// HasUser reports whether email is a known account.
func (m *Manager) HasUser(email string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[normalizeEmail(email)]
	return ok
}

func (m *Manager) ListUsers(ctx context.Context) []domain.Principal {
	_ = m.bootstrapUsers(ctx)

	m.mu.RLock()
	out := make([]domain.Principal, 0, len(m.users))
	for email, cred := range m.users {
		out = append(out, domain.Principal{ID: cred.id, Email: email, Role: cred.role})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Email < out[j].Email
	})
	return out
}

func (m *Manager) sign(principalID, email, role, tokenID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := accessClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        tokenID,
			Subject:   principalID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
		Email: email,
		Role:  role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// sweepLocked drops revocations whose tokens have expired anyway.
// sweepLocked drops expired tokens from both the revocation list and the
// outstanding token index.
func (m *Manager) sweepLocked() {
	now := m.now()
	for tokenID, exp := range m.revoked {
		if !exp.After(now) {
			delete(m.revoked, tokenID)
		}
	}
	for principalID, tokens := range m.issued {
		for tokenID, exp := range tokens {
			if !exp.After(now) {
				delete(tokens, tokenID)
			}
		}
		if len(tokens) == 0 {
			delete(m.issued, principalID)
		}
	}
}

// bootstrapUsers refreshes the credential cache from the user store and
// upgrades plain-text passwords to bcrypt hashes.
func (m *Manager) bootstrapUsers(ctx context.Context) error {
	if m.userStore == nil {
		return nil
	}

	users, err := m.userStore.ListUsers(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range users {
		email := normalizeEmail(user.Email)
		if email == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = m.userStore.UpdateUserPassword(ctx, email, hashed)
			}
		}
		m.users[email] = credential{
			id:       user.ID,
			password: password,
			role:     user.Role,
			active:   user.Active,
			created:  user.CreatedAt,
		}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
