package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/store"
)

const (
	defaultSessionKey = "tokoadmin:admin_session"

	fieldPrincipal    = "principal_id"
	fieldLoginAt      = "login_at"
	fieldLastActivity = "last_activity"
)

// releaseScript deletes the session hash only while it still names ARGV[1].
var releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "principal_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type cmdable interface {
	goredis.Scripter
	Ping(context.Context) *goredis.StatusCmd
	HGetAll(context.Context, string) *goredis.MapStringStringCmd
	HSet(context.Context, string, ...any) *goredis.IntCmd
	Expire(context.Context, string, time.Duration) *goredis.BoolCmd
}

// SessionStore keeps the admin session record in a Redis hash so several API
// replicas share one claim.
type SessionStore struct {
	client cmdable
	raw    *goredis.Client
	key    string
	ttl    time.Duration
}

// NewSessionStore connects to Redis. A positive ttl expires abandoned records;
// callers pass a multiple of the staleness window.
func NewSessionStore(ctx context.Context, addr string, password string, db int, ttl time.Duration) (*SessionStore, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	raw := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := raw.Ping(ctx).Err(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &SessionStore{client: raw, raw: raw, key: defaultSessionKey, ttl: ttl}, nil
}

func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func (s *SessionStore) GetAdminSession(ctx context.Context) (*domain.AdminSession, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	principal := fields[fieldPrincipal]
	if principal == "" {
		return nil, store.ErrNotFound
	}

	loginAt, err := time.Parse(time.RFC3339Nano, fields[fieldLoginAt])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldLoginAt, err)
	}
	lastActivity, err := time.Parse(time.RFC3339Nano, fields[fieldLastActivity])
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", fieldLastActivity, err)
	}
	return &domain.AdminSession{
		PrincipalID:  principal,
		LoginAt:      loginAt.UTC(),
		LastActivity: lastActivity.UTC(),
	}, nil
}

func (s *SessionStore) PutAdminSession(ctx context.Context, session domain.AdminSession) error {
	if session.PrincipalID == "" {
		return store.ErrInvalidTransaction
	}

	err := s.client.HSet(ctx, s.key,
		fieldPrincipal, session.PrincipalID,
		fieldLoginAt, session.LoginAt.UTC().Format(time.RFC3339Nano),
		fieldLastActivity, session.LastActivity.UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return err
	}
	if s.ttl > 0 {
		return s.client.Expire(ctx, s.key, s.ttl).Err()
	}
	return nil
}

func (s *SessionStore) DeleteAdminSession(ctx context.Context, principalID string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, s.client, []string{s.key}, principalID).Int64()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}
