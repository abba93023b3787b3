package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoadmin/backend/internal/domain"
)

type sseEvent struct {
	name string
	data string
}

func openStream(t *testing.T, ctx context.Context, srv *httptest.Server, token string) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		defer res.Body.Close()
		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.name != "":
				out <- current
				current = sseEvent{}
			}
		}
	}()
	return out
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
	}
	return sseEvent{}
}

func TestStreamSendsInventorySnapshotFirst(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	staff := env.login(t, "staff@toko.local", "staff123")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, srv, staff)

	first := nextEvent(t, stream)
	assert.Equal(t, "inventory.snapshot", first.name)
	assert.Contains(t, first.data, "item-widget")

	res := env.do(t, http.MethodPost, "/api/v1/sales", staff, map[string]any{
		"items": []map[string]any{{"item_id": "item-bolt", "name": "Bolt", "unit_price": "2.5", "quantity": 4}},
	})
	require.Equal(t, http.StatusCreated, res.Code)

	// Employees only follow inventory.
	next := nextEvent(t, stream)
	assert.Equal(t, "inventory.snapshot", next.name)
	assert.Contains(t, next.data, `"quantity":396`)
}

func TestAdminStreamEndsWhenClaimIsLost(t *testing.T) {
	env := newTestEnv(t, WithHeartbeatInterval(20*time.Millisecond))
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	admin := env.login(t, "admin@toko.local", "admin123")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, srv, admin)

	seen := map[string]bool{}
	seen[nextEvent(t, stream).name] = true
	seen[nextEvent(t, stream).name] = true
	assert.True(t, seen["inventory.snapshot"])
	assert.True(t, seen["sales.snapshot"])

	now := time.Now().UTC()
	require.NoError(t, env.repo.PutAdminSession(context.Background(), domain.AdminSession{
		PrincipalID:  "usr-intruder",
		LoginAt:      now,
		LastActivity: now,
	}))

	var lost sseEvent
	for ev := range stream {
		if ev.name == eventSessionLost {
			lost = ev
			break
		}
	}
	assert.Equal(t, eventSessionLost, lost.name)
	assert.Contains(t, lost.data, "active-elsewhere")

	res := env.do(t, http.MethodGet, "/api/v1/inventory", admin, nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAdminStreamEndsOnLogout(t *testing.T) {
	env := newTestEnv(t, WithHeartbeatInterval(20*time.Millisecond))
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)
	admin := env.login(t, "admin@toko.local", "admin123")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream := openStream(t, ctx, srv, admin)
	nextEvent(t, stream)
	nextEvent(t, stream)

	res := env.do(t, http.MethodPost, "/api/v1/auth/logout", admin, nil)
	require.Equal(t, http.StatusNoContent, res.Code)

	var last sseEvent
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-stream:
			if ok {
				last = ev
			}
			open = ok
		case <-timeout:
			t.Fatal("stream still open after logout")
		}
	}
	assert.Equal(t, eventSignedOut, last.name)

	// The claim stays released after the stream is gone.
	owner := env.login(t, "owner@toko.local", "owner123")
	assert.NotEmpty(t, owner)
}
