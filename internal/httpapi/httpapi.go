package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/events"
	"tokoadmin/backend/internal/logger"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/service"
	"tokoadmin/backend/internal/session"
)

// TokenParser turns a bearer token into the actor it was issued to.
type TokenParser interface {
	ParseToken(token string) (domain.Actor, error)
}

// Subscriber is the live snapshot source behind the event stream.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) <-chan events.Event
}

type API struct {
	service           *service.Service
	tokens            TokenParser
	stream            Subscriber
	allowedOrigin     string
	loginLimiter      *attemptLimiter
	csrfSecret        []byte
	logger            *logger.Logger
	metrics           *metrics.Metrics
	metricsHandler    http.Handler
	heartbeatInterval time.Duration
	keepAlive         time.Duration
	now               func() time.Time
}

type Option func(*API)

func WithLogger(l *logger.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithMetricsHandler replaces the default Prometheus handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) {
		if h != nil {
			a.metricsHandler = h
		}
	}
}

// WithHeartbeatInterval sets how often an admin's open stream renews the
// admin session.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.heartbeatInterval = d
		}
	}
}

// WithKeepAlive sets the interval of SSE comment pings.
func WithKeepAlive(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.keepAlive = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

func New(svc *service.Service, tokens TokenParser, stream Subscriber, allowedOrigin string, opts ...Option) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	a := &API{
		service:           svc,
		tokens:            tokens,
		stream:            stream,
		allowedOrigin:     allowedOrigin,
		loginLimiter:      newAttemptLimiter(5, time.Minute),
		csrfSecret:        csrfSecret,
		logger:            logger.Nop(),
		metricsHandler:    promhttp.Handler(),
		heartbeatInterval: session.DefaultHeartbeatInterval,
		keepAlive:         15 * time.Second,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		a.recoverer,
		a.requestID,
		a.logging,
		a.securityHeaders,
		a.checkCSRF,
	)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/auth/csrf-token", a.handleCSRFToken)
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth())

			r.Post("/auth/logout", a.handleLogout)
			r.Get("/inventory", a.handleListItems)
			r.Get("/inventory/{id}", a.handleGetItem)
			r.Post("/sales", a.handleCompleteSale)
			r.Get("/sales/{id}/invoice", a.handleInvoice)
			r.Get("/stream", a.handleStream)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Post("/auth/heartbeat", a.handleHeartbeat)
			r.Post("/inventory", a.handleCreateItem)
			r.Get("/inventory/low-stock", a.handleLowStock)
			r.Patch("/inventory/{id}", a.handleUpdateItem)
			r.Post("/inventory/{id}/restock", a.handleRestock)
			r.Get("/sales", a.handleListSales)
			r.Get("/sales/{id}", a.handleGetSale)
			r.Get("/reports/sales", a.handleSalesReport)
			r.Get("/users", a.handleListUsers)
			r.Post("/users", a.handleCreateUser)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	return r
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (Unix time truncated to the hour), hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	bucket := a.now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := a.now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, now: time.Now, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}
