package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tokoadmin/backend/internal/auth"
	"tokoadmin/backend/internal/config"
	"tokoadmin/backend/internal/domain"
	"tokoadmin/backend/internal/events"
	"tokoadmin/backend/internal/httpapi"
	"tokoadmin/backend/internal/invoice"
	"tokoadmin/backend/internal/logger"
	"tokoadmin/backend/internal/metrics"
	"tokoadmin/backend/internal/sale"
	"tokoadmin/backend/internal/service"
	"tokoadmin/backend/internal/session"
	"tokoadmin/backend/internal/store"
	"tokoadmin/backend/internal/store/memory"
	pgstore "tokoadmin/backend/internal/store/postgres"
	redisstore "tokoadmin/backend/internal/store/redis"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logg := logger.New(logger.Options{
		ServiceName: "tokoadmin",
		Level:       logger.ParseLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(context.Background(), "server stopped with error", err)
		os.Exit(1)
	}
	logg.Info(context.Background(), "server stopped")
}

func run(ctx context.Context, cfg config.Config, logg *logger.Logger) (err error) {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL, pgstore.WithMaxAttempts(cfg.SaleMaxAttempts))
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.AutoMigrate {
			if err := pg.Migrate(startCtx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		logg.Info(logg.WithField(ctx, "store", "postgres"), "repository ready")
	} else {
		mem, err := memory.NewSeeded()
		if err != nil {
			return fmt.Errorf("seed memory store: %w", err)
		}
		repo = mem
		logg.Info(logg.WithField(ctx, "store", "memory"), "repository ready")
	}

	var sessions store.SessionStore = repo
	if cfg.RedisAddr != "" {
		rs, err := redisstore.NewSessionStore(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 2*cfg.AdminSessionWindow)
		if err != nil {
			logg.Warn(ctx, "redis unavailable, keeping the admin session in the repository", err)
		} else {
			sessions = rs
			closers = append(closers, rs.Close)
			logg.Info(logg.WithField(ctx, "session_store", "redis"), "admin session store ready")
		}
	}

	mt := metrics.New(prometheus.DefaultRegisterer)

	authManager, err := auth.NewManager(startCtx, cfg.AuthSecret, cfg.AccessTokenTTL, repo, auth.WithMetrics(mt))
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := bootstrapAdmin(startCtx, authManager, cfg, logg); err != nil {
		return err
	}

	coordinator := session.NewCoordinator(sessions,
		session.WithWindow(cfg.AdminSessionWindow),
		session.WithLogger(logg),
		session.WithMetrics(mt),
	)
	processor := sale.NewProcessor(repo,
		sale.WithScale(cfg.CurrencyScale),
		sale.WithWalkInCustomer(cfg.WalkInCustomer),
		sale.WithMetrics(mt),
		sale.WithLogger(logg),
	)
	renderer, err := invoice.NewRenderer(cfg.StoreName,
		invoice.WithOutputDir(cfg.InvoiceDir),
		invoice.WithScale(cfg.CurrencyScale),
	)
	if err != nil {
		return fmt.Errorf("invoice renderer: %w", err)
	}

	hub := events.NewHub()
	closers = append(closers, hub.Close)
	var publisher events.Publisher = hub
	if len(cfg.KafkaBrokers) > 0 {
		kafkaCtx := logg.WithField(ctx, "kafka_topic", cfg.KafkaTopic)
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic,
			events.WithDeliveryErrors(func(count int, err error) {
				logg.Warn(logg.WithField(kafkaCtx, "messages", count), "kafka delivery failed", err)
			}),
		)
		closers = append(closers, kp.Close)
		publisher = events.Fanout{hub, kp}
		logg.Info(kafkaCtx, "kafka publishing enabled")
	}

	svc := service.New(service.Deps{
		Repo:      repo,
		Auth:      authManager,
		Sessions:  coordinator,
		Processor: processor,
		Invoices:  renderer,
		Events:    publisher,
		Logger:    logg,
		Metrics:   mt,
	})
	svc.PublishSnapshots(startCtx)

	api := httpapi.New(svc, authManager, hub, cfg.AllowedOrigin,
		httpapi.WithLogger(logg),
		httpapi.WithMetrics(mt),
		httpapi.WithHeartbeatInterval(cfg.AdminHeartbeatInterval),
	)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logg.Info(logg.WithField(ctx, "addr", cfg.Address()), "listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// bootstrapAdmin registers the configured admin account unless it exists.
func bootstrapAdmin(ctx context.Context, m *auth.Manager, cfg config.Config, logg *logger.Logger) error {
	if cfg.BootstrapAdminEmail == "" || m.HasUser(cfg.BootstrapAdminEmail) {
		return nil
	}
	if _, err := m.CreateUser(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword, domain.RoleAdmin); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	logg.Info(logg.WithField(ctx, "email", cfg.BootstrapAdminEmail), "bootstrap admin created")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AdminSessionWindow <= 0 {
		return fmt.Errorf("ADMIN_SESSION_WINDOW must be positive")
	}
	if cfg.AdminHeartbeatInterval <= 0 || cfg.AdminHeartbeatInterval >= cfg.AdminSessionWindow {
		return fmt.Errorf("ADMIN_HEARTBEAT_INTERVAL must be positive and shorter than ADMIN_SESSION_WINDOW")
	}
	if cfg.BootstrapAdminEmail != "" && len(cfg.BootstrapAdminPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 8 characters")
	}
	return nil
}
