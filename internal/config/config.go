package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	AuthSecret     string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	// Created on start when set and not yet registered.
	BootstrapAdminEmail    string `envconfig:"BOOTSTRAP_ADMIN_EMAIL"`
	BootstrapAdminPassword string `envconfig:"BOOTSTRAP_ADMIN_PASSWORD"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	AdminSessionWindow     time.Duration `envconfig:"ADMIN_SESSION_WINDOW" default:"30m"`
	AdminHeartbeatInterval time.Duration `envconfig:"ADMIN_HEARTBEAT_INTERVAL" default:"5m"`

	SaleMaxAttempts int    `envconfig:"SALE_MAX_ATTEMPTS" default:"5"`
	CurrencyScale   int32  `envconfig:"CURRENCY_SCALE" default:"2"`
	WalkInCustomer  string `envconfig:"WALK_IN_CUSTOMER" default:"Walk-in Customer"`
	StoreName       string `envconfig:"STORE_NAME" default:"Toko Admin"`
	InvoiceDir      string `envconfig:"INVOICE_DIR"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"tokoadmin.events"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.WalkInCustomer = strings.TrimSpace(cfg.WalkInCustomer)
	cfg.BootstrapAdminEmail = strings.ToLower(strings.TrimSpace(cfg.BootstrapAdminEmail))
	if cfg.SaleMaxAttempts < 1 {
		cfg.SaleMaxAttempts = 1
	}
	if cfg.CurrencyScale < 0 {
		cfg.CurrencyScale = 2
	}

	brokers := make([]string, 0, len(cfg.KafkaBrokers))
	for _, broker := range cfg.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	cfg.KafkaBrokers = brokers

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
