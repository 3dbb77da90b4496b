package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ストアの種類。
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Session
	SessionMaxAge          int           `env:"SESSION_MAX_AGE" envDefault:"86400"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`

	// Registration
	RegistrationTimeout time.Duration `env:"REGISTRATION_TIMEOUT" envDefault:"5s"`

	// Events
	RequireOrganizerRole bool          `env:"REQUIRE_ORGANIZER_ROLE" envDefault:"false"`
	ImageURLCheck        bool          `env:"IMAGE_URL_CHECK" envDefault:"false"`
	UrgentWindow         time.Duration `env:"NOTIFICATION_URGENT_WINDOW" envDefault:"24h"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral      int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitRegistration int `env:"RATE_LIMIT_REGISTRATION" envDefault:"10"`

	// Realtime
	SubscriberBuffer int      `env:"SUBSCRIBER_BUFFER" envDefault:"16"`
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"roster-changed"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort    string `env:"SERVER_PORT" envDefault:"8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`

	// CORS / WebSocket
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
	WSAllowedOrigin   string `env:"WS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。
// 型変換に失敗した場合や必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q: got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}

	if cfg.WSAllowedOrigin == "" {
		cfg.WSAllowedOrigin = cfg.CORSAllowedOrigin
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	return cfg, nil
}

// UsesMemoryStore はインメモリストアで起動するかどうかを返す。
func (c *Config) UsesMemoryStore() bool {
	return c.StoreDriver == StoreDriverMemory
}

// KafkaEnabled は複数インスタンス間の配信中継が有効かどうかを返す。
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
