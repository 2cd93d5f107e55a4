package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	FanoutLocal = "local"
	FanoutRedis = "redis"
	FanoutNATS  = "nats"

	ClusterStoreNone  = "none"
	ClusterStoreRedis = "redis"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	NatsURL     string `env:"NATS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	FanoutBackend string `env:"FANOUT_BACKEND" default:"local"`
	ClusterStore  string `env:"CLUSTER_STORE" default:"none"`
	InstanceID    string `env:"INSTANCE_ID"`

	SendTimeout        time.Duration `env:"SEND_TIMEOUT" default:"2s"`
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" default:"90s"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" default:"15s"`
	MaxConcurrentSends int           `env:"MAX_CONCURRENT_SENDS" default:"64"`

	PublishRateLimit float64 `env:"PUBLISH_RATE_LIMIT" default:"50"`
	PublishRateBurst int     `env:"PUBLISH_RATE_BURST" default:"100"`

	MaxWebSocketConnections int    `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	AllowedOrigins          string `env:"ALLOWED_ORIGINS"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Origins returns ALLOWED_ORIGINS split on commas with blanks removed.
func (c *Config) Origins() []string {
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	switch cfg.FanoutBackend {
	case FanoutLocal:
	case FanoutRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when FANOUT_BACKEND=redis")
		}
	case FanoutNATS:
		if cfg.NatsURL == "" {
			return errors.New("NATS_URL is required when FANOUT_BACKEND=nats")
		}
	default:
		return fmt.Errorf("FANOUT_BACKEND must be one of local, redis, nats, got %q", cfg.FanoutBackend)
	}

	switch cfg.ClusterStore {
	case ClusterStoreNone:
	case ClusterStoreRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when CLUSTER_STORE=redis")
		}
	default:
		return fmt.Errorf("CLUSTER_STORE must be one of none, redis, got %q", cfg.ClusterStore)
	}

	if cfg.SendTimeout <= 0 {
		return errors.New("SEND_TIMEOUT must be positive")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return errors.New("SESSION_IDLE_TIMEOUT must be positive")
	}
	if cfg.SweepInterval <= 0 || cfg.SweepInterval > cfg.SessionIdleTimeout {
		return errors.New("SWEEP_INTERVAL must be positive and not exceed SESSION_IDLE_TIMEOUT")
	}
	if cfg.MaxConcurrentSends < 1 {
		return errors.New("MAX_CONCURRENT_SENDS must be at least 1")
	}

	if cfg.AppEnv == "production" {
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required in production")
		}
		if err := validateSSLMode(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func validateSSLMode(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "signpulse"
	}
	return host
}
