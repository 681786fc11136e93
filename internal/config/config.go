package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Relay modes. Embedded delivers through the in-process websocket hub;
// http posts to an external relay endpoint.
const (
	RelayModeEmbedded = "embedded"
	RelayModeHTTP     = "http"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	JWKSURL     string `env:"JWKS_URL"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	RelayMode     string `env:"RELAY_MODE" default:"embedded"`
	RelayEndpoint string `env:"RELAY_ENDPOINT"`

	TickInterval time.Duration `env:"TICK_INTERVAL" default:"1s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"REDIS_URL":    cfg.RedisURL,
		"JWKS_URL":     cfg.JWKSURL,
		"JWT_AUDIENCE": cfg.JWTAudience,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	switch cfg.RelayMode {
	case RelayModeEmbedded:
	case RelayModeHTTP:
		if cfg.RelayEndpoint == "" {
			return fmt.Errorf("RELAY_ENDPOINT is required when RELAY_MODE=http")
		}
		cfg.RelayEndpoint = normalizeRelayEndpoint(cfg.RelayEndpoint)
	default:
		return fmt.Errorf("RELAY_MODE must be %q or %q, got %q", RelayModeEmbedded, RelayModeHTTP, cfg.RelayMode)
	}

	if cfg.TickInterval <= 0 {
		return fmt.Errorf("TICK_INTERVAL must be positive, got %s", cfg.TickInterval)
	}

	return nil
}

// normalizeRelayEndpoint maps a websocket URL to its management HTTPS
// counterpart, the form the relay's send API is addressed at.
func normalizeRelayEndpoint(endpoint string) string {
	if strings.HasPrefix(endpoint, "wss://") {
		endpoint = "https://" + strings.TrimPrefix(endpoint, "wss://")
	}
	return strings.TrimSuffix(endpoint, "/")
}
