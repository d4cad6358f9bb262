package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the fwforge service.
type Config struct {
	Addr        string `env:"ADDR,default=:8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	S3Bucket         string `env:"S3_BUCKET"`

	SourcesPath   string `env:"SOURCES_PATH,default=./sources.json"`
	GitHubAuthKey string `env:"GITHUB_AUTH_KEY"`
	GitHubAPIURL  string `env:"GITHUB_API_URL,default=https://api.github.com"`
	GitHubRawURL  string `env:"GITHUB_RAW_URL,default=https://raw.githubusercontent.com"`
	GitHubURL     string `env:"GITHUB_URL,default=https://github.com"`

	CatalogRefreshInterval time.Duration `env:"CATALOG_REFRESH_INTERVAL,default=5m"`
	HousekeepingInterval   time.Duration `env:"HOUSEKEEPING_INTERVAL,default=1h"`
	InFlightGrace          time.Duration `env:"HOUSEKEEPING_INFLIGHT_GRACE,default=1h"`

	StatusDebounce      time.Duration `env:"STATUS_DEBOUNCE,default=100ms"`
	MaxConcurrentBuilds int64         `env:"MAX_CONCURRENT_BUILDS,default=0"`
	ToolchainBin        string        `env:"TOOLCHAIN_BIN,default=platformio"`
	WorkDir             string        `env:"WORK_DIR"`

	NATSURL        string   `env:"NATS_URL"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	BuildRateLimit int      `env:"BUILD_RATE_LIMIT,default=30"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogPretty bool   `env:"LOG_PRETTY,default=false"`
}

// Load reads an optional .env file and returns a Config populated from
// environment variables.
func Load(ctx context.Context) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = trimAll(cfg.AllowedOrigins)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CatalogRefreshInterval <= 0 {
		return errors.New("CATALOG_REFRESH_INTERVAL must be positive")
	}
	if c.HousekeepingInterval <= 0 {
		return errors.New("HOUSEKEEPING_INTERVAL must be positive")
	}
	if c.MaxConcurrentBuilds < 0 {
		return errors.New("MAX_CONCURRENT_BUILDS must not be negative")
	}
	if c.BuildRateLimit <= 0 {
		return errors.New("BUILD_RATE_LIMIT must be positive")
	}
	return nil
}

// RequireDatabase reports a missing DATABASE_URL.
func (c Config) RequireDatabase() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// RequireStorage reports missing object storage settings.
func (c Config) RequireStorage() error {
	if strings.TrimSpace(c.S3Endpoint) == "" {
		return errors.New("S3_ENDPOINT is required")
	}
	if strings.TrimSpace(c.S3Bucket) == "" {
		return errors.New("S3_BUCKET is required")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
