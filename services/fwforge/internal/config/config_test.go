package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "./sources.json", cfg.SourcesPath)
	assert.Equal(t, "https://api.github.com", cfg.GitHubAPIURL)
	assert.Equal(t, 5*time.Minute, cfg.CatalogRefreshInterval)
	assert.Equal(t, time.Hour, cfg.HousekeepingInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.StatusDebounce)
	assert.Equal(t, int64(0), cfg.MaxConcurrentBuilds)
	assert.Equal(t, "platformio", cfg.ToolchainBin)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 30, cfg.BuildRateLimit)
	assert.True(t, cfg.S3ForcePathStyle)

	assert.Error(t, cfg.RequireDatabase())
	assert.Error(t, cfg.RequireStorage())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"DATABASE_URL":          "postgres://fwforge@db/fwforge",
		"S3_ENDPOINT":           "minio:9000",
		"S3_BUCKET":             "firmware",
		"CORS_ALLOWED_ORIGINS":  "https://a.example, https://b.example,",
		"STATUS_DEBOUNCE":       "250ms",
		"MAX_CONCURRENT_BUILDS": "2",
		"LOG_PRETTY":            "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 250*time.Millisecond, cfg.StatusDebounce)
	assert.Equal(t, int64(2), cfg.MaxConcurrentBuilds)
	assert.True(t, cfg.LogPretty)
	assert.NoError(t, cfg.RequireDatabase())
	assert.NoError(t, cfg.RequireStorage())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero refresh interval", map[string]string{"CATALOG_REFRESH_INTERVAL": "0s"}},
		{"negative sweep interval", map[string]string{"HOUSEKEEPING_INTERVAL": "-1m"}},
		{"negative build limit", map[string]string{"MAX_CONCURRENT_BUILDS": "-1"}},
		{"zero rate limit", map[string]string{"BUILD_RATE_LIMIT": "0"}},
		{"malformed duration", map[string]string{"STATUS_DEBOUNCE": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(context.Background(), envconfig.MapLookuper(tt.env))
			assert.Error(t, err)
		})
	}
}
