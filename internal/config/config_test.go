package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMapboxToken = "pk.test-token"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Contains(t, cfg.DatabaseURL, "postgres://")
	assert.Equal(t, "job.yaml", cfg.JobFile)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 10000, cfg.IDCacheSize)
	assert.Empty(t, cfg.DAPBaseURL)
	assert.Equal(t, 60*time.Second, cfg.DAPTimeout)
	assert.Equal(t, 3, cfg.DAPRetryMax)
	assert.InDelta(t, 5.0, cfg.DAPRateLimit, 0)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.NotifyEnabled())
	assert.Equal(t, "forecast-runs", cfg.KafkaTopic)
	assert.False(t, cfg.MapboxEnabled)
	assert.Empty(t, cfg.MapboxToken)
	assert.Equal(t, 5*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 1000, cfg.MapboxCacheSize)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/wx")
	t.Setenv("JOB_FILE", "/etc/forecastd/rap.yaml")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("ID_CACHE_SIZE", "500")
	t.Setenv("DAP_BASE_URL", "http://mirror.test/dods")
	t.Setenv("DAP_TIMEOUT", "2m")
	t.Setenv("DAP_RETRY_MAX", "0")
	t.Setenv("DAP_RATE_LIMIT", "0.5")
	t.Setenv("KAFKA_BROKERS", "broker1:9092, broker2:9092")
	t.Setenv("KAFKA_TOPIC", "runs")
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_TIMEOUT", "10s")
	t.Setenv("MAPBOX_CACHE_SIZE", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/wx", cfg.DatabaseURL)
	assert.Equal(t, "/etc/forecastd/rap.yaml", cfg.JobFile)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 500, cfg.IDCacheSize)
	assert.Equal(t, "http://mirror.test/dods", cfg.DAPBaseURL)
	assert.Equal(t, 2*time.Minute, cfg.DAPTimeout)
	assert.Equal(t, 0, cfg.DAPRetryMax)
	assert.InDelta(t, 0.5, cfg.DAPRateLimit, 0)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.NotifyEnabled())
	assert.Equal(t, "runs", cfg.KafkaTopic)
	assert.True(t, cfg.MapboxEnabled)
	assert.Equal(t, testMapboxToken, cfg.MapboxToken)
	assert.Equal(t, 10*time.Second, cfg.MapboxTimeout)
	assert.Equal(t, 500, cfg.MapboxCacheSize)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"SHUTDOWN_TIMEOUT", "not-a-duration", "SHUTDOWN_TIMEOUT"},
		{"SHUTDOWN_TIMEOUT", "-1s", "SHUTDOWN_TIMEOUT"},
		{"DAP_TIMEOUT", "0s", "DAP_TIMEOUT"},
		{"DAP_RETRY_MAX", "-1", "DAP_RETRY_MAX"},
		{"DAP_RATE_LIMIT", "fast", "DAP_RATE_LIMIT"},
		{"ID_CACHE_SIZE", "0", "ID_CACHE_SIZE"},
		{"MAPBOX_TIMEOUT", "bad", "MAPBOX_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MapboxEnabledWithoutToken(t *testing.T) {
	t.Setenv("MAPBOX_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAPBOX_TOKEN")
}

func TestLoad_MapboxTokenImpliesEnabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.MapboxEnabled)
}

func TestLoad_MapboxExplicitlyDisabled(t *testing.T) {
	t.Setenv("MAPBOX_TOKEN", testMapboxToken)
	t.Setenv("MAPBOX_ENABLED", "false")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.MapboxEnabled)
}
