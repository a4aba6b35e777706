package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rossigee/reelforge/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"APP_ENV", "HOST", "PORT", "DATABASE_URL", "DB_PATH", "PG_MAX_CONNS", "DB_AUTO_MIGRATE",
	"SHUTDOWN_TIMEOUT", "STORAGE_BACKEND", "STORAGE_PATH", "PUBLIC_BASE_URL", "GENERATOR_URL",
	"GENERATOR_API_KEY", "GENERATOR_TIMEOUT", "GENERATOR_RETRY_ATTEMPTS", "GENERATOR_RETRY_BACKOFF_MS",
	"SYNTHETIC_LATENCY", "JOB_TIMEOUT", "JOB_MAX_PER_WAKE", "STALE_RUNNING_AFTER", "STALE_SWEEP_INTERVAL",
	"STREAM_POLL_INTERVAL", "STREAM_KEEPALIVE", "JWT_SECRET", "JWT_ISSUER", "API_TOKENS_FILE", "CORS_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.False(t, cfg.UsePostgres())
	assert.Equal(t, "reelforge.db", cfg.DBPath)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, StorageLocal, cfg.StorageBackend)
	assert.Equal(t, retry.DefaultConfig, cfg.GeneratorRetry)
	assert.Equal(t, 10*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 25, cfg.JobMaxPerWake)
	assert.Zero(t, cfg.StaleRunningAfter)
	assert.Equal(t, 500*time.Millisecond, cfg.StreamPollInterval)
	assert.Equal(t, 15*time.Second, cfg.StreamKeepAlive)
	assert.Equal(t, "reelforge", cfg.JWTIssuer)
	assert.Empty(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://reelforge@db:5432/reelforge")
	t.Setenv("PG_MAX_CONNS", "32")
	t.Setenv("STORAGE_BACKEND", "MinIO")
	t.Setenv("PUBLIC_BASE_URL", "https://media.example.com/")
	t.Setenv("GENERATOR_RETRY_ATTEMPTS", "5")
	t.Setenv("GENERATOR_RETRY_BACKOFF_MS", "100,200")
	t.Setenv("STALE_RUNNING_AFTER", "30m")
	t.Setenv("CORS_ORIGINS", "https://studio.example.com, http://localhost:5173,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.UsePostgres())
	assert.Equal(t, int32(32), cfg.PGMaxConns)
	assert.Equal(t, StorageMinio, cfg.StorageBackend)
	assert.Equal(t, "https://media.example.com", cfg.PublicBaseURL)
	assert.Equal(t, retry.Config{MaxAttempts: 5, Delays: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}}, cfg.GeneratorRetry)
	assert.Equal(t, 30*time.Minute, cfg.StaleRunningAfter)
	assert.Equal(t, []string{"https://studio.example.com", "http://localhost:5173"}, cfg.CORSOrigins)
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("JOB_TIMEOUT", "ten minutes")
	t.Setenv("PG_MAX_CONNS", "many")
	t.Setenv("DB_AUTO_MIGRATE", "sometimes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JOB_TIMEOUT")
	assert.Contains(t, err.Error(), "PG_MAX_CONNS")
	assert.Contains(t, err.Error(), "DB_AUTO_MIGRATE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown storage", mutate: func(c *Config) { c.StorageBackend = "s3" }, wantErr: "STORAGE_BACKEND"},
		{name: "production without credentials", mutate: func(c *Config) { c.Env = "production" }, wantErr: "required in production"},
		{name: "production with tokens file", mutate: func(c *Config) { c.Env = "production"; c.APITokensFile = "/etc/reelforge/tokens" }},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }, wantErr: "at least 32 bytes"},
		{name: "zero max per wake", mutate: func(c *Config) { c.JobMaxPerWake = 0 }, wantErr: "JOB_MAX_PER_WAKE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{StorageBackend: StorageLocal, JobMaxPerWake: 25}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=9090\nJOB_MAX_PER_WAKE=7\n"), 0o600))

	// t.Setenv registered cleanups for these keys; unset so godotenv fills them
	require.NoError(t, os.Unsetenv("PORT"))
	require.NoError(t, os.Unsetenv("JOB_MAX_PER_WAKE"))

	require.NoError(t, LoadDotEnv(path))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 7, cfg.JobMaxPerWake)

	assert.Error(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
