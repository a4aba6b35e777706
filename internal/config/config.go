// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rossigee/reelforge/internal/retry"
)

// Object storage backends
const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

// Config holds all service settings
type Config struct {
	Env  string
	Host string
	Port string

	// DatabaseURL selects PostgreSQL when it is a postgres:// URL; otherwise
	// jobs are kept in the SQLite database at DBPath
	DatabaseURL     string
	DBPath          string
	PGMaxConns      int32
	AutoMigrate     bool
	ShutdownTimeout time.Duration

	StorageBackend string
	StoragePath    string
	PublicBaseURL  string

	GeneratorURL      string
	GeneratorAPIKey   string
	GeneratorTimeout  time.Duration
	GeneratorRetry    retry.Config
	SyntheticLatency  time.Duration
	JobTimeout        time.Duration
	JobMaxPerWake     int
	StaleRunningAfter time.Duration
	StaleSweepEvery   time.Duration

	StreamPollInterval time.Duration
	StreamKeepAlive    time.Duration

	JWTSecret     string
	JWTIssuer     string
	APITokensFile string
	CORSOrigins   []string
}

// LoadDotEnv preloads variables from env files. Variables already set in the
// environment win. Missing files are an error only when named explicitly.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		paths = []string{".env"}
	}
	if err := godotenv.Load(paths...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Host: getEnv("HOST", "0.0.0.0"),
		Port: getEnv("PORT", "8080"),

		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBPath:          getEnv("DB_PATH", "reelforge.db"),
		PGMaxConns:      int32(p.int("PG_MAX_CONNS", 10)),
		AutoMigrate:     p.bool("DB_AUTO_MIGRATE", true),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageLocal)),
		StoragePath:    getEnv("STORAGE_PATH", "data/files"),
		PublicBaseURL:  strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),

		GeneratorURL:     os.Getenv("GENERATOR_URL"),
		GeneratorAPIKey:  os.Getenv("GENERATOR_API_KEY"),
		GeneratorTimeout: p.duration("GENERATOR_TIMEOUT", 2*time.Minute),
		GeneratorRetry: retry.ParseConfig(
			os.Getenv("GENERATOR_RETRY_ATTEMPTS"),
			os.Getenv("GENERATOR_RETRY_BACKOFF_MS"),
			retry.DefaultConfig,
		),
		SyntheticLatency:  p.duration("SYNTHETIC_LATENCY", 0),
		JobTimeout:        p.duration("JOB_TIMEOUT", 10*time.Minute),
		JobMaxPerWake:     p.int("JOB_MAX_PER_WAKE", 25),
		StaleRunningAfter: p.duration("STALE_RUNNING_AFTER", 0),
		StaleSweepEvery:   p.duration("STALE_SWEEP_INTERVAL", 0),

		StreamPollInterval: p.duration("STREAM_POLL_INTERVAL", 500*time.Millisecond),
		StreamKeepAlive:    p.duration("STREAM_KEEPALIVE", 15*time.Second),

		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     getEnv("JWT_ISSUER", "reelforge"),
		APITokensFile: os.Getenv("API_TOKENS_FILE"),
		CORSOrigins:   splitList(os.Getenv("CORS_ORIGINS")),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageLocal, StorageMinio:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageLocal, StorageMinio, c.StorageBackend)
	}
	if c.IsProduction() && c.JWTSecret == "" && c.APITokensFile == "" {
		return errors.New("JWT_SECRET or API_TOKENS_FILE is required in production")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.New("JWT_SECRET must be at least 32 bytes")
	}
	if c.JobMaxPerWake <= 0 {
		return errors.New("JOB_MAX_PER_WAKE must be positive")
	}
	return nil
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsePostgres reports whether DatabaseURL names a PostgreSQL database
func (c *Config) UsePostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parser collects conversion errors so every bad variable is reported at once
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not an integer", key, raw))
		return fallback
	}
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a boolean", key, raw))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s: %q is not a duration", key, raw))
		return fallback
	}
	return v
}
