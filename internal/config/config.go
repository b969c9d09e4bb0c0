package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string

	// Redis is the distributed cache/counter tier. An empty address means
	// Redis is not configured and the in-process cache is used alone.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	// AlertURL is a shoutrrr destination notified on critical incidents.
	// Empty disables push alerts.
	AlertURL string

	Detection Detection
	Blocking  Blocking
}

// Detection holds the anomaly-detection thresholds and counting window.
type Detection struct {
	WindowMinutes       int
	RateLimitThreshold  int
	SignatureThreshold  int
	BruteForceThreshold int
	UnauthThreshold     int

	BulkSelectThreshold int
	BulkInsertThreshold int
	BulkUpdateThreshold int
	BulkDeleteThreshold int
}

// Blocking holds the adaptive-blocker tuning knobs.
type Blocking struct {
	CoolingPeriodDays  int
	CacheTTLSeconds    int
	CacheTTLMinSeconds int
	SweepSchedule      string
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	cfg := Config{
		Environment:   getEnv("AEGIS_ENV", "development"),
		HTTPPort:      getEnv("AEGIS_HTTP_PORT", "8080"),
		DatabasePath:  getEnv("AEGIS_DB_PATH", filepath.Join("data", "aegis.db")),
		RedisAddr:     getEnv("AEGIS_REDIS_ADDR", ""),
		RedisPassword: getEnv("AEGIS_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("AEGIS_REDIS_DB", 0),
		JWTSecret:     getEnv("AEGIS_JWT_SECRET", ""),
		AlertURL:      getEnv("AEGIS_ALERT_URL", ""),
		Detection: Detection{
			WindowMinutes:       getEnvInt("AEGIS_WINDOW_MINUTES", 10),
			RateLimitThreshold:  getEnvInt("AEGIS_THRESHOLD_RATELIMIT", 5),
			SignatureThreshold:  getEnvInt("AEGIS_THRESHOLD_SIGNATURE", 3),
			BruteForceThreshold: getEnvInt("AEGIS_THRESHOLD_BRUTEFORCE", 10),
			UnauthThreshold:     getEnvInt("AEGIS_THRESHOLD_UNAUTH", 5),
			BulkSelectThreshold: getEnvInt("AEGIS_BULK_SELECT_THRESHOLD", 100),
			BulkInsertThreshold: getEnvInt("AEGIS_BULK_INSERT_THRESHOLD", 50),
			BulkUpdateThreshold: getEnvInt("AEGIS_BULK_UPDATE_THRESHOLD", 50),
			BulkDeleteThreshold: getEnvInt("AEGIS_BULK_DELETE_THRESHOLD", 10),
		},
		Blocking: Blocking{
			CoolingPeriodDays:  getEnvInt("AEGIS_COOLING_PERIOD_DAYS", 30),
			CacheTTLSeconds:    getEnvInt("AEGIS_CACHE_TTL_SECONDS", 300),
			CacheTTLMinSeconds: getEnvInt("AEGIS_CACHE_TTL_MIN_SECONDS", 60),
			SweepSchedule:      getEnv("AEGIS_SWEEP_SCHEDULE", "@every 5m"),
		},
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}

	return fallback
}
