package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Auth
	JWTSecret string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config. Redis backs tenant rate limiting and idempotent
	// submission; when disabled those features are skipped.
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Connection registry limits
	MaxSessionsPerUser   int
	MaxSessionsPerTenant int
	FrameRateLimit       int
	FrameRateWindow      time.Duration
	FrameRateCooldown    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration

	// Delivery coordinator
	PollInterval time.Duration
	BatchSize    int

	// HTTP tenant rate limiting
	TenantRateLimit  int
	TenantRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		JWTSecret: "pulse-dev-secret",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pulse",
		DBPassword: "",
		DBName:     "pulse",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		MaxSessionsPerUser:   5,
		MaxSessionsPerTenant: 1000,
		FrameRateLimit:       100,
		FrameRateWindow:      60 * time.Second,
		FrameRateCooldown:    60 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     300 * time.Second,

		PollInterval: 5 * time.Second,
		BatchSize:    25,

		TenantRateLimit:  300,
		TenantRateWindow: 60 * time.Second,
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWTSecret = secret
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_ENABLED: %w", err)
		}
		cfg.RedisEnabled = b
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"PORT", &cfg.Port},
		{"DB_PORT", &cfg.DBPort},
		{"REDIS_PORT", &cfg.RedisPort},
		{"REDIS_DB", &cfg.RedisDB},
		{"MAX_SESSIONS_PER_USER", &cfg.MaxSessionsPerUser},
		{"MAX_SESSIONS_PER_TENANT", &cfg.MaxSessionsPerTenant},
		{"FRAME_RATE_LIMIT", &cfg.FrameRateLimit},
		{"DELIVERY_BATCH_SIZE", &cfg.BatchSize},
		{"TENANT_RATE_LIMIT", &cfg.TenantRateLimit},
	}
	for _, v := range intVars {
		if raw := os.Getenv(v.name); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", v.name, err)
			}
			*v.dst = n
		}
	}

	durationVars := []struct {
		name string
		dst  *time.Duration
	}{
		{"FRAME_RATE_WINDOW", &cfg.FrameRateWindow},
		{"FRAME_RATE_COOLDOWN", &cfg.FrameRateCooldown},
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"HEARTBEAT_TIMEOUT", &cfg.HeartbeatTimeout},
		{"DELIVERY_POLL_INTERVAL", &cfg.PollInterval},
		{"TENANT_RATE_WINDOW", &cfg.TenantRateWindow},
	}
	for _, v := range durationVars {
		if raw := os.Getenv(v.name); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", v.name, err)
			}
			*v.dst = d
		}
	}

	return cfg, nil
}
