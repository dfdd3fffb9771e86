package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted in CYCLE_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
)

// Config holds all configuration for the cycle engine. The backend is
// selected once at startup; there is no per-call dispatch.
type Config struct {
	Backend string

	PostgresDSN string

	BadgerPath string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	CacheTTL      time.Duration
	CacheCapacity int

	LogLevel    string
	Environment string
	Port        string
}

// Load reads configuration from environment variables and a .env file (if
// present). godotenv.Load never overrides variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Backend = strings.ToLower(os.Getenv("CYCLE_BACKEND"))
	if cfg.Backend == "" {
		cfg.Backend = BackendPostgres
	}

	switch cfg.Backend {
	case BackendPostgres:
		cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is not set")
		}
	case BackendBadger:
		cfg.BadgerPath = os.Getenv("BADGER_PATH")
		if cfg.BadgerPath == "" {
			return nil, fmt.Errorf("BADGER_PATH is not set")
		}
	case BackendRedis:
		cfg.RedisHost = os.Getenv("REDIS_HOST")
		if cfg.RedisHost == "" {
			cfg.RedisHost = "localhost"
		}
		cfg.RedisPort = os.Getenv("REDIS_PORT")
		if cfg.RedisPort == "" {
			cfg.RedisPort = "6379"
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

		if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
			db, err := strconv.Atoi(dbStr)
			if err != nil {
				return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
			}
			cfg.RedisDB = db
		}
	default:
		return nil, fmt.Errorf("unknown CYCLE_BACKEND %q (must be postgres, badger or redis)", cfg.Backend)
	}

	cfg.CacheTTL = 6 * time.Hour
	if ttlStr := os.Getenv("CACHE_TTL"); ttlStr != "" {
		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = ttl
	}

	cfg.CacheCapacity = 10000
	if capStr := os.Getenv("CACHE_CAPACITY"); capStr != "" {
		capacity, err := strconv.Atoi(capStr)
		if err != nil || capacity <= 0 {
			return nil, fmt.Errorf("invalid CACHE_CAPACITY %q", capStr)
		}
		cfg.CacheCapacity = capacity
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	return cfg, nil
}
