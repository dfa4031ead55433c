package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends understood by the server.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

const (
	defaultPort            = "8080"
	defaultBackend         = BackendMemory
	defaultRedisAddr       = "localhost:6379"
	defaultSessionTTL      = 24 * time.Hour
	defaultSnapThreshold   = 50.0
	defaultPersistInterval = time.Second
	defaultLogLevel        = "info"
	defaultAllowedOrigin   = "*"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the coordinator's runtime settings.
type Config struct {
	Port            string
	StorageBackend  string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DatabaseURL     string
	SessionTTL      time.Duration
	SnapThreshold   float64
	PersistInterval time.Duration
	LogLevel        string
	LogDev          bool
	AllowedOrigins  []string
}

// Load reads an optional .env file (missing files are fine) and then the process
// environment. Malformed numeric values are reported rather than silently defaulted.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:            getEnv("PORT", defaultPort),
		StorageBackend:  strings.ToLower(getEnv("STORAGE_BACKEND", defaultBackend)),
		RedisAddr:       getEnv("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		SessionTTL:      defaultSessionTTL,
		SnapThreshold:   defaultSnapThreshold,
		PersistInterval: defaultPersistInterval,
		LogLevel:        getEnv("LOG_LEVEL", defaultLogLevel),
		AllowedOrigins:  parseAllowedOrigins(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigin)),
	}

	var errs []error
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("REDIS_DB=%q", raw))
		}
		cfg.RedisDB = v
	}
	if raw := os.Getenv("SESSION_TTL"); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil || v < 0 {
			errs = append(errs, fmt.Errorf("SESSION_TTL=%q", raw))
		}
		cfg.SessionTTL = v
	}
	if raw := os.Getenv("SNAP_THRESHOLD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("SNAP_THRESHOLD=%q", raw))
		}
		cfg.SnapThreshold = v
	}
	if raw := os.Getenv("PERSIST_INTERVAL"); raw != "" {
		v, err := time.ParseDuration(raw)
		if err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("PERSIST_INTERVAL=%q", raw))
		}
		cfg.PersistInterval = v
	}
	if raw := os.Getenv("LOG_DEV"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_DEV=%q", raw))
		}
		cfg.LogDev = v
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements, e.g. a DSN for the postgres backend.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORAGE_BACKEND %q", ErrInvalidConfig, c.StorageBackend)
	}
	return nil
}

func (c Config) Addr() string { return ":" + strings.TrimPrefix(c.Port, ":") }

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}
