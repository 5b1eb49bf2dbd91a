package configs

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Config struct {
	ServerPort        string
	DatabaseDriver    string
	DatabaseURL       string
	ReadDatabaseURLs  []string
	RedisURL          string
	AdminPassword     string
	AdminPasswordHash string
	AllowedOrigins    []string
	CacheTTL          time.Duration
	ActiveWindow      time.Duration
	MaxBodyBytes      int64
	GinMode           string
	LogLevel          string
}

var ErrNoAdminSecret = errors.New("ADMIN_PASSWORD or ADMIN_PASSWORD_HASH must be set")

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		DatabaseDriver:    strings.ToLower(getEnv("DATABASE_DRIVER", DriverMySQL)),
		DatabaseURL:       getEnv("DATABASE_URL", "root:password@tcp(localhost:3306)/backupmaster_telemetry?charset=utf8mb4&parseTime=True&loc=Local"),
		ReadDatabaseURLs:  parseList(getEnv("READ_DATABASE_URLS", "")),
		RedisURL:          getEnv("REDIS_URL", ""),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
		AdminPasswordHash: os.Getenv("ADMIN_PASSWORD_HASH"),
		AllowedOrigins:    parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:8000")),
		CacheTTL:          parseDuration(getEnv("CACHE_TTL", "30s"), 30*time.Second),
		ActiveWindow:      parseDuration(getEnv("ACTIVE_WINDOW", "720h"), 30*24*time.Hour),
		MaxBodyBytes:      parseInt64(getEnv("MAX_BODY_BYTES", "1048576"), 1<<20),
		GinMode:           getEnv("GIN_MODE", "release"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if cfg.AdminPassword == "" && cfg.AdminPasswordHash == "" {
		return nil, ErrNoAdminSecret
	}
	if cfg.DatabaseDriver != DriverMySQL && cfg.DatabaseDriver != DriverMemory {
		return nil, errors.New("DATABASE_DRIVER must be mysql or memory")
	}

	return cfg, nil
}

// Debug reports whether internal error detail may be returned to callers.
func (c *Config) Debug() bool {
	return c.GinMode == "debug"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseInt64(s string, fallback int64) int64 {
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
