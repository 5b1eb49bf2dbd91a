package configs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "secret")
	t.Setenv("ALLOWED_ORIGINS", "")
	t.Setenv("CACHE_TTL", "")
	t.Setenv("DATABASE_DRIVER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, DriverMySQL, cfg.DatabaseDriver)
	assert.Equal(t, []string{"http://localhost:8000"}, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.ActiveWindow)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.False(t, cfg.Debug())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuv")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("READ_DATABASE_URLS", "r1,r2")
	t.Setenv("DATABASE_DRIVER", "MEMORY")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("MAX_BODY_BYTES", "not-a-number")
	t.Setenv("GIN_MODE", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, []string{"r1", "r2"}, cfg.ReadDatabaseURLs)
	assert.Equal(t, DriverMemory, cfg.DatabaseDriver)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.True(t, cfg.Debug())
}

func TestLoad_RequiresAdminSecret(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_PASSWORD_HASH", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrNoAdminSecret)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "secret")
	t.Setenv("DATABASE_DRIVER", "postgres")

	_, err := Load()
	assert.Error(t, err)
}
