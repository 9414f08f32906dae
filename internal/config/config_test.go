package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIGNING_BASE_URL", "")
	t.Setenv("DB_HOST", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3000", cfg.Signing.BaseURL)
	assert.Equal(t, 7*24*time.Hour, cfg.Signing.TokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Signing.DocumentTTL)
	assert.Equal(t, 1024, cfg.Audit.QueueSize)
	assert.Empty(t, cfg.Database.Host)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SIGNING_BASE_URL", "https://sign.example.com")
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("SIGNING_TOKEN_TTL", "48h")
	t.Setenv("DB_MAX_CONNS", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://sign.example.com", cfg.Signing.BaseURL)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 48*time.Hour, cfg.Signing.TokenTTL)
	assert.Equal(t, int32(25), cfg.Database.MaxConns)
}

func TestValidate(t *testing.T) {
	t.Setenv("SIGNING_TIMEZONE", "Not/AZone")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("SIGNING_TIMEZONE", "UTC")
	t.Setenv("HTTP_PORT", "70000")
	_, err = Load()
	require.Error(t, err)
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "signing", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/signing?sslmode=disable", d.DSN())
}
