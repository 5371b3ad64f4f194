package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  sqlite_path: /tmp/wesal.db
jwt:
  secret: s3cret
sessions:
  idle_ttl: 2h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.IdleTTL)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.ReapInterval)
	assert.Equal(t, 24*time.Hour, cfg.Pairing.CodeTTL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
jwt:
  secret: from-file
log:
  level: debug
`)
	t.Setenv("WESAL_JWT_SECRET", "from-env")
	t.Setenv("WESAL_PAIRING_CODE_TTL", "30m")
	t.Setenv("WESAL_PUSH_APNS_TEAM_ID", "TEAM")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Minute, cfg.Pairing.CodeTTL)
	assert.Equal(t, "TEAM", cfg.Push.APNs.TeamID)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("WESAL_JWT_SECRET", "x")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "secret is required")

	cfg.JWT.Secret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())
}
