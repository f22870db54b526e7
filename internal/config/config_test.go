package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  addr: ":9090"
database:
  driver: gorm
  dsn: "postgres://ledger@localhost/ledger"
credits:
  timezone: "Europe/Berlin"
  batch_concurrency: 4
  retry:
    base_delay: 250ms
scheduler:
  enabled: true
  mode: queue
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Credits.BatchConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.Credits.Retry.BaseDelay)
	assert.Equal(t, uint64(3), cfg.Credits.Retry.MaxRetries)
	assert.Equal(t, 3, cfg.Credits.Jobs.MaxAttempts)
	assert.Equal(t, "queue", cfg.Scheduler.Mode)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvSchedulerSecret, "from-env")
	t.Setenv(EnvJWTSecret, "jwt-env")
	t.Setenv(EnvDatabaseDSN, "file:env.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.SchedulerSecret)
	assert.Equal(t, "jwt-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "file:env.db", cfg.Database.DSN)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = DriverMongo
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Credits.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Server.Mode = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Scheduler.Mode = "cron"
	assert.Error(t, cfg.Validate())
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/creditledger.yaml")
	assert.Equal(t, "flag.yaml", ResolveConfigPath(" flag.yaml "))
	assert.Equal(t, "/etc/creditledger.yaml", ResolveConfigPath(""))
}
