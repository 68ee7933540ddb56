package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, DriverMongo, cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.OpenAI.Timeout)
	assert.Equal(t, 25*time.Second, cfg.OpenAI.InteractiveTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Worker.Interval)
	assert.Equal(t, 15*time.Minute, cfg.Worker.MaxRun)
	assert.Equal(t, QueueMemory, cfg.Worker.Queue)
	assert.True(t, cfg.Worker.PurgeStaleSiblings)
	assert.InDelta(t, 0.7, cfg.OpenAI.Temperature, 1e-9)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := `
jwt:
  secret: file-secret
database:
  driver: sqlite
  path: /tmp/plans.db
openai:
  model: gpt-4o
  timeout: 45s
worker:
  interval: 30s
  chain_limit: 3
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "file-secret", cfg.JWT.Secret)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/plans.db", cfg.Database.Path)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, 45*time.Second, cfg.OpenAI.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Worker.Interval)
	assert.Equal(t, 3, cfg.Worker.ChainLimit)
}

func TestValidate(t *testing.T) {
	valid := Config{
		JWT:      JWTConfig{Secret: "s"},
		Database: DatabaseConfig{Driver: DriverMemory},
		OpenAI:   OpenAIConfig{Timeout: time.Second, InteractiveTimeout: time.Second},
		Worker:   WorkerConfig{Enabled: true, Queue: QueueMemory, Interval: time.Second, MaxRun: time.Minute},
	}
	require.NoError(t, valid.Validate())

	noSecret := valid
	noSecret.JWT.Secret = ""
	assert.Error(t, noSecret.Validate())

	badDriver := valid
	badDriver.Database.Driver = "postgres"
	assert.ErrorContains(t, badDriver.Validate(), "database.driver")

	badQueue := valid
	badQueue.Worker.Queue = "kafka"
	assert.ErrorContains(t, badQueue.Validate(), "worker.queue")

	noWorker := valid
	noWorker.Worker.Enabled = false
	assert.ErrorContains(t, noWorker.Validate(), "worker.queue=nats")
	noWorker.Worker.Queue = QueueNATS
	assert.NoError(t, noWorker.Validate())

	badTimeout := valid
	badTimeout.OpenAI.Timeout = 0
	assert.Error(t, badTimeout.Validate())
}
