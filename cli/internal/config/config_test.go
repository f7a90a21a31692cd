package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	common "github.com/nimbus-baas/nimbus-stack/common/config"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, common.DriverAMQP, cfg.Broker.Driver)
	assert.Equal(t, "nimbus.events", cfg.Broker.Exchange)
	assert.Equal(t, 10*time.Second, cfg.Broker.RPCTimeout)
	assert.Equal(t, 2*time.Second, cfg.Realtime.Timeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Seeder.Count)
	assert.Contains(t, cfg.Seeder.EventTypes, "storage")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  driver: nats
  url: nats://broker:4222
realtime:
  url: http://realtime:8092
  token: from-file
seeder:
  count: 5
  event_types: [auth]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, common.DriverNATS, cfg.Broker.Driver)
	assert.Equal(t, "nats://broker:4222", cfg.Broker.URL)
	assert.Equal(t, "http://realtime:8092", cfg.Realtime.URL)
	assert.Equal(t, "from-file", cfg.Realtime.Token)
	assert.Equal(t, 5, cfg.Seeder.Count)
	assert.Equal(t, []string{"auth"}, cfg.Seeder.EventTypes)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nimbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte("realtime:\n  token: from-file\n"), 0o600))
	t.Setenv("NIMBUS_REALTIME_TOKEN", "from-env")
	t.Setenv("NIMBUS_BROKER_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Realtime.Token)
	assert.Equal(t, common.DriverMemory, cfg.Broker.Driver)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
