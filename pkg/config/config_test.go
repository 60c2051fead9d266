package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  backyard:
    host: 192.168.1.50
site:
  latitude: 40.0
  longitude: -105.0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dev, ok := cfg.Devices["backyard"]
	require.True(t, ok)
	assert.Equal(t, "192.168.1.50", dev.Host)
	assert.Equal(t, DefaultDeviceConfig().Port, dev.Port)
	assert.Equal(t, DefaultSchedulerConfig().CommandTimeout, cfg.Scheduler.CommandTimeout)
	assert.True(t, cfg.Startup.AutoFocus)
}

func TestLoad_RejectsMissingDevices(t *testing.T) {
	path := writeTempConfig(t, `
site:
  latitude: 40.0
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("BRIDGE_HOST", "10.0.0.5")
	path := writeTempConfig(t, `
devices:
  backyard:
    host: ${BRIDGE_HOST}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Devices["backyard"].Host)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoad_RejectsBadPort(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  backyard:
    host: 10.0.0.5
    port: 99999
`)
	_, err := Load(path)
	assert.Error(t, err)
}
