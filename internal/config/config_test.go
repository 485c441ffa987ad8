package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dataDir, configDir := t.TempDir(), t.TempDir()

	cfg, err := Load(viper.New(), dataDir, configDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "vpnward.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(dataDir, "clients"), cfg.ClientDir)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 60*time.Second, cfg.ErrorBackoff)
	assert.Equal(t, 4, cfg.MetricsEvery)
	assert.Equal(t, 10, cfg.SweepEvery)
	assert.Equal(t, 10*time.Second, cfg.MinSession)
	assert.Equal(t, 720*time.Hour, cfg.MetricsRetention)
	assert.Empty(t, cfg.APIListen)
	assert.False(t, cfg.Debug())
}

func TestLoadFileAndEnv(t *testing.T) {
	dataDir, configDir := t.TempDir(), t.TempDir()
	content := "tick_interval = \"15s\"\nmin_session = \"5s\"\nlog_level = \"debug\"\napi_listen = \"127.0.0.1:8080\"\n"
	require.NoError(t, os.WriteFile(FilePath(configDir), []byte(content), 0o600))
	t.Setenv("VPNWARD_SWEEP_EVERY", "3")

	cfg, err := Load(viper.New(), dataDir, configDir)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.MinSession)
	assert.Equal(t, 3, cfg.SweepEvery)
	assert.Equal(t, "127.0.0.1:8080", cfg.APIListen)
	assert.True(t, cfg.Debug())
}

func TestLoadExplicitFileMissing(t *testing.T) {
	v := viper.New()
	v.Set("config", filepath.Join(t.TempDir(), "nope.toml"))

	_, err := Load(v, t.TempDir(), t.TempDir())
	assert.Error(t, err)
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := viper.New()
	v.Set(KeyMetricsEvery, 0)

	_, err := Load(v, t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyMetricsEvery)
}

func TestWriteRoundTrip(t *testing.T) {
	dataDir, configDir := t.TempDir(), t.TempDir()
	cfg, err := Load(viper.New(), dataDir, configDir)
	require.NoError(t, err)
	cfg.TickInterval = 45 * time.Second

	path := FilePath(configDir)
	require.NoError(t, Write(path, cfg, false))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, toml.Unmarshal(data, &doc))
	assert.Equal(t, "45s", doc.TickInterval)

	reloaded, err := Load(viper.New(), dataDir, configDir)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, reloaded.TickInterval)

	assert.Error(t, Write(path, cfg, false), "refuses to overwrite")
	assert.NoError(t, Write(path, cfg, true))
}
