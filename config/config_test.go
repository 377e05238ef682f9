package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	dataDir := t.TempDir()

	first, firstPath, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "config.json"), firstPath)
	assert.NotEmpty(t, first.Ident)
	assert.NotEmpty(t, first.Hostname)
	assert.Equal(t, first.Hostname, first.DisplayName)
	assert.Equal(t, DefaultPort, first.Port)
	assert.Equal(t, DefaultAuthPort, first.AuthPort)
	assert.Equal(t, DefaultGroupCode, first.GroupCode)
	assert.Equal(t, "info", first.LogLevel)
	assert.True(t, first.SameSubnetOnly)
	assert.Equal(t, DefaultHistoryRetentionDays, first.HistoryRetentionDays)
	assert.Equal(t, filepath.Join(dataDir, "keys", "server.key"), first.KeyPath)
	assert.Equal(t, filepath.Join(dataDir, "keys", "server.crt"), first.CertPath)
	require.NoError(t, first.Validate())

	info, err := os.Stat(filepath.Join(dataDir, "keys"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	second, secondPath, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	assert.Equal(t, firstPath, secondPath)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateResolvesDataDirFromEnv(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv(DataDirEnv, dataDir)

	_, path, err := LoadOrCreate("")
	require.NoError(t, err)
	assert.Equal(t, ConfigPath(dataDir), path)
}

func TestLoadOrCreateKeepsExistingValues(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(dataDir))

	existing := &DeviceConfig{
		Ident:      "fixed-ident",
		Hostname:   "box",
		Port:       50000,
		AuthPort:   0,
		SaveDir:    filepath.Join(dataDir, "inbox"),
		AutoAccept: true,
	}
	require.NoError(t, Save(ConfigPath(dataDir), existing))

	cfg, _, err := LoadOrCreate(dataDir)
	require.NoError(t, err)
	assert.Equal(t, "fixed-ident", cfg.Ident)
	assert.Equal(t, "box", cfg.DisplayName)
	assert.Equal(t, 50000, cfg.Port)
	assert.Zero(t, cfg.AuthPort, "zero auth port disables registration")
	assert.True(t, cfg.AutoAccept)
	assert.Equal(t, filepath.Join(dataDir, "inbox"), cfg.SaveDir)
	assert.Equal(t, DefaultGroupCode, cfg.GroupCode)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dataDir := t.TempDir()
	_, path, err := LoadOrCreate(dataDir)
	require.NoError(t, err)

	t.Setenv("GOWARP_PORT", "43000")
	t.Setenv("GOWARP_AUTO_ACCEPT", "true")
	t.Setenv("GOWARP_GROUP_CODE", "office")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 43000, cfg.Port)
	assert.True(t, cfg.AutoAccept)
	assert.Equal(t, "office", cfg.GroupCode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	valid := DeviceConfig{
		Ident:    "id",
		Port:     42000,
		AuthPort: 42001,
		SaveDir:  "/tmp/in",
		LogLevel: "debug",
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*DeviceConfig){
		"no ident":      func(c *DeviceConfig) { c.Ident = "" },
		"port range":    func(c *DeviceConfig) { c.Port = 70000 },
		"same ports":    func(c *DeviceConfig) { c.AuthPort = c.Port },
		"no save dir":   func(c *DeviceConfig) { c.SaveDir = " " },
		"bad log level": func(c *DeviceConfig) { c.LogLevel = "loud" },
		"negative port": func(c *DeviceConfig) { c.Port = -1 },
	} {
		cfg := valid
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
