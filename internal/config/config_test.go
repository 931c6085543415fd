package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "admin", cfg.Auth.DefaultAdmin)
	assert.True(t, cfg.IPTables.EnableIPv6)
	assert.Equal(t, 30*time.Second, cfg.IPTables.LockTimeout)
	assert.Equal(t, 3, cfg.IPTables.LockRetries)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iptablesd.yaml")
	content := `
server:
  port: 9000
iptables:
  enable_ipv6: false
  wait_seconds: 5
logging:
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("IPTABLESD_SERVER_PORT", "9100")
	t.Setenv("IPTABLESD_IPTABLES_LOCK_TIMEOUT", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.False(t, cfg.IPTables.EnableIPv6)
	assert.Equal(t, 5, cfg.IPTables.WaitSeconds)
	assert.Equal(t, 2*time.Second, cfg.IPTables.LockTimeout)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:    ServerConfig{Port: 8090, SessionSecret: "0123456789abcdef"},
			DataDir:   "d",
			ConfigDir: "c",
			Logging:   LoggingConfig{Format: "json"},
		}
	}
	require.NoError(t, base().Validate())

	c := base()
	c.Server.Port = 70000
	assert.Error(t, c.Validate())

	c = base()
	c.Server.SessionSecret = "short"
	assert.Error(t, c.Validate())

	c = base()
	c.IPTables.WaitSeconds = -1
	assert.Error(t, c.Validate())

	c = base()
	c.Logging.Format = "xml"
	assert.Error(t, c.Validate())
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{DataDir: filepath.Join(root, "data"), ConfigDir: filepath.Join(root, "configs")}
	require.NoError(t, cfg.EnsureDirs())

	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, filepath.Join(cfg.ConfigDir, "iptables"))
}
