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
	// Equivalent of t.Chdir (Go 1.24+) for the Go 1.21 toolchain.
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Database.URL)
	assert.Equal(t, "contentflow.events", cfg.Redis.Channel)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, uint64(3), cfg.Audit.MaxRetries)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
sweep:
  interval: 30s
  workers: 2
directory:
  editor: [bob, carol]
  legal: [dana]
`), 0o600))
	t.Setenv("CONTENTFLOW_DATABASE_URL", "postgres://localhost/contentflow")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.Equal(t, 2, cfg.Sweep.Workers)
	assert.Equal(t, "postgres://localhost/contentflow", cfg.Database.URL)
	assert.Equal(t, []string{"bob", "carol"}, cfg.Directory["editor"])
	assert.Equal(t, []string{"dana"}, cfg.Directory["legal"])
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "server.port")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
