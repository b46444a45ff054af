package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WorkerPoolSize)
	assert.Equal(t, 5, cfg.FiscalMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.DeltaOverlap())
	assert.Equal(t, 20*time.Second, cfg.PrinterTimeout())
}

func TestLoadKiosk_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"server_url: http://pos.example:8000/\n"+
			"db_path: /var/lib/kiosk/kiosk.db\n"+
			"http_timeout: 3s\n"+
			"offline_after: 4\n"), 0o600))
	t.Setenv("KIOSK_LOCAL_FISCAL", "true")

	cfg, err := LoadKiosk(path)
	require.NoError(t, err)
	assert.Equal(t, "http://pos.example:8000", cfg.ServerURL)
	assert.Equal(t, "/var/lib/kiosk/kiosk.db", cfg.DBPath)
	assert.Equal(t, 3*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 4, cfg.OfflineAfter)
	assert.Equal(t, 1, cfg.OnlineAfter)
	assert.True(t, cfg.LocalFiscal)
}

func TestLoadKiosk_MissingFile(t *testing.T) {
	_, err := LoadKiosk(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
