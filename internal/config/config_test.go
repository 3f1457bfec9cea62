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

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8095, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Pipeline.BatchSize)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.ProgressMaxAge)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.LockTTL)
	require.NoError(t, cfg.Validate())

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "data/leastwatched.db", cfg.Database.Path)
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9000
logging:
  level: debug
  file: /var/log/leastwatched.log
pipeline:
  batch_size: 10
  batch_delay: 250ms
  schedule: "0 3 * * *"
folders:
  paths: [/data/movies, /data/tv]
sonarr:
  - name: main
    url: http://sonarr:8989
    api_key: abc
radarr:
  - name: main
    url: http://radarr:7878
    api_key: def
    enabled: false
emby:
  - name: home
    url: http://emby:8096
    api_key: ghi
    user_id: u1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 10, cfg.Logging.MaxSizeMB)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.BatchDelay)
	assert.Equal(t, 4, cfg.Pipeline.ScoreWorkers)
	assert.Equal(t, "0 3 * * *", cfg.Pipeline.Schedule)
	assert.Equal(t, []string{"/data/movies", "/data/tv"}, cfg.Folders.Paths)

	require.Len(t, cfg.Sonarr, 1)
	assert.True(t, cfg.Sonarr[0].IsEnabled())
	require.Len(t, cfg.Radarr, 1)
	assert.False(t, cfg.Radarr[0].IsEnabled())
	require.Len(t, cfg.Emby, 1)
	assert.Equal(t, "u1", cfg.Emby[0].UserID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 0
pipeline:
  batch_size: -1
sonarr:
  - name: main
  - name: main
  - url: http://x
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "batch_size")
	assert.Contains(t, err.Error(), `duplicate name "main"`)
	assert.Contains(t, err.Error(), "sonarr[2].name is required")

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.Error(t, err)
}

func TestPathFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/leastwatched/config.yaml")

	assert.Equal(t, "/etc/leastwatched/config.yaml", Path(""))
	assert.Equal(t, "local.yaml", Path("local.yaml"))
}
