package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30, cfg.Server.RateLimitMax)
	assert.Equal(t, time.Minute, cfg.Server.RateLimitWindow)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.FileLocks)
	assert.Equal(t, 500*time.Millisecond, cfg.Watcher.SettleDelay)
	assert.Equal(t, 150*time.Millisecond, cfg.Watcher.CoalesceWindow)
	assert.Equal(t, 3, cfg.Watcher.MaxDepth)
	assert.Equal(t, 64, cfg.Hub.QueueSize)
	assert.Equal(t, 5*time.Second, cfg.Hub.WriteTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Viewer.BaseURL)
	assert.Equal(t, "memory://", cfg.Viewer.StateDSN)
	assert.Equal(t, 10, cfg.Viewer.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Viewer.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Viewer.MaxDelay)
	assert.Equal(t, 10*time.Second, cfg.Viewer.ServerDownDelay)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "novelsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
storage:
  data_dir: ${NOVELSYNC_TEST_ROOT:/srv/novels}
watcher:
  settle_delay: 2s
hub:
  origin_patterns: ["reader.example"]
log:
  level: debug
`), 0o644))

	t.Setenv("NOVELSYNC_WATCHER_SETTLE_DELAY", "750ms")
	t.Setenv("NOVELSYNC_LOG_FORMAT", "json")

	fs := pflag.NewFlagSet("novelsync", pflag.ContinueOnError)
	RegisterServerFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--log-format", "text", "--queue-size", "8"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr, "file beats default")
	assert.Equal(t, "/srv/novels", cfg.Storage.DataDir, "placeholder default applies")
	assert.Equal(t, 750*time.Millisecond, cfg.Watcher.SettleDelay, "env beats file")
	assert.Equal(t, "text", cfg.Log.Format, "flag beats env")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Hub.QueueSize)
	assert.Equal(t, []string{"reader.example"}, cfg.Hub.OriginPatterns)
}

func TestUnsetFlagsDoNotOverride(t *testing.T) {
	t.Setenv("NOVELSYNC_SERVER_ADDR", ":7000")
	fs := pflag.NewFlagSet("novelsync", pflag.ContinueOnError)
	RegisterServerFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestLoadViewerFlags(t *testing.T) {
	fs := pflag.NewFlagSet("novelsync-viewer", pflag.ContinueOnError)
	RegisterViewerFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--server", "https://novels.example",
		"--state-dsn", "file:///var/lib/novelsync/view.json",
		"--max-attempts", "3",
		"--server-down-delay", "2s",
	}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "https://novels.example", cfg.Viewer.BaseURL)
	assert.Equal(t, "file:///var/lib/novelsync/view.json", cfg.Viewer.StateDSN)
	assert.Equal(t, 3, cfg.Viewer.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Viewer.ServerDownDelay)
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("viewer:\n  max_attempts: 4\n"), 0o644))
	t.Setenv("NOVELSYNC_CONFIG", path)

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Viewer.MaxAttempts)
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("NOVELSYNC_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load(nil)
		assert.Error(t, err)
	})
	t.Run("bad format", func(t *testing.T) {
		t.Setenv("NOVELSYNC_LOG_FORMAT", "xml")
		_, err := Load(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
	t.Run("bad delays", func(t *testing.T) {
		t.Setenv("NOVELSYNC_VIEWER_MAX_DELAY", "10ms")
		_, err := Load(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("NOVELSYNC_TEST_SET", "value")
	assert.Equal(t, "a value b", expandEnv("a ${NOVELSYNC_TEST_SET} b"))
	assert.Equal(t, "fallback", expandEnv("${NOVELSYNC_TEST_UNSET:fallback}"))
	assert.Equal(t, "${NOVELSYNC_TEST_UNSET}", expandEnv("${NOVELSYNC_TEST_UNSET}"))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	logger.WithField("username", "alice").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"username":"alice"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
