package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSettingsDefaultsWhenFileMissing(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), *s)
}

func TestLoadSettingsFromYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
global_settings:
  min_interval: 5
  max_interval: 10
  hourly_limit: 20
rotation:
  strategy: smart
  time_per_rotation: 60
ingest:
  shutdown_policy: flush
`)

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 5, s.Global.MinInterval)
	assert.Equal(t, 10, s.Global.MaxInterval)
	assert.Equal(t, 20, s.Global.HourlyLimit)
	assert.Equal(t, RotationSmart, s.Rotation.Strategy)
	assert.Equal(t, 60, s.Rotation.TimePerRotation)
	assert.Equal(t, ShutdownFlush, s.Ingest.ShutdownPolicy)
	// 未配置的字段保留默认值
	assert.Equal(t, 30, s.Global.SendTimeout)
	assert.Equal(t, 5*time.Second, s.SettleWindow())
}

func TestLoadSettingsEnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "global_settings:\n  hourly_limit: 20\n")
	t.Setenv("HOURLY_LIMIT", "99")
	t.Setenv("ROTATION_STRATEGY", "TIME")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 99, s.Global.HourlyLimit)
	assert.Equal(t, RotationTime, s.Rotation.Strategy)
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", "global_settings:\n  nope: 1\n"},
		{"bad strategy", "rotation:\n  strategy: random\n"},
		{"max below min", "global_settings:\n  min_interval: 10\n  max_interval: 5\n"},
		{"zero hourly limit", "global_settings:\n  hourly_limit: 0\n"},
		{"bad shutdown policy", "ingest:\n  shutdown_policy: keep\n"},
		{"probability out of range", "rotation:\n  probability: 1.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", tt.content)
			_, err := LoadSettings(path)
			require.Error(t, err)
		})
	}
}

func TestLoadSettingsRejectsBadEnv(t *testing.T) {
	t.Setenv("MIN_INTERVAL", "abc")
	_, err := LoadSettings("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MIN_INTERVAL")
}

func TestParseOwnerIDs(t *testing.T) {
	ids, err := parseOwnerIDs("123, 456,,789")
	require.NoError(t, err)
	assert.Equal(t, []int64{123, 456, 789}, ids)

	_, err = parseOwnerIDs("12a")
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "token")
	t.Setenv("BOT_OWNER_IDS", "1,2")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("MONGO_DB_NAME", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "token", cfg.TelegramToken)
	assert.Equal(t, []int64{1, 2}, cfg.BotOwnerIDs)
	assert.Equal(t, "tg_forwarder", cfg.MongoDBName)
	assert.Equal(t, 10*time.Second, cfg.MongoTimeout)
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), ".env", "TG_FORWARDER_TEST_VALUE=from-file\n")
	t.Setenv("TG_FORWARDER_TEST_VALUE", "")
	os.Unsetenv("TG_FORWARDER_TEST_VALUE")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("TG_FORWARDER_TEST_VALUE"))

	require.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestStoreReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "global_settings:\n  hourly_limit: 10\n")

	initial, err := LoadSettings(path)
	require.NoError(t, err)
	store := NewStore(*initial)

	writeFile(t, dir, "config.yaml", "global_settings:\n  hourly_limit: 0\n")
	_, err = store.Reload(path)
	require.Error(t, err)
	assert.Equal(t, 10, store.Current().Global.HourlyLimit)

	writeFile(t, dir, "config.yaml", "global_settings:\n  hourly_limit: 40\n")
	next, err := store.Reload(path)
	require.NoError(t, err)
	assert.Equal(t, 40, next.Global.HourlyLimit)
	assert.Equal(t, 40, store.Current().Global.HourlyLimit)
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "global_settings:\n  hourly_limit: 10\n")

	notified := make(chan string, 4)
	w := NewWatcher([]string{path}, 50*time.Millisecond, func(p string) { notified <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// 给 watcher 注册目录留出时间
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.yaml", "global_settings:\n  hourly_limit: 20\n")
	writeFile(t, dir, "other.txt", "ignored")

	select {
	case got := <-notified:
		assert.Equal(t, path, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected reload notification")
	}

	cancel()
	require.NoError(t, <-done)
}
