package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	path := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Server.Port)
	assert.Equal(t, 5001, cfg.Scheduler.SignalPort)
	assert.Equal(t, "5002", cfg.SSE.Port)
	assert.Equal(t, 2, cfg.Scheduler.MaxParallelTasks)
	assert.Equal(t, 3, cfg.Scheduler.FastPollSeconds)
	assert.Equal(t, 60, cfg.Scheduler.LongPollSeconds)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, cfg.Scheduler.MaxParallelTasks, cfg.Executor.TrackWorkers)
	assert.Equal(t, "https://amp-api.music.apple.com", cfg.API.BaseURL)
	assert.Equal(t, "cn", cfg.API.DefaultStorefront)
	assert.Equal(t, "zh-Hans-CN", cfg.API.Storefronts["cn"])
	assert.Equal(t, "/Apple-Music-Downloader/{info}", cfg.Bark.Path)
	assert.Equal(t, 24*60, cfg.SearchCache.TTLMinutes)
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Root defaults to the parent of the config file's directory.
	root := filepath.Dir(filepath.Dir(path))
	assert.Equal(t, root, cfg.Paths.Root)
	assert.Equal(t, filepath.Join(root, "info/task_queue.json"), cfg.Paths.TaskQueue)
	assert.Equal(t, filepath.Join(root, "config/users.yaml"), cfg.Paths.Users)
	assert.True(t, filepath.IsAbs(cfg.Paths.CacheDir))
}

func TestLoadAbsolutePathsUntouched(t *testing.T) {
	path := writeConfig(t, `
paths:
  task_queue: /var/lib/amdl/task_queue.json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/amdl/task_queue.json", cfg.Paths.TaskQueue)
}

func TestLoadLegacyLogFilePath(t *testing.T) {
	path := writeConfig(t, "log_file_path: run/amdl.log\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Paths.Root, "run/amdl.log"), cfg.Paths.Logs)
}

func TestLoadRejectsUnknownDefaultStorefront(t *testing.T) {
	path := writeConfig(t, `
api:
  default_storefront: kr
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kr")
}

func TestLoadSMTPFromEnvironment(t *testing.T) {
	t.Setenv("SMTP_SERVER", "smtp.example.com")
	t.Setenv("SMTP_USERNAME", "amdl@example.com")
	t.Setenv("SMTP_PASSWORD", "secret")

	cfg, err := Load(writeConfig(t, "log_level: info\n"))
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", cfg.SMTP.Server)
	assert.Equal(t, "amdl@example.com", cfg.SMTP.Username)
	assert.Equal(t, "secret", cfg.SMTP.Password)
}

func TestLoadFileConfigBeatsEnvironment(t *testing.T) {
	t.Setenv("SMTP_SERVER", "env.example.com")

	cfg, err := Load(writeConfig(t, `
smtp:
  server: file.example.com
`))
	require.NoError(t, err)
	assert.Equal(t, "file.example.com", cfg.SMTP.Server)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, (&Config{LogLevel: in}).SlogLevel(), in)
	}
}

func TestEnsureDirs(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: info\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDirs())

	for _, p := range []string{
		filepath.Dir(cfg.Paths.TaskQueue),
		cfg.Paths.CacheDir,
	} {
		info, statErr := os.Stat(p)
		require.NoError(t, statErr)
		assert.True(t, info.IsDir())
	}
}
