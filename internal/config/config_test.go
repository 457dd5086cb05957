package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvcoi/getmux/internal/downloader"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GETMUX_CONFIG_FILE", "")

	opts, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, downloader.DefaultOptions(), opts)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
output_dir: /tmp/videos
merge: false
concurrency: 8
retry_delay: 250ms
max_retry_delay: 3s
rate_limit: 1048576
player: mpv --really-quiet
`)

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/videos", opts.OutputDir)
	assert.False(t, opts.Merge)
	assert.Equal(t, 8, opts.Concurrency)
	assert.Equal(t, 250*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 3*time.Second, opts.MaxRetryDelay)
	assert.Equal(t, int64(1048576), opts.RateLimit)
	assert.Equal(t, "mpv --really-quiet", opts.PlayerCommand)
	assert.Equal(t, 5, opts.MaxRetries, "unset keys keep their defaults")
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "concurrency: 8\noverwrite: false\n")
	t.Setenv("GETMUX_CONCURRENCY", "2")
	t.Setenv("GETMUX_OVERWRITE", "true")
	t.Setenv("GETMUX_TIMEOUT", "1m")

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, opts.Concurrency)
	assert.True(t, opts.Overwrite)
	assert.Equal(t, time.Minute, opts.Timeout)
}

func TestLoad_FakeHeaders(t *testing.T) {
	path := writeConfig(t, `
fake_headers:
  User-Agent: Mozilla/5.0 (Test)
  X-Client: tv
`)

	opts, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"User-Agent": "Mozilla/5.0 (Test)",
		"X-Client":   "tv",
	}, opts.FakeHeaders)

	t.Setenv("GETMUX_FAKE_HEADERS", "X-Token:abc,Origin:example.com")
	opts, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"X-Token": "abc",
		"Origin":  "example.com",
	}, opts.FakeHeaders)
}

func TestLoad_ConfigFileFromEnvironment(t *testing.T) {
	path := writeConfig(t, "dry_run: true\n")
	t.Setenv("GETMUX_CONFIG_FILE", path)

	opts, err := Load("")
	require.NoError(t, err)
	assert.True(t, opts.DryRun)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeConfig(t, "colour: blue\n"))
		require.Error(t, err)
	})
	t.Run("missing explicit file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})
	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv("GETMUX_MAX_RETRIES", "lots")
		_, err := Load(writeConfig(t, ""))
		require.Error(t, err)
	})
	t.Run("invalid value", func(t *testing.T) {
		_, err := Load(writeConfig(t, "concurrency: -3\n"))
		require.Error(t, err)
		assert.Equal(t, downloader.CategoryInvalidInput, downloader.CategoryOf(err))
	})
}
