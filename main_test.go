package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvcoi/getmux/internal/downloader"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("GETMUX_CONFIG_FILE", "")
	t.Setenv("NO_COLOR", "1")
}

func TestRun_DryRunPrintsURLs(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	code := run(t.Context(), []string{"getmux", "--dry-run", "-o", t.TempDir(), "http://example.test/a.flv", "http://example.test/b.flv"}, &stdout, &stderr)

	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "http://example.test/a.flv\nhttp://example.test/b.flv\n", stdout.String())
	assert.Contains(t, stderr.String(), "dry run, 2 urls")
	assert.Contains(t, stderr.String(), "Summary: OK 1")
}

func TestRun_NoInput(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	code := run(t.Context(), []string{"getmux"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "no url or --spec provided")
}

func TestRun_NoInputJSON(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	code := run(t.Context(), []string{"getmux", "--json"}, &stdout, &stderr)
	assert.Equal(t, 2, code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.Equal(t, "error", out["status"])
	assert.Equal(t, "invalid_input", out["category"])
}

func TestRun_BadLogLevel(t *testing.T) {
	isolateConfig(t)
	var stdout, stderr bytes.Buffer
	code := run(t.Context(), []string{"getmux", "--log-level", "loud", "http://example.test/a"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

func TestRun_SpecFile(t *testing.T) {
	isolateConfig(t)
	dir := t.TempDir()
	spec := filepath.Join(dir, "batch.yaml")
	content := strings.Join([]string{
		"title: one",
		"urls: [http://example.test/1.mp4]",
		"---",
		"title: two",
		"container: ts",
		"urls: [http://example.test/2.ts, http://example.test/3.ts]",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(spec, []byte(content), 0o644))

	var stdout, stderr bytes.Buffer
	code := run(t.Context(), []string{"getmux", "--dry-run", "--spec", spec}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, 3, strings.Count(stdout.String(), "http://example.test/"))
	assert.Contains(t, stderr.String(), "TOTAL 2")
}

func TestApplyHeaders(t *testing.T) {
	opts := downloader.DefaultOptions()
	opts.FakeHeaders = map[string]string{"Accept": "*/*"}
	require.NoError(t, applyHeaders([]string{"X-Token: abc", "Cookie:a=b; c=d"}, &opts))
	assert.Equal(t, map[string]string{
		"Accept":  "*/*",
		"X-Token": "abc",
		"Cookie":  "a=b; c=d",
	}, opts.FakeHeaders)

	err := applyHeaders([]string{"no separator"}, &opts)
	require.Error(t, err)
	assert.Equal(t, downloader.CategoryInvalidInput, downloader.CategoryOf(err))
}
