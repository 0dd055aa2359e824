package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ffrt-go/ffrt/internal/config"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestResolveDefaults(t *testing.T) {
	cfg := config.Resolve(
		config.WithEnvLookup(lookup(nil)),
		config.WithAllowListPath(""),
	)
	assert.Equal(t, logiface.LevelInformational, cfg.LogLevel)
	assert.Empty(t, cfg.PathHardware)
	assert.False(t, cfg.Verbose)
}

func TestResolveLogLevel(t *testing.T) {
	cfg := config.Resolve(
		config.WithEnvLookup(lookup(map[string]string{"FFRT_LOG_LEVEL": "4"})),
		config.WithAllowListPath(""),
	)
	assert.Equal(t, logiface.LevelTrace, cfg.LogLevel)
}

func TestResolveInvalidLogLevelFallsBack(t *testing.T) {
	cfg := config.Resolve(
		config.WithEnvLookup(lookup(map[string]string{"FFRT_LOG_LEVEL": "not-a-number"})),
		config.WithAllowListPath(""),
	)
	assert.Equal(t, logiface.LevelInformational, cfg.LogLevel)
}

func TestResolvePathHardware(t *testing.T) {
	cfg := config.Resolve(
		config.WithEnvLookup(lookup(map[string]string{"FFRT_PATH_HARDWARE": "/sys/devices/system/cpu"})),
		config.WithAllowListPath(""),
	)
	assert.Equal(t, "/sys/devices/system/cpu", cfg.PathHardware)
}

func TestAllowListMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nmyservice\nother\n"), 0o644))

	cfg := config.Resolve(
		config.WithEnvLookup(lookup(nil)),
		config.WithAllowListPath(path),
		config.WithProcessName("/usr/bin/myservice"),
	)
	assert.True(t, cfg.Verbose)
}

func TestAllowListNoMatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allow.txt")
	require.NoError(t, os.WriteFile(path, []byte("unrelated\n"), 0o644))

	cfg := config.Resolve(
		config.WithEnvLookup(lookup(nil)),
		config.WithAllowListPath(path),
		config.WithProcessName("/usr/bin/myservice"),
	)
	assert.False(t, cfg.Verbose)
}

func TestAllowListMissingFile(t *testing.T) {
	cfg := config.Resolve(
		config.WithEnvLookup(lookup(nil)),
		config.WithAllowListPath("/nonexistent/path/allow.txt"),
		config.WithProcessName("anything"),
	)
	assert.False(t, cfg.Verbose)
}
