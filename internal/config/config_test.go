package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestValidateRejectsMissingPaths(t *testing.T) {
	cfg := GlobalConfig{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest path")
	assert.Contains(t, err.Error(), "lock path")
}

func TestSubstituteHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, home+"/.cache/witdeps", SubstituteHome("~/.cache/witdeps"))
	assert.Equal(t, "/absolute/path", SubstituteHome("/absolute/path"))
	assert.Equal(t, "", SubstituteHome(""))
}

func TestReadFileMissingReturnsSentinel(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.json"), DefaultConfig())
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestReadFileMergesOntoBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witdeps.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "debug"}`), 0o644))

	merged, err := ReadFile(path, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "debug", merged.LogLevel)
	assert.Equal(t, DefaultConfig().ManifestPath, merged.ManifestPath)
}

func TestReadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witdeps.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bogus": true}`), 0o644))

	_, err := ReadFile(path, DefaultConfig())
	require.Error(t, err)
}

func TestLoadFallsBackToDefaultsWhenNoFileExists(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadHonorsExplicitConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cache_dir": "/tmp/custom-cache"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-cache", cfg.CacheDir)
}
