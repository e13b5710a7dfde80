// SPDX-License-Identifier: Unlicense OR MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 4096, cfg.Machine.Frames)
	assert.Equal(t, 64, cfg.Machine.MaxEnvs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Development)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	t.Setenv("COWFORK_MACHINE_FRAMES", "256")
	t.Setenv("COWFORK_MACHINE_MAX_ENVS", "8")
	t.Setenv("COWFORK_LOG_LEVEL", "debug")
	t.Setenv("COWFORK_LOG_DEV", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Machine.Frames)
	assert.Equal(t, 8, cfg.Machine.MaxEnvs)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("COWFORK_MACHINE_FRAMES", "16")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformed(t *testing.T) {
	t.Setenv("COWFORK_MACHINE_MAX_ENVS", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadFileOverlaysEnvironment(t *testing.T) {
	t.Setenv("COWFORK_LOG_LEVEL", "warn")
	path := filepath.Join(t.TempDir(), "machine.toml")
	data := "[machine]\nframes = 512\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Machine.Frames)
	assert.Equal(t, 64, cfg.Machine.MaxEnvs)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[machine]\nmax_envs = 4096\n"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Machine.MaxEnvs = 0
	assert.Error(t, cfg.Validate())
	cfg.Machine.MaxEnvs = 1024
	assert.NoError(t, cfg.Validate())
	cfg.Machine.MaxEnvs = 1025
	assert.Error(t, cfg.Validate())
}
