package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ControlAPI.Host)
	assert.Equal(t, 8787, cfg.ControlAPI.Port)
	assert.Equal(t, 8788, cfg.Gateway.ListenPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.State.Path)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	content := []byte("control_api:\n  port: 9001\nlog:\n  level: debug\n")
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.ControlAPI.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
}
