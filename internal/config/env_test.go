package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides_AllSet(t *testing.T) {
	t.Setenv(EnvConfig, "/tmp/chat.toml")
	t.Setenv(EnvBackendURL, "https://project.example.test")
	t.Setenv(EnvStateDir, "/tmp/state")

	env := ReadEnvOverrides()
	assert.Equal(t, "/tmp/chat.toml", env.ConfigPath)
	assert.Equal(t, "https://project.example.test", env.BackendURL)
	assert.Equal(t, "/tmp/state", env.StateDir)
}

func TestReadEnvOverrides_NoneSet(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvBackendURL, "")
	t.Setenv(EnvStateDir, "")

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}
