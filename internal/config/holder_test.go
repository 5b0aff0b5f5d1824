package config

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_ConfigAndPath(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/chatsync/config.toml")

	assert.Same(t, cfg, h.Config())
	assert.Equal(t, "/etc/chatsync/config.toml", h.Path())
}

func TestHolder_Update(t *testing.T) {
	h := NewHolder(DefaultConfig(), "")

	next := DefaultConfig()
	next.Logging.LogLevel = "debug"
	h.Update(next)

	assert.Equal(t, "debug", h.Config().Logging.LogLevel)
}

func TestHolder_Reload(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")
	h := NewHolder(DefaultConfig(), path)

	cfg, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.LogLevel)
	assert.Same(t, cfg, h.Config())
}

func TestHolder_ReloadErrorKeepsCurrent(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")
	h := NewHolder(DefaultConfig(), path)

	_, err := h.Reload()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlog_level = \"loud\"\n"), 0o600))

	_, err = h.Reload()
	require.Error(t, err)
	assert.Equal(t, "warn", h.Config().Logging.LogLevel)
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	h := NewHolder(DefaultConfig(), "")

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)

		go func() {
			defer wg.Done()
			h.Update(DefaultConfig())
		}()

		go func() {
			defer wg.Done()
			assert.NotNil(t, h.Config())
		}()
	}

	wg.Wait()
}
