package config

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/chat"
	cfg.Backend.URL = "https://project.example.test"
	cfg.Backend.APIKey = "anon-secret-1234"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(cfg, &buf))

	out := buf.String()
	assert.Contains(t, out, `state_dir = "/var/lib/chat"`)
	assert.Contains(t, out, `url             = "https://project.example.test"`)
	assert.Contains(t, out, `api_key         = "****1234"`)
	assert.NotContains(t, out, "anon-secret")
	assert.Contains(t, out, `db_path           = "/var/lib/chat/cache.db"`)
	assert.Contains(t, out, `token_file      = "/var/lib/chat/session.json"`)
	assert.Contains(t, out, "[reconcile]")
	assert.Contains(t, out, `match_window = "5s"`)
	assert.Contains(t, out, "max_attempts      = 5")
	assert.Contains(t, out, "rate      = 5")
	assert.Contains(t, out, `log_format = "auto"`)
	assert.NotContains(t, out, "realtime_url", "unset realtime_url is omitted")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(DefaultConfig(), failingWriter{})
	assert.EqualError(t, err, "disk full")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", maskSecret(""))
	assert.Equal(t, "****", maskSecret("abc"))
	assert.Equal(t, "****6789", maskSecret("0123456789"))
}
