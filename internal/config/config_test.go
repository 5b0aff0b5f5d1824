package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestDefaultConfig_Accessors(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, int64(1<<20), cfg.MaxFrameSize())
	assert.Equal(t, 5*time.Second, cfg.MatchWindow())
	assert.Equal(t, 10*time.Minute, cfg.OptimizeInterval())
	assert.Equal(t, 7*24*time.Hour, cfg.DeepCleanWindow())
	assert.Equal(t, 24*time.Hour, cfg.MaxStale())
	assert.Equal(t, 24*time.Hour, cfg.MessageTTL())
	assert.Equal(t, 10*time.Minute, cfg.RoomTTL())
	assert.Equal(t, 30*time.Minute, cfg.UserTTL())
	assert.Equal(t, 5*time.Minute, cfg.MembershipTTL())
	assert.Equal(t, 3*time.Second, cfg.BaseDelay())
	assert.Equal(t, 30*time.Second, cfg.MaxDelay())
	assert.Equal(t, 30*time.Second, cfg.HealthInterval())
	assert.Equal(t, 10*time.Second, cfg.SubscribeTimeout())
}

func TestMustDuration_InvalidIsZero(t *testing.T) {
	assert.Zero(t, mustDuration(""))
	assert.Zero(t, mustDuration("soon"))
}

func TestConfig_PathsUnderStateDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/chat"

	assert.Equal(t, filepath.Join("/var/lib/chat", "cache.db"), cfg.DBPath())
	assert.Equal(t, filepath.Join("/var/lib/chat", "session.json"), cfg.TokenPath())
}

func TestConfig_ExplicitPathsWin(t *testing.T) {
	t.Setenv("HOME", "/home/testuser")

	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/chat"
	cfg.Cache.DBPath = "~/db/chat.db"
	cfg.Backend.TokenFile = "/etc/chat/session.json"

	assert.Equal(t, "/home/testuser/db/chat.db", cfg.DBPath())
	assert.Equal(t, "/etc/chat/session.json", cfg.TokenPath())
}

func TestConfig_DefaultStateDir(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, filepath.Join(DefaultDataDir(), dbFileName), cfg.DBPath())
}
