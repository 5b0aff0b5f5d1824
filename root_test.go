package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chatsync/internal/config"
	"github.com/tonimelisma/chatsync/internal/model"
)

// Global flag reset pattern: newRootCmd() binds flags via StringVar/BoolVar,
// which reset the global flag variables to their zero values. Tests either
// set globals after newRootCmd() returns or let Cobra parse them via runCLI.

// runCLI executes the root command with args and returns what the command
// wrote to its output. Environment overrides are cleared so the host's
// CHATSYNC_* variables cannot leak in.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvBackendURL, "")
	t.Setenv(config.EnvStateDir, "")

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--quiet"}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

// writeConfigFile writes content to a config.toml in a temp dir.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// --- logging ---

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		cfgLevel string
		verbose  bool
		quiet    bool
		want     slog.Level
	}{
		{"default", "info", false, false, slog.LevelInfo},
		{"config debug", "debug", false, false, slog.LevelDebug},
		{"config warn", "warn", false, false, slog.LevelWarn},
		{"config error", "error", false, false, slog.LevelError},
		{"verbose beats config", "error", true, false, slog.LevelDebug},
		{"quiet beats config", "debug", false, true, slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldVerbose, oldQuiet := flagVerbose, flagQuiet
			t.Cleanup(func() { flagVerbose, flagQuiet = oldVerbose, oldQuiet })

			flagVerbose, flagQuiet = tt.verbose, tt.quiet

			cfg := config.DefaultConfig()
			cfg.Logging.LogLevel = tt.cfgLevel

			assert.Equal(t, tt.want, logLevel(cfg))
		})
	}
}

func TestLogLevel_NilConfig(t *testing.T) {
	oldVerbose, oldQuiet := flagVerbose, flagQuiet
	t.Cleanup(func() { flagVerbose, flagQuiet = oldVerbose, oldQuiet })

	flagVerbose, flagQuiet = false, false

	assert.Equal(t, slog.LevelInfo, logLevel(nil))
}

func TestUseJSONLogs(t *testing.T) {
	var buf bytes.Buffer

	assert.True(t, useJSONLogs(&buf, "json"))
	assert.False(t, useJSONLogs(&buf, "text"))
	assert.True(t, useJSONLogs(&buf, "auto"), "non-terminal writers get JSON")
}

func TestBuildLogger_LevelVarChangesInPlace(t *testing.T) {
	var buf bytes.Buffer

	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)

	logger := buildLogger(&buf, level, "json")

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	level.Set(slog.LevelDebug)
	logger.Debug("shown", slog.String("k", "v"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

// --- config commands ---

func TestConfigShow_AppliesOverrides(t *testing.T) {
	path := writeConfigFile(t, "[backend]\nurl = \"https://file.example.co\"\n")
	stateDir := t.TempDir()

	out, err := runCLI(t, "--config", path, "--state-dir", stateDir, "config", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "# source: "+path)
	assert.Contains(t, out, "https://file.example.co")
	assert.Contains(t, out, stateDir)

	out, err = runCLI(t, "--config", path, "--backend", "https://cli.example.co", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "https://cli.example.co")
	assert.NotContains(t, out, "https://file.example.co")
}

func TestConfigShow_JSON(t *testing.T) {
	path := writeConfigFile(t, "[prefetch]\npage_size = 20\n")

	out, err := runCLI(t, "--config", path, "--json", "config", "show")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, 20, cfg.Prefetch.PageSize)
}

func TestLoadConfig_RejectsRelativeStateDir(t *testing.T) {
	_, err := runCLI(t, "--config", filepath.Join(t.TempDir(), "none.toml"), "--state-dir", "relative/dir", "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state_dir")
}

func TestLoadConfig_UnknownKeySuggestion(t *testing.T) {
	path := writeConfigFile(t, "[cache]\nmax_entry = 10\n")

	_, err := runCLI(t, "--config", path, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "max_entries"`)
}

func TestConfigInit_WritesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	// config init skips resolution, so an invalid override does not block it.
	out, err := runCLI(t, "--config", path, "--state-dir", "relative", "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)

	_, err = runCLI(t, "--config", path, "config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	// The written template loads cleanly.
	_, err = config.Load(path)
	assert.NoError(t, err)
}

// --- stats and clean ---

// seedCache stores rooms and counters in the cache under stateDir the way
// an earlier watch would have.
func seedCache(t *testing.T, cfgPath, stateDir string, rooms int) {
	t.Helper()

	cfg, err := config.LoadOrDefault(cfgPath)
	require.NoError(t, err)

	cfg.StateDir = stateDir

	sess, err := openCacheSession(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	for i := range rooms {
		sess.Cache.Put(model.Room{ID: string(rune('a' + i)), Name: "room"}, true)
	}

	sess.Stats.RecordHit(2048)
	sess.Stats.RecordHit(1024)
	sess.Stats.RecordMiss()
	sess.SaveStats = true

	require.NoError(t, sess.Close())
}

func TestStatsCommand_JSON(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()
	seedCache(t, cfgPath, stateDir, 3)

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "--json", "stats")
	require.NoError(t, err)

	var r statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))

	assert.Equal(t, int64(2), r.Hits)
	assert.Equal(t, int64(1), r.Misses)
	assert.InDelta(t, 2.0/3, r.HitRate, 1e-9)
	assert.Equal(t, int64(3072), r.BytesSaved)
	assert.Equal(t, 3, r.Entries["room"])
	assert.Zero(t, r.Entries["message"])
	assert.Equal(t, filepath.Join(stateDir, "cache.db"), r.DBPath)
	assert.Positive(t, r.DBSize)
	assert.Nil(t, r.LastOptimizedAt)
}

func TestStatsCommand_Table(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()
	seedCache(t, cfgPath, stateDir, 1)

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "stats")
	require.NoError(t, err)

	assert.Contains(t, out, "66.6%")
	assert.Contains(t, out, "3.0 KiB")
	assert.Contains(t, out, "Cached rooms")
	assert.Contains(t, out, "never")
}

func TestStatsCommand_Prometheus(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()
	seedCache(t, cfgPath, stateDir, 0)

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "stats", "--prometheus")
	require.NoError(t, err)

	assert.Contains(t, out, "chatsync_cache_hits_total 2")
	assert.Contains(t, out, "chatsync_cache_misses_total 1")
	assert.Contains(t, out, "# TYPE chatsync_cache_hit_ratio gauge")
}

func TestStatsCommand_Reset(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()
	seedCache(t, cfgPath, stateDir, 1)

	_, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "stats", "--reset")
	require.NoError(t, err)

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "--json", "stats")
	require.NoError(t, err)

	var r statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Zero(t, r.Hits)
	assert.Zero(t, r.Misses)
	assert.Equal(t, 1, r.Entries["room"], "reset keeps cached entries")
}

func TestStatsCommand_ResetRefusedWhileWatching(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()

	cleanup, err := writePIDFile(filepath.Join(stateDir, watchPIDFileName))
	require.NoError(t, err)

	defer cleanup()

	_, err = runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "stats", "--reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is running")
}

func TestCleanCommand_DeepTrimsToBudget(t *testing.T) {
	cfgPath := writeConfigFile(t, "[cache]\ndeep_clean_budget = 1\n")
	stateDir := t.TempDir()
	seedCache(t, cfgPath, stateDir, 3)

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "--json", "clean", "--deep")
	require.NoError(t, err)

	var res struct {
		Policy    string `json:"policy"`
		Removed   int    `json:"removed"`
		Remaining int    `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))

	assert.Equal(t, "deepClean", res.Policy)
	assert.Equal(t, 2, res.Removed)
	assert.Equal(t, 1, res.Remaining)

	// Only the optimize pass stamps the persisted stats.
	_, err = runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "clean")
	require.NoError(t, err)

	out, err = runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "--json", "stats")
	require.NoError(t, err)

	var r statsReport
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.NotNil(t, r.LastOptimizedAt)
	assert.Equal(t, 1, r.Entries["room"])
}

func TestCleanCommand_NothingToEvict(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")
	stateDir := t.TempDir()

	out, err := runCLI(t, "--config", cfgPath, "--state-dir", stateDir, "clean")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 entries (0 B), 0 remaining.")
}

// --- commands needing a session ---

func TestSendCommand_NotSignedIn(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")

	_, err := runCLI(t, "--config", cfgPath, "--state-dir", t.TempDir(),
		"--backend", "https://proj.example.co", "send", "room-1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not signed in")
}

func TestHistoryCommand_RejectsNegativeOffset(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")

	_, err := runCLI(t, "--config", cfgPath, "--state-dir", t.TempDir(), "history", "room-1", "--offset", "-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestReloadCommand_NoWatcher(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "none.toml")

	_, err := runCLI(t, "--config", cfgPath, "--state-dir", t.TempDir(), "reload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running watch")
}
