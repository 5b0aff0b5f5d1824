// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for chatsync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
//
// Durations are kept as Go duration strings and sizes as human-readable
// strings, exactly as written in the file; Validate guarantees they parse,
// and the typed accessors below convert them.
package config

import (
	"path/filepath"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	StateDir  string          `toml:"state_dir"`
	Backend   BackendConfig   `toml:"backend"`
	Cache     CacheConfig     `toml:"cache"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Channel   ChannelConfig   `toml:"channel"`
	Prefetch  PrefetchConfig  `toml:"prefetch"`
	Logging   LoggingConfig   `toml:"logging"`
}

// BackendConfig locates the managed backend and the signed-in session.
type BackendConfig struct {
	URL            string `toml:"url"`
	RealtimeURL    string `toml:"realtime_url"`
	APIKey         string `toml:"api_key"`
	TokenFile      string `toml:"token_file"`
	RequestTimeout string `toml:"request_timeout"`
	UserAgent      string `toml:"user_agent"`
	MaxFrameSize   string `toml:"max_frame_size"`
}

// CacheConfig sizes the local entity cache and its expiry policy.
type CacheConfig struct {
	DBPath           string `toml:"db_path"`
	MaxEntries       int    `toml:"max_entries"`
	DeepCleanBudget  int    `toml:"deep_clean_budget"`
	DeepCleanWindow  string `toml:"deep_clean_window"`
	MaxStale         string `toml:"max_stale"`
	MessageTTL       string `toml:"message_ttl"`
	RoomTTL          string `toml:"room_ttl"`
	UserTTL          string `toml:"user_ttl"`
	MembershipTTL    string `toml:"membership_ttl"`
	OptimizeInterval string `toml:"optimize_interval"`
	WriteQueueSize   int    `toml:"write_queue_size"`
}

// ReconcileConfig tunes optimistic-send matching.
type ReconcileConfig struct {
	MatchWindow string `toml:"match_window"`
}

// ChannelConfig tunes realtime reconnection.
type ChannelConfig struct {
	BaseDelay        string `toml:"base_delay"`
	MaxDelay         string `toml:"max_delay"`
	MaxAttempts      int    `toml:"max_attempts"`
	HealthInterval   string `toml:"health_interval"`
	SubscribeTimeout string `toml:"subscribe_timeout"`
}

// PrefetchConfig throttles speculative fetches.
type PrefetchConfig struct {
	Rate     float64 `toml:"rate"`
	Burst    int     `toml:"burst"`
	PageSize int     `toml:"page_size"`
}

// LoggingConfig controls log output behavior: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	BackendURL *string // --backend flag
	StateDir   *string // --state-dir flag
}

// mustDuration parses a duration that Validate has already accepted. An
// empty or unparsable value yields zero, which callers treat as "default".
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}

	return d
}

// RequestTimeout returns backend.request_timeout.
func (c *Config) RequestTimeout() time.Duration { return mustDuration(c.Backend.RequestTimeout) }

// MaxFrameSize returns backend.max_frame_size in bytes.
func (c *Config) MaxFrameSize() int64 {
	n, err := ParseSize(c.Backend.MaxFrameSize)
	if err != nil {
		return 0
	}

	return n
}

// MatchWindow returns reconcile.match_window.
func (c *Config) MatchWindow() time.Duration { return mustDuration(c.Reconcile.MatchWindow) }

// OptimizeInterval returns cache.optimize_interval. Zero disables the
// background optimizer.
func (c *Config) OptimizeInterval() time.Duration { return mustDuration(c.Cache.OptimizeInterval) }

// TTL accessors for the cache sections.
func (c *Config) DeepCleanWindow() time.Duration { return mustDuration(c.Cache.DeepCleanWindow) }
func (c *Config) MaxStale() time.Duration        { return mustDuration(c.Cache.MaxStale) }
func (c *Config) MessageTTL() time.Duration      { return mustDuration(c.Cache.MessageTTL) }
func (c *Config) RoomTTL() time.Duration         { return mustDuration(c.Cache.RoomTTL) }
func (c *Config) UserTTL() time.Duration         { return mustDuration(c.Cache.UserTTL) }
func (c *Config) MembershipTTL() time.Duration   { return mustDuration(c.Cache.MembershipTTL) }

// Channel accessors.
func (c *Config) BaseDelay() time.Duration        { return mustDuration(c.Channel.BaseDelay) }
func (c *Config) MaxDelay() time.Duration         { return mustDuration(c.Channel.MaxDelay) }
func (c *Config) HealthInterval() time.Duration   { return mustDuration(c.Channel.HealthInterval) }
func (c *Config) SubscribeTimeout() time.Duration { return mustDuration(c.Channel.SubscribeTimeout) }

// DBPath returns the cache database path: cache.db_path if set, otherwise
// cache.db under the state directory.
func (c *Config) DBPath() string {
	if c.Cache.DBPath != "" {
		return expandTilde(c.Cache.DBPath)
	}

	return filepath.Join(c.stateDir(), dbFileName)
}

// TokenPath returns the session file path: backend.token_file if set,
// otherwise session.json under the state directory.
func (c *Config) TokenPath() string {
	if c.Backend.TokenFile != "" {
		return expandTilde(c.Backend.TokenFile)
	}

	return filepath.Join(c.stateDir(), tokenFileName)
}

func (c *Config) stateDir() string {
	if c.StateDir != "" {
		return expandTilde(c.StateDir)
	}

	return DefaultDataDir()
}
