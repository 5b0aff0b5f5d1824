package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validation range constants.
const (
	minRequestTimeout = 1 * time.Second
	minFrameBytes     = 4 * kibibyte
	maxFrameBytes     = 64 * mebibyte
	minMaxEntries     = 10
	minMatchWindow    = 100 * time.Millisecond
	maxMatchWindow    = 5 * time.Minute
	minBaseDelay      = 100 * time.Millisecond
	maxAttemptsLimit  = 100
	minHealthInterval = 1 * time.Second
	minPageSize       = 1
	maxPageSize       = 1000
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.Backend)...)
	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateReconcile(&cfg.Reconcile)...)
	errs = append(errs, validateChannel(&cfg.Channel)...)
	errs = append(errs, validatePrefetch(&cfg.Prefetch)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the values that environment variables and CLI
// flags can change, after the override chain has been applied.
func ValidateResolved(cfg *Config) error {
	var errs []error

	errs = append(errs, validateURL("backend.url", cfg.Backend.URL, "http", "https")...)

	if cfg.StateDir != "" && !filepath.IsAbs(expandTilde(cfg.StateDir)) {
		errs = append(errs, fmt.Errorf("state_dir: must be absolute after expansion, got %q", cfg.StateDir))
	}

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error

	errs = append(errs, validateURL("backend.url", b.URL, "http", "https")...)
	errs = append(errs, validateURL("backend.realtime_url", b.RealtimeURL, "ws", "wss", "http", "https")...)
	errs = append(errs, validateDurationMin("backend.request_timeout", b.RequestTimeout, minRequestTimeout)...)

	n, err := ParseSize(b.MaxFrameSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("backend.max_frame_size: %w", err))
	case n < minFrameBytes || n > maxFrameBytes:
		errs = append(errs, fmt.Errorf("backend.max_frame_size: must be between 4KiB and 64MiB, got %s", b.MaxFrameSize))
	}

	return errs
}

// validateURL accepts an empty value; a set value must be absolute with
// one of the given schemes.
func validateURL(field, value string, schemes ...string) []error {
	if value == "" {
		return nil
	}

	u, err := url.Parse(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, value, err)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: URL %q has no host", field, value)}
	}

	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}

	return []error{fmt.Errorf("%s: scheme must be one of %v, got %q", field, schemes, u.Scheme)}
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if c.MaxEntries < minMaxEntries {
		errs = append(errs, fmt.Errorf("cache.max_entries: must be >= %d, got %d", minMaxEntries, c.MaxEntries))
	}

	if c.DeepCleanBudget < 1 || c.DeepCleanBudget > c.MaxEntries {
		errs = append(errs, fmt.Errorf("cache.deep_clean_budget: must be between 1 and max_entries (%d), got %d",
			c.MaxEntries, c.DeepCleanBudget))
	}

	if c.WriteQueueSize < 1 {
		errs = append(errs, fmt.Errorf("cache.write_queue_size: must be >= 1, got %d", c.WriteQueueSize))
	}

	errs = append(errs, validateDurationMin("cache.deep_clean_window", c.DeepCleanWindow, time.Minute)...)
	errs = append(errs, validateDurationNonNeg("cache.max_stale", c.MaxStale)...)
	errs = append(errs, validateDurationMin("cache.message_ttl", c.MessageTTL, time.Second)...)
	errs = append(errs, validateDurationMin("cache.room_ttl", c.RoomTTL, time.Second)...)
	errs = append(errs, validateDurationMin("cache.user_ttl", c.UserTTL, time.Second)...)
	errs = append(errs, validateDurationMin("cache.membership_ttl", c.MembershipTTL, time.Second)...)
	errs = append(errs, validateDurationNonNeg("cache.optimize_interval", c.OptimizeInterval)...)

	return errs
}

func validateReconcile(r *ReconcileConfig) []error {
	d, err := time.ParseDuration(r.MatchWindow)
	if err != nil {
		return []error{fmt.Errorf("reconcile.match_window: invalid duration %q: %w", r.MatchWindow, err)}
	}

	if d < minMatchWindow || d > maxMatchWindow {
		return []error{fmt.Errorf("reconcile.match_window: must be between %s and %s, got %s",
			minMatchWindow, maxMatchWindow, d)}
	}

	return nil
}

func validateChannel(c *ChannelConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("channel.base_delay", c.BaseDelay, minBaseDelay)...)
	errs = append(errs, validateDurationMin("channel.subscribe_timeout", c.SubscribeTimeout, time.Second)...)

	if base, err := time.ParseDuration(c.BaseDelay); err == nil {
		errs = append(errs, validateDurationMin("channel.max_delay", c.MaxDelay, base)...)
	}

	if c.MaxAttempts < 1 || c.MaxAttempts > maxAttemptsLimit {
		errs = append(errs, fmt.Errorf("channel.max_attempts: must be between 1 and %d, got %d",
			maxAttemptsLimit, c.MaxAttempts))
	}

	errs = append(errs, validateHealthInterval(c.HealthInterval)...)

	return errs
}

// validateHealthInterval accepts "0" (disabled) or at least one second.
func validateHealthInterval(value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("channel.health_interval: invalid duration %q: %w", value, err)}
	}

	if d != 0 && d < minHealthInterval {
		return []error{fmt.Errorf("channel.health_interval: must be 0 (disabled) or >= %s, got %s",
			minHealthInterval, d)}
	}

	return nil
}

func validatePrefetch(p *PrefetchConfig) []error {
	var errs []error

	if p.Rate <= 0 {
		errs = append(errs, fmt.Errorf("prefetch.rate: must be > 0, got %g", p.Rate))
	}

	if p.Burst < 1 {
		errs = append(errs, fmt.Errorf("prefetch.burst: must be >= 1, got %d", p.Burst))
	}

	if p.PageSize < minPageSize || p.PageSize > maxPageSize {
		errs = append(errs, fmt.Errorf("prefetch.page_size: must be between %d and %d, got %d",
			minPageSize, maxPageSize, p.PageSize))
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a minimum.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	return validateDurationMin(field, value, 0)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}
