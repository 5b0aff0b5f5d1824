package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated TOML
// summary to w. This powers "config show". The API key is masked.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration\n\n")
	ew.printf("state_dir = %q\n\n", cfg.stateDir())

	renderBackendSection(ew, cfg)
	renderCacheSection(ew, cfg)

	ew.printf("[reconcile]\n")
	ew.printf("  match_window = %q\n\n", cfg.Reconcile.MatchWindow)

	renderChannelSection(ew, &cfg.Channel)

	ew.printf("[prefetch]\n")
	ew.printf("  rate      = %g\n", cfg.Prefetch.Rate)
	ew.printf("  burst     = %d\n", cfg.Prefetch.Burst)
	ew.printf("  page_size = %d\n\n", cfg.Prefetch.PageSize)

	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderBackendSection(ew *errWriter, cfg *Config) {
	b := &cfg.Backend

	ew.printf("[backend]\n")
	ew.printf("  url             = %q\n", b.URL)

	if b.RealtimeURL != "" {
		ew.printf("  realtime_url    = %q\n", b.RealtimeURL)
	}

	ew.printf("  api_key         = %q\n", maskSecret(b.APIKey))
	ew.printf("  token_file      = %q\n", cfg.TokenPath())
	ew.printf("  request_timeout = %q\n", b.RequestTimeout)
	ew.printf("  user_agent      = %q\n", b.UserAgent)
	ew.printf("  max_frame_size  = %q\n\n", b.MaxFrameSize)
}

func renderCacheSection(ew *errWriter, cfg *Config) {
	c := &cfg.Cache

	ew.printf("[cache]\n")
	ew.printf("  db_path           = %q\n", cfg.DBPath())
	ew.printf("  max_entries       = %d\n", c.MaxEntries)
	ew.printf("  deep_clean_budget = %d\n", c.DeepCleanBudget)
	ew.printf("  deep_clean_window = %q\n", c.DeepCleanWindow)
	ew.printf("  max_stale         = %q\n", c.MaxStale)
	ew.printf("  message_ttl       = %q\n", c.MessageTTL)
	ew.printf("  room_ttl          = %q\n", c.RoomTTL)
	ew.printf("  user_ttl          = %q\n", c.UserTTL)
	ew.printf("  membership_ttl    = %q\n", c.MembershipTTL)
	ew.printf("  optimize_interval = %q\n", c.OptimizeInterval)
	ew.printf("  write_queue_size  = %d\n\n", c.WriteQueueSize)
}

func renderChannelSection(ew *errWriter, c *ChannelConfig) {
	ew.printf("[channel]\n")
	ew.printf("  base_delay        = %q\n", c.BaseDelay)
	ew.printf("  max_delay         = %q\n", c.MaxDelay)
	ew.printf("  max_attempts      = %d\n", c.MaxAttempts)
	ew.printf("  health_interval   = %q\n", c.HealthInterval)
	ew.printf("  subscribe_timeout = %q\n\n", c.SubscribeTimeout)
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	const visible = 4

	if s == "" {
		return ""
	}

	if len(s) <= visible {
		return "****"
	}

	return "****" + s[len(s)-visible:]
}
