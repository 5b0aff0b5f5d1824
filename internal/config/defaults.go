package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and work without any config file except
// for the backend URL, which has no sensible default.
const (
	defaultRequestTimeout   = "30s"
	defaultUserAgent        = "chatsync/0.1"
	defaultMaxFrameSize     = "1MiB"
	defaultMaxEntries       = 5000
	defaultDeepCleanBudget  = 1000
	defaultDeepCleanWindow  = "168h"
	defaultMaxStale         = "24h"
	defaultMessageTTL       = "24h"
	defaultRoomTTL          = "10m"
	defaultUserTTL          = "30m"
	defaultMembershipTTL    = "5m"
	defaultOptimizeInterval = "10m"
	defaultWriteQueueSize   = 1024
	defaultMatchWindow      = "5s"
	defaultBaseDelay        = "3s"
	defaultMaxDelay         = "30s"
	defaultMaxAttempts      = 5
	defaultHealthInterval   = "30s"
	defaultSubscribeTimeout = "10s"
	defaultPrefetchRate     = 5.0
	defaultPrefetchBurst    = 2
	defaultPageSize         = 50
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Backend:   defaultBackendConfig(),
		Cache:     defaultCacheConfig(),
		Reconcile: ReconcileConfig{MatchWindow: defaultMatchWindow},
		Channel:   defaultChannelConfig(),
		Prefetch:  defaultPrefetchConfig(),
		Logging:   defaultLoggingConfig(),
	}
}

func defaultBackendConfig() BackendConfig {
	return BackendConfig{
		RequestTimeout: defaultRequestTimeout,
		UserAgent:      defaultUserAgent,
		MaxFrameSize:   defaultMaxFrameSize,
	}
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:       defaultMaxEntries,
		DeepCleanBudget:  defaultDeepCleanBudget,
		DeepCleanWindow:  defaultDeepCleanWindow,
		MaxStale:         defaultMaxStale,
		MessageTTL:       defaultMessageTTL,
		RoomTTL:          defaultRoomTTL,
		UserTTL:          defaultUserTTL,
		MembershipTTL:    defaultMembershipTTL,
		OptimizeInterval: defaultOptimizeInterval,
		WriteQueueSize:   defaultWriteQueueSize,
	}
}

func defaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		BaseDelay:        defaultBaseDelay,
		MaxDelay:         defaultMaxDelay,
		MaxAttempts:      defaultMaxAttempts,
		HealthInterval:   defaultHealthInterval,
		SubscribeTimeout: defaultSubscribeTimeout,
	}
}

func defaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Rate:     defaultPrefetchRate,
		Burst:    defaultPrefetchBurst,
		PageSize: defaultPageSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
