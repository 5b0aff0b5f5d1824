package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tonimelisma/chatsync/internal/backend"
	"github.com/tonimelisma/chatsync/internal/cache"
	"github.com/tonimelisma/chatsync/internal/channel"
	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/config"
	"github.com/tonimelisma/chatsync/internal/engine"
	"github.com/tonimelisma/chatsync/internal/metrics"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
	"github.com/tonimelisma/chatsync/internal/prefetch"
	"github.com/tonimelisma/chatsync/internal/store"
)

// Cache statistics survive restarts in their own namespace of the cache
// database, next to the cached entities.
const (
	metaNamespace = "meta"
	statsKey      = "cache_stats"
)

// stateDirPermissions: owner only, the directory holds the session token.
const stateDirPermissions = 0o700

// realtimePath is the change-feed endpoint relative to the backend URL.
const realtimePath = "/realtime/v1/websocket"

// closeTimeout bounds the final flush when a session is closed.
const closeTimeout = 10 * time.Second

// CacheSession is the persistent cache opened from resolved config: the
// SQLite store, the index loaded from it and the stats aggregator.
type CacheSession struct {
	KV    *store.SQLite
	Cache *cache.Store
	Stats *metrics.Aggregator

	// SaveStats controls whether Close adds this session's counts to the
	// persisted totals. Read-only commands leave it unset.
	SaveStats bool

	// baseline is what was restored at open; only counts past it are added
	// back, so concurrent sessions never overwrite each other's activity.
	baseline     metrics.CacheStats
	replaceStats bool

	logger *slog.Logger
}

// openCacheSession opens the cache database named by cfg, restores the
// persisted counters and loads the cache index.
func openCacheSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*CacheSession, error) {
	dbPath := cfg.DBPath()

	if err := os.MkdirAll(filepath.Dir(dbPath), stateDirPermissions); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	kv, err := store.OpenSQLite(ctx, dbPath, logger)
	if err != nil {
		return nil, err
	}

	agg := metrics.NewAggregator()
	if err := restoreStats(ctx, kv, agg); err != nil {
		// Losing old counters is not worth refusing to start.
		logger.Warn("discarding persisted cache stats", slog.String("error", err.Error()))
	}

	baseline := agg.Snapshot()

	c := cache.New(kv, agg, cacheOptions(cfg), logger)

	n, err := c.Load(ctx)
	if err != nil {
		c.Close()
		kv.Close()

		return nil, err
	}

	logger.Debug("cache loaded", slog.String("path", dbPath), slog.Int("entries", n))

	return &CacheSession{KV: kv, Cache: c, Stats: agg, baseline: baseline, logger: logger}, nil
}

// ResetStats zeroes the counters and makes Close replace the persisted
// totals instead of adding to them.
func (s *CacheSession) ResetStats() {
	s.Stats.Reset()
	s.baseline = metrics.CacheStats{}
	s.replaceStats = true
	s.SaveStats = true
}

// Close flushes pending cache writes, saves the counters when SaveStats is
// set and closes the database.
func (s *CacheSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error

	if err := s.Cache.Close(); err != nil {
		errs = append(errs, err)
	}

	switch {
	case s.replaceStats:
		if err := saveStats(ctx, s.KV, s.Stats.Snapshot()); err != nil {
			errs = append(errs, err)
		}
	case s.SaveStats:
		if err := mergeStats(ctx, s.KV, s.Stats.Snapshot().Since(s.baseline)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.KV.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func restoreStats(ctx context.Context, kv store.KV, agg *metrics.Aggregator) error {
	data, ok, err := kv.Get(ctx, metaNamespace, statsKey)
	if err != nil {
		return fmt.Errorf("reading cache stats: %w", err)
	}

	if !ok {
		return nil
	}

	var snap metrics.CacheStats
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding cache stats: %w", err)
	}

	agg.Restore(snap)

	return nil
}

func saveStats(ctx context.Context, kv store.KV, snap metrics.CacheStats) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding cache stats: %w", err)
	}

	if err := kv.Put(ctx, metaNamespace, statsKey, data); err != nil {
		return fmt.Errorf("saving cache stats: %w", err)
	}

	return nil
}

// mergeStats adds delta to the persisted totals in one store transaction.
// Unreadable totals are replaced, as at restore.
func mergeStats(ctx context.Context, kv store.KV, delta metrics.CacheStats) error {
	err := kv.Update(ctx, metaNamespace, statsKey, func(old []byte, ok bool) ([]byte, error) {
		var stored metrics.CacheStats
		if ok {
			if err := json.Unmarshal(old, &stored); err != nil {
				stored = metrics.CacheStats{}
			}
		}

		return json.Marshal(stored.Add(delta))
	})
	if err != nil {
		return fmt.Errorf("saving cache stats: %w", err)
	}

	return nil
}

// cacheOptions maps the [cache] config section onto cache.Options.
func cacheOptions(cfg *config.Config) cache.Options {
	return cache.Options{
		MaxEntries:      cfg.Cache.MaxEntries,
		DeepCleanBudget: cfg.Cache.DeepCleanBudget,
		DeepCleanWindow: cfg.DeepCleanWindow(),
		MaxStale:        cfg.MaxStale(),
		WriteQueueSize:  cfg.Cache.WriteQueueSize,
		TTL: map[chatid.EntityType]time.Duration{
			chatid.EntityMessage:    cfg.MessageTTL(),
			chatid.EntityRoom:       cfg.RoomTTL(),
			chatid.EntityUser:       cfg.UserTTL(),
			chatid.EntityMembership: cfg.MembershipTTL(),
		},
	}
}

// channelOptions maps the [channel] config section onto channel.Options. A
// health_interval of zero disables the health check.
func channelOptions(cfg *config.Config) channel.Options {
	health := cfg.HealthInterval()
	if health == 0 {
		health = -1
	}

	return channel.Options{
		BaseDelay:      cfg.BaseDelay(),
		MaxDelay:       cfg.MaxDelay(),
		MaxAttempts:    cfg.Channel.MaxAttempts,
		HealthInterval: health,
	}
}

// realtimeURL returns backend.realtime_url, or derives the WebSocket
// endpoint from backend.url when it is unset.
func realtimeURL(cfg *config.Config) (string, error) {
	if cfg.Backend.RealtimeURL != "" {
		return cfg.Backend.RealtimeURL, nil
	}

	u, err := url.Parse(cfg.Backend.URL)
	if err != nil {
		return "", fmt.Errorf("parsing backend URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("cannot derive realtime URL from scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + realtimePath
	u.RawQuery = ""

	return u.String(), nil
}

// ChatSession is a signed-in session: the cache plus the backend clients
// and the engine that ties them together.
type ChatSession struct {
	*CacheSession

	Client *backend.Client
	Engine *engine.Engine
	UserID string
}

// openChatSession loads the session token and opens the cache, then wires
// the backend clients into an engine. ctx bounds token refreshes and must
// outlive the session.
func openChatSession(
	ctx context.Context, cfg *config.Config, notifier notify.Notifier, logger *slog.Logger,
) (*ChatSession, error) {
	if cfg.Backend.URL == "" {
		return nil, fmt.Errorf("backend.url is not set: pass --backend, set %s or edit the config file", config.EnvBackendURL)
	}

	wsURL, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}

	auth := backend.NewAuthClient(cfg.Backend.URL, cfg.Backend.APIKey, httpClient)

	src, err := backend.NewSessionSource(ctx, cfg.TokenPath(), auth, logger)
	if err != nil {
		if errors.Is(err, backend.ErrNoSession) {
			return nil, fmt.Errorf("not signed in: no session file at %s", cfg.TokenPath())
		}

		return nil, err
	}

	cs, err := openCacheSession(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	cs.SaveStats = true

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.APIKey, httpClient, src, logger, cfg.Backend.UserAgent)

	rt := backend.NewRealtime(wsURL, cfg.Backend.APIKey, src, backend.RealtimeOptions{
		SubscribeTimeout: cfg.SubscribeTimeout(),
		ReadLimit:        cfg.MaxFrameSize(),
	}, logger)

	eng := engine.New(cs.Cache, client, rt, notifier, engine.Options{
		UserID:      src.UserID(),
		Profile:     model.ProfileSnapshot{Username: src.Username()},
		PageSize:    cfg.Prefetch.PageSize,
		MatchWindow: cfg.MatchWindow(),
		Channel:     channelOptions(cfg),
		Prefetch: prefetch.Options{
			Rate:  cfg.Prefetch.Rate,
			Burst: cfg.Prefetch.Burst,
		},
	}, logger)

	logger.Debug("session opened",
		slog.String("user_id", src.UserID()),
		slog.String("backend", cfg.Backend.URL),
	)

	return &ChatSession{CacheSession: cs, Client: client, Engine: eng, UserID: src.UserID()}, nil
}

// Close stops the engine before the cache it writes to.
func (s *ChatSession) Close() error {
	s.Engine.Close()

	return s.CacheSession.Close()
}
