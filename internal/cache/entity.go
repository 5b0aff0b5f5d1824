// Package cache is the process-wide entity cache of the sync layer. It keeps
// messages, rooms, profiles and membership snapshots in an in-memory LRU
// index keyed by (entity type, id), serves paginated message reads per room,
// and writes through to a persistent store in the background so the cache
// survives restarts. The in-memory index is authoritative for the session;
// persistence is best-effort.
package cache

import (
	"time"

	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/model"
)

// Source records where a cached value came from.
type Source string

// Value origins.
const (
	SourceNetwork Source = "network" // authoritative response from the backend
	SourceCache   Source = "cache"   // local write (optimistic) or restored from disk
)

// CachedEntity wraps a cached value with its freshness metadata.
// FetchedAt + TTL determines staleness. Stale values are still served
// (stale-while-revalidate); callers use Stale to schedule a refresh.
type CachedEntity[T any] struct {
	Data      T
	FetchedAt time.Time
	TTL       time.Duration // zero: never stale
	Source    Source
	Stale     bool
}

// Age returns how long ago the value was fetched.
func (c CachedEntity[T]) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}

// entry is one slot of the in-memory index.
type entry struct {
	key        chatid.Key
	data       model.Entity
	fetchedAt  time.Time
	lastAccess time.Time
	ttl        time.Duration
	source     Source
	size       int64
	sum        uint64 // fnv-64a of the encoded payload, for dedup
}

// expired reports whether the entry is past its TTL.
func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.fetchedAt) > e.ttl
}

// hardExpired reports whether the entry is too old to serve even stale.
func (e *entry) hardExpired(now time.Time, maxStale time.Duration) bool {
	return e.ttl > 0 && now.Sub(e.fetchedAt) > e.ttl+maxStale
}

// pinned entries are never evicted: an optimistic message must stay visible
// until it is reconciled or rolled back.
func (e *entry) pinned() bool {
	return e.key.Type == chatid.EntityMessage && chatid.IsTemp(e.key.ID)
}

func (e *entry) view(now time.Time) CachedEntity[model.Entity] {
	return CachedEntity[model.Entity]{
		Data:      e.data,
		FetchedAt: e.fetchedAt,
		TTL:       e.ttl,
		Source:    e.source,
		Stale:     e.expired(now),
	}
}

// Options tunes the cache. Zero fields are replaced by DefaultOptions values.
type Options struct {
	MaxEntries      int           // optimize keeps at most this many entries
	DeepCleanBudget int           // deepClean keeps at most this many entries
	DeepCleanWindow time.Duration // deepClean drops entries untouched for longer
	MaxStale        time.Duration // past TTL+MaxStale an entry is no longer served
	TTL             map[chatid.EntityType]time.Duration
	WriteQueueSize  int // pending persistence writes before new ones are dropped
}

// Default cache tuning.
const (
	defaultMaxEntries      = 5000
	defaultDeepCleanBudget = 1000
	defaultDeepCleanWindow = 7 * 24 * time.Hour
	defaultMaxStale        = 24 * time.Hour
	defaultWriteQueueSize  = 1024
	defaultMessageTTL      = 24 * time.Hour
	defaultRoomTTL         = 10 * time.Minute
	defaultUserTTL         = 30 * time.Minute
	defaultMembershipTTL   = 5 * time.Minute
)

// DefaultOptions returns the stock cache tuning.
func DefaultOptions() Options {
	return Options{
		MaxEntries:      defaultMaxEntries,
		DeepCleanBudget: defaultDeepCleanBudget,
		DeepCleanWindow: defaultDeepCleanWindow,
		MaxStale:        defaultMaxStale,
		WriteQueueSize:  defaultWriteQueueSize,
		TTL: map[chatid.EntityType]time.Duration{
			chatid.EntityMessage:    defaultMessageTTL,
			chatid.EntityRoom:       defaultRoomTTL,
			chatid.EntityUser:       defaultUserTTL,
			chatid.EntityMembership: defaultMembershipTTL,
		},
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()

	if o.MaxEntries <= 0 {
		o.MaxEntries = d.MaxEntries
	}

	if o.DeepCleanBudget <= 0 {
		o.DeepCleanBudget = d.DeepCleanBudget
	}

	if o.DeepCleanWindow <= 0 {
		o.DeepCleanWindow = d.DeepCleanWindow
	}

	if o.MaxStale <= 0 {
		o.MaxStale = d.MaxStale
	}

	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = d.WriteQueueSize
	}

	ttl := make(map[chatid.EntityType]time.Duration, len(d.TTL))
	for k, v := range d.TTL {
		ttl[k] = v
	}

	for k, v := range o.TTL {
		ttl[k] = v
	}

	o.TTL = ttl

	return o
}
