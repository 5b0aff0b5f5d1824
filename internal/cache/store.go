package cache

import (
	"container/list"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/metrics"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/store"
)

// PutResult reports what a Put did to the index.
type PutResult int

// Put outcomes.
const (
	PutInserted PutResult = iota
	PutUpdated
	PutDeduped // identical payload already cached; only freshness was bumped
)

// ChangeKind classifies a change notification.
type ChangeKind int

// Change kinds delivered to OnChange listeners.
const (
	ChangePut ChangeKind = iota
	ChangeDelete
	ChangeReplace // OldKey's slot now holds Key
	ChangeEvict
)

// Change describes one mutation of the index. UI bindings re-render from the
// cache when they receive one.
type Change struct {
	Kind   ChangeKind
	Key    chatid.Key
	OldKey chatid.Key // set for ChangeReplace
	RoomID string     // set when the entity is a message
}

// Store is the cache. One instance per session, shared by every component.
// All operations are synchronous against the in-memory index and safe for
// concurrent use; persistence happens on a background writer goroutine.
type Store struct {
	mu      sync.Mutex
	entries map[chatid.Key]*list.Element
	lru     *list.List // front = most recently used
	rooms   map[string]*roomIndex
	closed  bool

	opts      Options
	kv        store.KV
	stats     *metrics.Aggregator
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for deterministic tests
	listeners []func(Change)

	writes     chan writeReq
	writerDone chan struct{}
	dropped    atomic.Int64
}

// New creates a Store writing through to kv and starts its background
// writer. Call Close to flush pending writes.
func New(kv store.KV, stats *metrics.Aggregator, opts Options, logger *slog.Logger) *Store {
	opts = opts.withDefaults()

	s := &Store{
		entries:    make(map[chatid.Key]*list.Element),
		lru:        list.New(),
		rooms:      make(map[string]*roomIndex),
		opts:       opts,
		kv:         kv,
		stats:      stats,
		logger:     logger,
		nowFunc:    time.Now,
		writes:     make(chan writeReq, opts.WriteQueueSize),
		writerDone: make(chan struct{}),
	}

	go s.runWriter()

	return s
}

// OnChange registers a listener called after every index mutation. Listeners
// run synchronously on the mutating goroutine, outside the cache lock, and
// must not block.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = append(s.listeners, fn)
}

// Put inserts or overwrites an entity. fromNetwork marks an authoritative
// backend copy: its bytes are counted as fetched, and an identical payload
// already in the cache is counted as deduplicated. Put never counts a
// request; callers that issued one call CountResponse once per response.
func (s *Store) Put(e model.Entity, fromNetwork bool) PutResult {
	data, err := model.Encode(e)
	if err != nil {
		s.logger.Warn("cache: dropping unencodable entity",
			slog.String("key", e.CacheKey().String()),
			slog.String("error", err.Error()),
		)

		return PutUpdated
	}

	if fromNetwork {
		s.stats.RecordFetched(int64(len(data)))
	}

	s.mu.Lock()
	res, changes := s.putLocked(e, data, fromNetwork)
	s.mu.Unlock()

	s.notify(changes)

	return res
}

// CountResponse records one backend response. Its bytes are credited by the
// Puts that store its entities.
func (s *Store) CountResponse() {
	s.stats.RecordRequest(0)
}

// PutIfAbsent inserts e only when its key is not cached yet. An existing key
// is left untouched and counted as a deduplicated write. Returns whether the
// entity was inserted.
func (s *Store) PutIfAbsent(e model.Entity, fromNetwork bool) bool {
	key := e.CacheKey()

	s.mu.Lock()
	if el, ok := s.entries[key]; ok {
		s.touchLocked(el, s.nowFunc())
		s.mu.Unlock()
		s.stats.RecordDedup()

		return false
	}
	s.mu.Unlock()

	// The key may be inserted concurrently between the check and Put; Put
	// then simply overwrites, which keeps a single slot per key.
	s.Put(e, fromNetwork)

	return true
}

// Get returns the cached value for key if present and not hard-expired,
// recording a hit (crediting its size as bytes saved) or a miss.
func (s *Store) Get(key chatid.Key) (CachedEntity[model.Entity], bool) {
	s.mu.Lock()

	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		s.stats.RecordMiss()

		return CachedEntity[model.Entity]{}, false
	}

	now := s.nowFunc()
	ent := el.Value.(*entry)

	if ent.hardExpired(now, s.opts.MaxStale) {
		changes := s.removeLocked(el, removeExpire)
		s.mu.Unlock()
		s.stats.RecordMiss()
		s.notify(changes)

		return CachedEntity[model.Entity]{}, false
	}

	s.touchLocked(el, now)
	view := ent.view(now)
	size := ent.size
	s.mu.Unlock()

	s.stats.RecordHit(size)

	return view, true
}

// GetAs is a typed Get. A cached value of a different type counts as a miss.
func GetAs[T model.Entity](s *Store, key chatid.Key) (CachedEntity[T], bool) {
	c, ok := s.Get(key)
	if !ok {
		return CachedEntity[T]{}, false
	}

	data, ok := c.Data.(T)
	if !ok {
		return CachedEntity[T]{}, false
	}

	return CachedEntity[T]{
		Data:      data,
		FetchedAt: c.FetchedAt,
		TTL:       c.TTL,
		Source:    c.Source,
		Stale:     c.Stale,
	}, true
}

// Peek returns the cached value for key without touching stats or LRU
// order. Hard-expired values are still returned.
func (s *Store) Peek(key chatid.Key) (model.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	return el.Value.(*entry).data, true
}

// Contains reports whether key is cached, without touching stats or LRU order.
func (s *Store) Contains(key chatid.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]

	return ok
}

// Fresh reports whether key is cached and within its TTL, without touching
// stats or LRU order. Used by background warm-up to skip needless fetches.
func (s *Store) Fresh(key chatid.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]

	return ok && !el.Value.(*entry).expired(s.nowFunc())
}

// Delete removes key. Returns whether it was cached.
func (s *Store) Delete(key chatid.Key) bool {
	s.mu.Lock()

	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}

	changes := s.removeLocked(el, removeDelete)
	s.mu.Unlock()

	s.notify(changes)

	return true
}

// ReplaceMessage swaps the message cached under oldID for msg in the same
// LRU slot and room position, so views bound to the old id move to the new
// one without a gap. Returns false when oldID is not cached.
func (s *Store) ReplaceMessage(oldID string, msg model.Message) bool {
	data, err := model.Encode(msg)
	if err != nil {
		s.logger.Warn("cache: cannot encode replacement message",
			slog.String("id", msg.ID),
			slog.String("error", err.Error()),
		)

		return false
	}

	oldKey := chatid.MessageKey(oldID)
	newKey := msg.CacheKey()

	s.mu.Lock()

	el, ok := s.entries[oldKey]
	if !ok {
		s.mu.Unlock()
		return false
	}

	// A stray copy of the authoritative message must not survive next to
	// the replaced slot.
	var changes []Change
	if dup, exists := s.entries[newKey]; exists && newKey != oldKey {
		changes = s.removeLocked(dup, removeDelete)
	}

	now := s.nowFunc()
	ent := el.Value.(*entry)

	if old, isMsg := ent.data.(model.Message); isMsg {
		s.unindexMessage(old, false)
	}

	delete(s.entries, oldKey)

	ent.key = newKey
	ent.data = msg
	ent.fetchedAt = now
	ent.lastAccess = now
	ent.ttl = s.ttlFor(newKey)
	ent.source = SourceNetwork
	ent.size = int64(len(data))
	ent.sum = checksum(data)

	s.entries[newKey] = el
	s.lru.MoveToFront(el)
	s.indexMessage(msg)

	s.enqueueDeleteLocked(oldKey)
	s.enqueuePutLocked(ent, data)
	s.mu.Unlock()

	s.notify(append(changes, Change{Kind: ChangeReplace, Key: newKey, OldKey: oldKey, RoomID: msg.RoomID}))

	return true
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lru.Len()
}

// Keys returns every cached key of type t, most recently used first.
func (s *Store) Keys(t chatid.EntityType) []chatid.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []chatid.Key

	for el := s.lru.Front(); el != nil; el = el.Next() {
		if k := el.Value.(*entry).key; k.Type == t {
			keys = append(keys, k)
		}
	}

	return keys
}

// Stats returns the current metrics snapshot.
func (s *Store) Stats() metrics.CacheStats {
	return s.stats.Snapshot()
}

// Dropped returns how many persistence writes were dropped because the
// write queue was full.
func (s *Store) Dropped() int64 {
	return s.dropped.Load()
}

// putLocked inserts or updates the slot for e. Caller holds s.mu.
func (s *Store) putLocked(e model.Entity, data []byte, fromNetwork bool) (PutResult, []Change) {
	key := e.CacheKey()
	now := s.nowFunc()
	sum := checksum(data)

	source := SourceCache
	if fromNetwork {
		source = SourceNetwork
	}

	change := Change{Kind: ChangePut, Key: key}
	if m, ok := e.(model.Message); ok {
		change.RoomID = m.RoomID
	}

	if el, ok := s.entries[key]; ok {
		ent := el.Value.(*entry)

		if fromNetwork && ent.sum == sum {
			ent.fetchedAt = now
			ent.source = SourceNetwork
			s.touchLocked(el, now)
			s.enqueuePutLocked(ent, data)
			s.stats.RecordDedup()

			return PutDeduped, nil
		}

		if old, isMsg := ent.data.(model.Message); isMsg {
			s.unindexMessage(old, false)
		}

		ent.data = e
		ent.fetchedAt = now
		ent.source = source
		ent.size = int64(len(data))
		ent.sum = sum
		ent.ttl = s.ttlFor(key)
		s.touchLocked(el, now)

		if m, isMsg := e.(model.Message); isMsg {
			s.indexMessage(m)
		}

		s.enqueuePutLocked(ent, data)

		return PutUpdated, []Change{change}
	}

	ent := &entry{
		key:        key,
		data:       e,
		fetchedAt:  now,
		lastAccess: now,
		ttl:        s.ttlFor(key),
		source:     source,
		size:       int64(len(data)),
		sum:        sum,
	}

	s.entries[key] = s.lru.PushFront(ent)

	if m, isMsg := e.(model.Message); isMsg {
		s.indexMessage(m)
	}

	s.enqueuePutLocked(ent, data)

	return PutInserted, []Change{change}
}

// removeReason tells removeLocked how the room index should treat the gap.
type removeReason int

const (
	removeDelete removeReason = iota // the message no longer exists upstream
	removeEvict                      // dropped locally; upstream still has it
	removeExpire
)

// removeLocked drops a slot from every index. Caller holds s.mu.
func (s *Store) removeLocked(el *list.Element, reason removeReason) []Change {
	ent := el.Value.(*entry)

	s.lru.Remove(el)
	delete(s.entries, ent.key)

	change := Change{Kind: ChangeDelete, Key: ent.key}
	if reason != removeDelete {
		change.Kind = ChangeEvict
	}

	if m, ok := ent.data.(model.Message); ok {
		s.unindexMessage(m, reason != removeDelete)
		change.RoomID = m.RoomID
	}

	s.enqueueDeleteLocked(ent.key)

	return []Change{change}
}

func (s *Store) touchLocked(el *list.Element, now time.Time) {
	el.Value.(*entry).lastAccess = now
	s.lru.MoveToFront(el)
}

// ttlFor returns the TTL for a key. Optimistic messages never go stale.
func (s *Store) ttlFor(key chatid.Key) time.Duration {
	if key.Type == chatid.EntityMessage && chatid.IsTemp(key.ID) {
		return 0
	}

	return s.opts.TTL[key.Type]
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

func checksum(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)

	return h.Sum64()
}
