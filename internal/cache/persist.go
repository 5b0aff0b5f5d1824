package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/store"
)

// Persistence namespaces.
const (
	nsEntity = "entity"
	nsRoom   = "room"
)

// maxBatch bounds how many queued writes the writer folds into one Apply.
const maxBatch = 256

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("cache: closed")

// record is the persisted form of an entry.
type record struct {
	Data       json.RawMessage `json:"data"`
	FetchedAt  time.Time       `json:"fetched_at"`
	LastAccess time.Time       `json:"last_access"`
	TTL        time.Duration   `json:"ttl"`
	Source     Source          `json:"source"`
}

// roomRecord is the persisted coverage of a room timeline. The ordered refs
// are rebuilt from the persisted messages on load.
type roomRecord struct {
	Covered  int  `json:"covered"`
	Complete bool `json:"complete"`
}

// writeReq is one unit of work for the background writer.
type writeReq struct {
	op      store.Op
	compact bool
	flush   chan struct{} // closed once everything queued before it is applied
	stop    bool
}

// enqueueLocked queues req without blocking. A full queue drops the write:
// the in-memory index stays authoritative and persistence is best-effort.
// Caller holds s.mu.
func (s *Store) enqueueLocked(req writeReq) {
	if s.closed {
		return
	}

	select {
	case s.writes <- req:
	default:
		if s.dropped.Add(1) == 1 {
			s.logger.Warn("cache: write queue full, dropping persistence writes")
		}
	}
}

func (s *Store) enqueuePutLocked(ent *entry, data []byte) {
	if ent.pinned() {
		return
	}

	rec, err := json.Marshal(record{
		Data:       data,
		FetchedAt:  ent.fetchedAt,
		LastAccess: ent.lastAccess,
		TTL:        ent.ttl,
		Source:     ent.source,
	})
	if err != nil {
		s.logger.Warn("cache: cannot encode record",
			slog.String("key", ent.key.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	s.enqueueLocked(writeReq{op: store.Op{
		Kind:      store.OpPut,
		Namespace: nsEntity,
		Key:       ent.key.String(),
		Value:     rec,
	}})
}

func (s *Store) enqueueDeleteLocked(key chatid.Key) {
	if key.Type == chatid.EntityMessage && chatid.IsTemp(key.ID) {
		return
	}

	s.enqueueLocked(writeReq{op: store.Op{
		Kind:      store.OpDelete,
		Namespace: nsEntity,
		Key:       key.String(),
	}})
}

func (s *Store) enqueueRoomLocked(roomID string, idx *roomIndex) {
	rec, err := json.Marshal(roomRecord{Covered: idx.covered, Complete: idx.complete})
	if err != nil {
		return
	}

	s.enqueueLocked(writeReq{op: store.Op{
		Kind:      store.OpPut,
		Namespace: nsRoom,
		Key:       roomID,
		Value:     rec,
	}})
}

// runWriter drains the write queue, folding consecutive writes into one
// batch. Storage errors are logged and otherwise ignored.
func (s *Store) runWriter() {
	defer close(s.writerDone)

	ctx := context.Background()

	for req := range s.writes {
		ops := make([]store.Op, 0, maxBatch)

		var (
			flushes []chan struct{}
			compact bool
			stop    bool
		)

		collect := func(r writeReq) {
			switch {
			case r.stop:
				stop = true
			case r.flush != nil:
				flushes = append(flushes, r.flush)
			case r.compact:
				compact = true
			default:
				ops = append(ops, r.op)
			}
		}

		collect(req)

	drain:
		for len(ops) < maxBatch && !stop && !compact && flushes == nil {
			select {
			case r := <-s.writes:
				collect(r)
			default:
				break drain
			}
		}

		s.apply(ctx, ops)

		if compact {
			if err := s.kv.Compact(ctx); err != nil {
				s.logger.Warn("cache: compacting store failed", slog.String("error", err.Error()))
			}
		}

		for _, f := range flushes {
			close(f)
		}

		if stop {
			return
		}
	}
}

func (s *Store) apply(ctx context.Context, ops []store.Op) {
	if len(ops) == 0 {
		return
	}

	if err := s.kv.Apply(ctx, ops); err != nil {
		s.logger.Warn("cache: persisting writes failed",
			slog.Int("ops", len(ops)),
			slog.String("error", err.Error()),
		)
	}
}

// Flush blocks until every write queued before the call has been applied.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	done := make(chan struct{})

	select {
	case s.writes <- writeReq{flush: done}:
	case <-s.writerDone:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("cache: flush: %w", ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-s.writerDone:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("cache: flush: %w", ctx.Err())
	}
}

// Close applies pending writes and stops the writer. The in-memory index
// remains readable. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	s.mu.Unlock()

	select {
	case s.writes <- writeReq{stop: true}:
	case <-s.writerDone:
	}

	<-s.writerDone

	return nil
}

// Load restores the persisted cache into the in-memory index and returns
// the number of entries restored. Hard-expired records are discarded.
// Intended to run once, before the cache is used.
func (s *Store) Load(ctx context.Context) (int, error) {
	keys, err := s.kv.ListKeys(ctx, nsEntity)
	if err != nil {
		return 0, fmt.Errorf("cache: listing persisted entries: %w", err)
	}

	now := s.nowFunc()
	loaded := make([]*entry, 0, len(keys))

	var stale []store.Op

	// Rooms that lost a message on load can no longer claim contiguity.
	broken := make(map[string]bool)

	for _, raw := range keys {
		ent, ok := s.loadEntry(ctx, raw, now)
		if !ok {
			stale = append(stale, store.Op{Kind: store.OpDelete, Namespace: nsEntity, Key: raw})

			if ent != nil {
				if m, isMsg := ent.data.(model.Message); isMsg {
					broken[m.RoomID] = true
				}
			}

			continue
		}

		loaded = append(loaded, ent)
	}

	if len(stale) > 0 {
		s.apply(ctx, stale)
	}

	// Oldest access first so PushFront leaves the most recent at the front.
	slices.SortFunc(loaded, func(a, b *entry) int {
		return a.lastAccess.Compare(b.lastAccess)
	})

	rooms, err := s.loadRooms(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, ent := range loaded {
		if _, exists := s.entries[ent.key]; exists {
			continue
		}

		s.entries[ent.key] = s.lru.PushFront(ent)
		n++

		if m, isMsg := ent.data.(model.Message); isMsg {
			s.room(m.RoomID).insert(pageRef{id: m.ID, at: m.CreatedAt})
		}
	}

	for roomID, rec := range rooms {
		if broken[roomID] {
			continue
		}

		idx := s.room(roomID)
		idx.covered = min(rec.Covered, len(idx.refs))
		idx.complete = rec.Complete
	}

	s.logger.Debug("cache: restored persisted entries",
		slog.Int("entries", n),
		slog.Int("discarded", len(stale)),
		slog.Int("rooms", len(rooms)),
	)

	return n, nil
}

// loadEntry reads and decodes one persisted record. Returns false for
// records that are unreadable, hard-expired or optimistic; a hard-expired
// record is still returned so the caller can see what was dropped.
func (s *Store) loadEntry(ctx context.Context, raw string, now time.Time) (*entry, bool) {
	key, err := chatid.ParseKey(raw)
	if err != nil || (key.Type == chatid.EntityMessage && chatid.IsTemp(key.ID)) {
		return nil, false
	}

	value, found, err := s.kv.Get(ctx, nsEntity, raw)
	if err != nil || !found {
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		s.logger.Debug("cache: discarding unreadable record",
			slog.String("key", raw),
			slog.String("error", err.Error()),
		)

		return nil, false
	}

	data, err := model.Decode(key.Type, rec.Data)
	if err != nil {
		return nil, false
	}

	ent := &entry{
		key:        key,
		data:       data,
		fetchedAt:  rec.FetchedAt,
		lastAccess: rec.LastAccess,
		ttl:        rec.TTL,
		source:     SourceCache,
		size:       int64(len(rec.Data)),
		sum:        checksum(rec.Data),
	}

	if ent.hardExpired(now, s.opts.MaxStale) {
		return ent, false
	}

	return ent, true
}

func (s *Store) loadRooms(ctx context.Context) (map[string]roomRecord, error) {
	ids, err := s.kv.ListKeys(ctx, nsRoom)
	if err != nil {
		return nil, fmt.Errorf("cache: listing persisted rooms: %w", err)
	}

	rooms := make(map[string]roomRecord, len(ids))

	for _, id := range ids {
		value, found, err := s.kv.Get(ctx, nsRoom, id)
		if err != nil || !found {
			continue
		}

		var rec roomRecord
		if json.Unmarshal(value, &rec) == nil {
			rooms[id] = rec
		}
	}

	return rooms, nil
}
