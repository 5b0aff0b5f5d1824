package cache

import (
	"cmp"
	"slices"
	"time"

	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/model"
)

// pageRef positions one message inside its room's timeline.
type pageRef struct {
	id string
	at time.Time
}

func compareRefs(a, b pageRef) int {
	if c := a.at.Compare(b.at); c != 0 {
		return c
	}

	return cmp.Compare(a.id, b.id)
}

// roomIndex orders a room's cached messages by CreatedAt and tracks how much
// of the room's history the cache can serve without gaps.
//
// covered counts the newest messages known to be contiguous with the
// backend's timeline. Live messages extend it; evicting a message inside it
// shrinks it to the part newer than the hole. complete means the oldest
// message of the room is cached, so every cached message is contiguous.
type roomIndex struct {
	refs     []pageRef // ascending
	covered  int
	complete bool
}

// coverage returns the number of newest messages servable without gaps.
func (r *roomIndex) coverage() int {
	if r.complete {
		return len(r.refs)
	}

	return min(r.covered, len(r.refs))
}

func (r *roomIndex) find(ref pageRef) (int, bool) {
	return slices.BinarySearchFunc(r.refs, ref, compareRefs)
}

// insert adds ref. A message landing inside the covered region (typically a
// new live message at the tail) extends it; one landing just before the
// region's oldest message does not.
func (r *roomIndex) insert(ref pageRef) {
	pos, found := r.find(ref)
	if found {
		return
	}

	inRegion := r.covered > 0 && pos > len(r.refs)-r.covered
	r.refs = slices.Insert(r.refs, pos, ref)

	if inRegion {
		r.covered++
	}
}

// remove drops ref. broken means the message still exists upstream, so the
// cache now has a hole at its position.
func (r *roomIndex) remove(ref pageRef, broken bool) {
	pos, found := r.find(ref)
	if !found {
		return
	}

	inRegion := pos >= len(r.refs)-r.coverage()
	r.refs = slices.Delete(r.refs, pos, pos+1)

	switch {
	case broken:
		r.complete = false
		r.covered = min(r.covered, len(r.refs)-pos)
	case inRegion && r.covered > 0:
		r.covered--
	}
}

func (s *Store) room(roomID string) *roomIndex {
	idx, ok := s.rooms[roomID]
	if !ok {
		idx = &roomIndex{}
		s.rooms[roomID] = idx
	}

	return idx
}

// indexMessage registers m in its room timeline. Caller holds s.mu.
func (s *Store) indexMessage(m model.Message) {
	idx := s.room(m.RoomID)
	before := idx.covered

	idx.insert(pageRef{id: m.ID, at: m.CreatedAt})

	if idx.covered != before {
		s.enqueueRoomLocked(m.RoomID, idx)
	}
}

// unindexMessage removes m from its room timeline. Caller holds s.mu.
func (s *Store) unindexMessage(m model.Message, broken bool) {
	idx, ok := s.rooms[m.RoomID]
	if !ok {
		return
	}

	before, wasComplete := idx.covered, idx.complete

	idx.remove(pageRef{id: m.ID, at: m.CreatedAt}, broken)

	if idx.covered != before || idx.complete != wasComplete {
		s.enqueueRoomLocked(m.RoomID, idx)
	}
}

// GetPage returns up to limit messages of a room ordered by CreatedAt
// ascending. offset counts from the newest message: offset 0 is the latest
// page, offset limit the one before it. An empty result means the cache
// cannot serve the page without gaps and the caller should fetch it.
func (s *Store) GetPage(roomID string, limit, offset int) []model.Message {
	if limit <= 0 || offset < 0 {
		return nil
	}

	s.mu.Lock()

	idx, ok := s.rooms[roomID]
	if !ok || !servable(idx, limit, offset) {
		s.mu.Unlock()
		s.stats.RecordMiss()

		return nil
	}

	now := s.nowFunc()
	end := len(idx.refs) - offset
	start := max(0, end-limit)
	refs := slices.Clone(idx.refs[start:end])

	page := make([]model.Message, 0, len(refs))

	var size int64

	for _, ref := range refs {
		el, found := s.entries[chatid.MessageKey(ref.id)]
		if !found || el.Value.(*entry).hardExpired(now, s.opts.MaxStale) {
			s.mu.Unlock()
			s.stats.RecordMiss()

			return nil
		}

		ent := el.Value.(*entry)
		page = append(page, ent.data.(model.Message))
		size += ent.size
	}

	for _, ref := range refs {
		s.touchLocked(s.entries[chatid.MessageKey(ref.id)], now)
	}

	s.mu.Unlock()

	s.stats.RecordHit(size)

	return page
}

func servable(idx *roomIndex, limit, offset int) bool {
	if idx.complete {
		return offset < len(idx.refs)
	}

	return offset+limit <= idx.coverage()
}

// PutPage stores one page of messages fetched from the backend for
// (roomID, limit, offset) and recomputes the room's coverage. A short page
// (fewer than limit messages) marks the start of the room's history. The
// page counts as one backend response.
func (s *Store) PutPage(roomID string, msgs []model.Message, limit, offset int) {
	s.CountResponse()

	batch := s.encodePage(roomID, msgs)

	s.mu.Lock()

	idx := s.room(roomID)
	prevCoverage := idx.coverage()

	var prevStart pageRef

	hasPrev := prevCoverage > 0
	if hasPrev {
		prevStart = idx.refs[len(idx.refs)-prevCoverage]
	}

	var (
		changes []Change
		overlap bool
		oldest  pageRef
	)

	for i, b := range batch {
		res, c := s.putLocked(b.msg, b.data, true)
		changes = append(changes, c...)

		if res != PutInserted {
			overlap = true
		}

		ref := pageRef{id: b.msg.ID, at: b.msg.CreatedAt}
		if i == 0 || compareRefs(ref, oldest) < 0 {
			oldest = ref
		}
	}

	// Inserting the page may have bumped covered as if the messages were
	// live; recompute from the region boundaries instead.
	start := len(idx.refs)
	if hasPrev {
		if pos, found := idx.find(prevStart); found {
			start = pos
		}
	}

	joins := offset == 0 || offset <= prevCoverage

	if len(batch) > 0 && joins {
		pos, _ := idx.find(oldest)
		if offset == 0 && !overlap {
			// Fresh head page with no overlap: anything older than it may
			// be separated by messages we never saw.
			start = pos
			idx.complete = false
		} else {
			start = min(start, pos)
		}
	}

	idx.covered = len(idx.refs) - start

	if len(batch) < limit && joins {
		idx.complete = true
		idx.covered = len(idx.refs)
	}

	s.enqueueRoomLocked(roomID, idx)
	s.mu.Unlock()

	s.notify(changes)
}

type encodedMessage struct {
	msg  model.Message
	data []byte
}

// encodePage encodes the messages of a page that belong to roomID, counting
// their bytes as fetched from the network.
func (s *Store) encodePage(roomID string, msgs []model.Message) []encodedMessage {
	batch := make([]encodedMessage, 0, len(msgs))

	for _, m := range msgs {
		if m.RoomID != roomID {
			continue
		}

		data, err := model.Encode(m)
		if err != nil {
			continue
		}

		s.stats.RecordFetched(int64(len(data)))
		batch = append(batch, encodedMessage{msg: m, data: data})
	}

	return batch
}

// InvalidateRoom forgets a room's coverage so the next page read goes to
// the network. Called after the push channel was down, since messages sent
// during the outage would otherwise sit in an unnoticed gap.
func (s *Store) InvalidateRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.rooms[roomID]
	if !ok {
		return
	}

	idx.covered = 0
	idx.complete = false
	s.enqueueRoomLocked(roomID, idx)
}

// RoomCoverage reports how many of a room's newest messages are servable and
// whether the room's full history is cached.
func (s *Store) RoomCoverage(roomID string) (covered int, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.rooms[roomID]
	if !ok {
		return 0, false
	}

	return idx.coverage(), idx.complete
}
