// Package reconcile merges optimistic local writes with the authoritative
// changes arriving on the realtime feed, so a message the user sent shows
// up exactly once: first under its temporary id, then, in the same cache
// slot, under the id the backend assigned.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/chatsync/internal/cache"
	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/model"
)

// DefaultMatchWindow is how far apart the local send time and the
// authoritative CreatedAt may be for the two to be the same message.
const DefaultMatchWindow = 5 * time.Second

// ErrNotTemp is returned by AddPending for a message without a temporary id.
var ErrNotTemp = errors.New("reconcile: message id is not temporary")

// PendingEntry is an optimistic write awaiting its authoritative
// counterpart.
type PendingEntry struct {
	TempID         string
	Content        string
	UserID         string
	RoomID         string
	CreatedAtLocal time.Time
}

// Outcome reports what Apply did with an event.
type Outcome int

// Apply outcomes.
const (
	OutcomeIgnored  Outcome = iota
	OutcomeMatched          // replaced a pending optimistic entry
	OutcomeInserted         // new message from someone else (or another device)
	OutcomeDeduped          // authoritative id already cached
	OutcomeUpdated
	OutcomeDeleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeInserted:
		return "inserted"
	case OutcomeDeduped:
		return "deduped"
	case OutcomeUpdated:
		return "updated"
	case OutcomeDeleted:
		return "deleted"
	default:
		return "ignored"
	}
}

// Result describes the effect of one Apply call.
type Result struct {
	Outcome Outcome
	TempID  string // set for OutcomeMatched
}

// Engine owns the pending set. All operations run under one mutex, so
// events are applied atomically in call order. Cache change listeners run
// while that mutex is held and must not call back into the Engine.
type Engine struct {
	mu      sync.Mutex
	pending []PendingEntry // ascending CreatedAtLocal
	norms   map[string]string

	cache  *cache.Store
	window time.Duration
	logger *slog.Logger
}

// New creates an Engine writing into c. A non-positive window selects
// DefaultMatchWindow.
func New(c *cache.Store, window time.Duration, logger *slog.Logger) *Engine {
	if window <= 0 {
		window = DefaultMatchWindow
	}

	return &Engine{
		norms:  make(map[string]string),
		cache:  c,
		window: window,
		logger: logger,
	}
}

// AddPending records msg as an optimistic write and puts it in the cache so
// the UI renders it immediately. msg.CreatedAt is taken as the local send
// time.
func (e *Engine) AddPending(msg model.Message) error {
	if !chatid.IsTemp(msg.ID) {
		return fmt.Errorf("%w: %q", ErrNotTemp, msg.ID)
	}

	p := PendingEntry{
		TempID:         msg.ID,
		Content:        msg.Content,
		UserID:         msg.UserID,
		RoomID:         msg.RoomID,
		CreatedAtLocal: msg.CreatedAt,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, _ := slices.BinarySearchFunc(e.pending, p.CreatedAtLocal, func(q PendingEntry, t time.Time) int {
		return q.CreatedAtLocal.Compare(t)
	})
	// Equal timestamps keep insertion order.
	for pos < len(e.pending) && e.pending[pos].CreatedAtLocal.Equal(p.CreatedAtLocal) {
		pos++
	}

	e.pending = slices.Insert(e.pending, pos, p)
	e.norms[p.TempID] = norm.NFC.String(p.Content)

	e.cache.Put(msg, false)

	e.logger.Debug("reconcile: pending optimistic write",
		slog.String("temp_id", p.TempID),
		slog.String("room_id", p.RoomID),
		slog.Int("pending", len(e.pending)),
	)

	return nil
}

// Apply merges one authoritative event into the cache.
func (e *Engine) Apply(ev model.Event) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := ev.Message
	if msg.ID == "" || chatid.IsTemp(msg.ID) {
		e.logger.Debug("reconcile: ignoring event without authoritative id",
			slog.String("kind", ev.Kind.String()),
			slog.String("id", msg.ID),
		)

		return Result{Outcome: OutcomeIgnored}
	}

	switch ev.Kind {
	case model.EventInsert:
		return e.insertLocked(msg)
	case model.EventUpdate:
		return e.updateLocked(msg)
	case model.EventDelete:
		if e.cache.Delete(msg.CacheKey()) {
			return Result{Outcome: OutcomeDeleted}
		}

		return Result{Outcome: OutcomeIgnored}
	default:
		return Result{Outcome: OutcomeIgnored}
	}
}

func (e *Engine) insertLocked(msg model.Message) Result {
	if i, ok := e.matchLocked(msg); ok {
		p := e.pending[i]
		e.removePendingLocked(i)

		// Realtime rows carry no profile; keep the one rendered optimistically.
		if msg.Profile == (model.ProfileSnapshot{}) {
			if prev, found := e.cache.Peek(chatid.MessageKey(p.TempID)); found {
				if pm, isMsg := prev.(model.Message); isMsg {
					msg.Profile = pm.Profile
				}
			}
		}

		if !e.cache.ReplaceMessage(p.TempID, msg) {
			e.cache.PutIfAbsent(msg, true)
		}

		e.logger.Debug("reconcile: matched optimistic write",
			slog.String("temp_id", p.TempID),
			slog.String("id", msg.ID),
			slog.Duration("delay", msg.CreatedAt.Sub(p.CreatedAtLocal)),
		)

		return Result{Outcome: OutcomeMatched, TempID: p.TempID}
	}

	if !e.cache.PutIfAbsent(msg, true) {
		return Result{Outcome: OutcomeDeduped}
	}

	return Result{Outcome: OutcomeInserted}
}

// matchLocked returns the index of the earliest pending entry msg confirms.
func (e *Engine) matchLocked(msg model.Message) (int, bool) {
	content := norm.NFC.String(msg.Content)

	for i, p := range e.pending {
		if p.RoomID != msg.RoomID || p.UserID != msg.UserID || !chatid.IsTemp(p.TempID) {
			continue
		}

		if e.norms[p.TempID] != content {
			continue
		}

		delta := msg.CreatedAt.Sub(p.CreatedAtLocal)
		if delta < 0 {
			delta = -delta
		}

		if delta < e.window {
			return i, true
		}
	}

	return 0, false
}

func (e *Engine) updateLocked(msg model.Message) Result {
	prev, ok := e.cache.Peek(msg.CacheKey())
	if !ok {
		e.cache.Put(msg, true)
		return Result{Outcome: OutcomeInserted}
	}

	cur, isMsg := prev.(model.Message)
	if !isMsg {
		return Result{Outcome: OutcomeIgnored}
	}

	cur.Content = msg.Content
	cur.EditedAt = msg.EditedAt
	e.cache.Put(cur, true)

	return Result{Outcome: OutcomeUpdated}
}

// Rollback drops a pending entry and its optimistic cache slot after the
// send failed. Returns whether tempID was pending.
func (e *Engine) Rollback(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := slices.IndexFunc(e.pending, func(p PendingEntry) bool { return p.TempID == tempID })
	if i < 0 {
		return false
	}

	e.removePendingLocked(i)
	e.cache.Delete(chatid.MessageKey(tempID))

	e.logger.Debug("reconcile: rolled back optimistic write", slog.String("temp_id", tempID))

	return true
}

// Pending returns the pending entries, oldest first.
func (e *Engine) Pending() []PendingEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.pending)
}

// IsPending reports whether tempID still awaits reconciliation.
func (e *Engine) IsPending(tempID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.norms[tempID]

	return ok
}

func (e *Engine) removePendingLocked(i int) {
	delete(e.norms, e.pending[i].TempID)
	e.pending = slices.Delete(e.pending, i, i+1)
}
