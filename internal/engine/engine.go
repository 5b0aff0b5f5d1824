// Package engine wires the cache, reconciliation, channel supervision and
// prefetching into one chat session. It owns the data-flow path: a user
// action is written optimistically to the cache, sent to the backend, and
// reconciled with the authoritative change when it arrives on the realtime
// feed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/chatsync/internal/cache"
	"github.com/tonimelisma/chatsync/internal/channel"
	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/metrics"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/notify"
	"github.com/tonimelisma/chatsync/internal/prefetch"
	"github.com/tonimelisma/chatsync/internal/reconcile"
)

// Sentinel errors.
var (
	ErrEmptyMessage = errors.New("engine: message is empty")
	ErrPending      = errors.New("engine: message is not confirmed yet")
	ErrNotCached    = errors.New("engine: message is not cached")
)

// Backend is the query/mutation surface of the managed backend.
// *backend.Client implements it.
type Backend interface {
	ListMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error)
	GetRoom(ctx context.Context, id string) (model.Room, error)
	ListMembers(ctx context.Context, roomID string) (model.Membership, error)
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
	SendMessage(ctx context.Context, roomID, userID, content string) (model.Message, error)
	EditMessage(ctx context.Context, id, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// DefaultPageSize is the number of messages per history page.
const DefaultPageSize = 50

// Options configures an Engine.
type Options struct {
	UserID      string
	Profile     model.ProfileSnapshot // embedded in optimistic messages
	PageSize    int
	MatchWindow time.Duration
	Channel     channel.Options
	Prefetch    prefetch.Options
}

// Engine is one signed-in chat session. Safe for concurrent use.
type Engine struct {
	cache      *cache.Store
	reconciler *reconcile.Engine
	channels   *channel.Manager
	prefetcher *prefetch.Scheduler
	backend    Backend
	logger     *slog.Logger

	userID   string
	profile  model.ProfileSnapshot
	pageSize int

	nowFunc func() time.Time

	mu    sync.Mutex
	rooms map[string]bool // rooms opened with OpenRoom
}

// New creates an Engine over the session cache c. Realtime subscriptions are
// opened through sub; notifier may be nil.
func New(
	c *cache.Store,
	be Backend,
	sub channel.Subscriber,
	notifier notify.Notifier,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if notifier == nil {
		notifier = notify.Discard{}
	}

	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	e := &Engine{
		cache:      c,
		reconciler: reconcile.New(c, opts.MatchWindow, logger),
		prefetcher: prefetch.New(c, opts.Prefetch, logger),
		backend:    be,
		logger:     logger,
		userID:     opts.UserID,
		profile:    opts.Profile,
		pageSize:   opts.PageSize,
		nowFunc:    time.Now,
		rooms:      make(map[string]bool),
	}

	e.channels = channel.New(sub, notifier, e.handleEvent, opts.Channel, logger)
	e.channels.OnStatus(e.handleSignal)

	return e
}

// Send writes content to roomID optimistically and sends it. The returned
// message carries the authoritative id. On failure the optimistic message
// is rolled back and the error returned.
func (e *Engine) Send(ctx context.Context, roomID, content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	now := e.nowFunc()
	temp := model.Message{
		ID:        chatid.NewTempID(now),
		RoomID:    roomID,
		UserID:    e.userID,
		Content:   content,
		CreatedAt: now,
		Profile:   e.profile,
	}

	if err := e.reconciler.AddPending(temp); err != nil {
		return model.Message{}, fmt.Errorf("engine: adding pending message: %w", err)
	}

	e.logger.Debug("engine: sending message",
		slog.String("room_id", roomID),
		slog.String("temp_id", temp.ID),
	)

	msg, err := e.backend.SendMessage(ctx, roomID, e.userID, content)
	if err != nil {
		e.reconciler.Rollback(temp.ID)
		e.logger.Warn("engine: send failed, rolled back",
			slog.String("room_id", roomID),
			slog.String("temp_id", temp.ID),
			slog.String("error", err.Error()),
		)

		return model.Message{}, fmt.Errorf("engine: sending to %s: %w", roomID, err)
	}

	// The realtime echo may already have matched the pending entry, in which
	// case this apply is a dedup.
	res := e.reconciler.Apply(model.Event{Kind: model.EventInsert, Message: msg})

	// A response outside the match window was inserted on its own; drop the
	// temp so the message is shown once.
	if e.reconciler.IsPending(temp.ID) {
		e.reconciler.Rollback(temp.ID)
	}

	e.logger.Debug("engine: message sent",
		slog.String("id", msg.ID),
		slog.String("temp_id", temp.ID),
		slog.String("outcome", res.Outcome.String()),
	)

	return msg, nil
}

// Edit changes a sent message. The cache shows the new content at once and
// reverts if the backend rejects the edit.
func (e *Engine) Edit(ctx context.Context, id, content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, ErrEmptyMessage
	}

	if chatid.IsTemp(id) {
		return model.Message{}, fmt.Errorf("%w: %s", ErrPending, id)
	}

	prev, ok := e.cachedMessage(id)
	if ok {
		edited := prev
		edited.Content = content
		editedAt := e.nowFunc()
		edited.EditedAt = &editedAt
		e.cache.Put(edited, false)
	}

	msg, err := e.backend.EditMessage(ctx, id, content)
	if err != nil {
		if ok {
			e.cache.Put(prev, false)
		}

		return model.Message{}, fmt.Errorf("engine: editing %s: %w", id, err)
	}

	e.reconciler.Apply(model.Event{Kind: model.EventUpdate, Message: msg})

	return msg, nil
}

// Delete removes a sent message. The cache drops it at once and restores it
// if the backend rejects the delete.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if chatid.IsTemp(id) {
		return fmt.Errorf("%w: %s", ErrPending, id)
	}

	prev, ok := e.cachedMessage(id)
	if ok {
		e.cache.Delete(chatid.MessageKey(id))
	}

	if err := e.backend.DeleteMessage(ctx, id); err != nil {
		if ok {
			e.cache.Put(prev, false)
		}

		return fmt.Errorf("engine: deleting %s: %w", id, err)
	}

	e.reconciler.Apply(model.Event{Kind: model.EventDelete, Message: model.Message{ID: id, RoomID: prev.RoomID}})

	return nil
}

func (e *Engine) cachedMessage(id string) (model.Message, bool) {
	ent, ok := e.cache.Peek(chatid.MessageKey(id))
	if !ok {
		return model.Message{}, false
	}

	msg, ok := ent.(model.Message)

	return msg, ok
}

// OpenRoom subscribes to roomID's live changes and warms its info, members
// and first history page in the background.
func (e *Engine) OpenRoom(roomID string) error {
	if err := e.channels.Subscribe(roomScope(roomID), roomFilter(roomID)); err != nil {
		return fmt.Errorf("engine: opening room %s: %w", roomID, err)
	}

	e.mu.Lock()
	e.rooms[roomID] = true
	e.mu.Unlock()

	e.scheduleEntity(chatid.RoomKey(roomID), e.fetchRoom(roomID))
	e.scheduleEntity(chatid.MembershipKey(roomID), e.fetchMembers(roomID))

	if covered, complete := e.cache.RoomCoverage(roomID); covered < e.pageSize && !complete {
		e.schedulePage(roomID, e.pageSize, 0)
	}

	e.logger.Info("engine: room opened", slog.String("room_id", roomID))

	return nil
}

// CloseRoom stops live updates for roomID. Cached data stays.
func (e *Engine) CloseRoom(roomID string) {
	e.channels.Unsubscribe(roomScope(roomID))

	e.mu.Lock()
	delete(e.rooms, roomID)
	e.mu.Unlock()
}

// OpenRooms returns the ids of the rooms opened with OpenRoom.
func (e *Engine) OpenRooms() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		ids = append(ids, id)
	}

	return ids
}

// SetVisible forwards the foreground state to the channel manager.
func (e *Engine) SetVisible(visible bool) {
	e.channels.SetVisible(visible)
}

// SetOnline forwards network reachability to the channel manager.
func (e *Engine) SetOnline(online bool) {
	e.channels.SetOnline(online)
}

// OnStatus registers a listener for connection status signals.
func (e *Engine) OnStatus(fn func(channel.Signal)) {
	e.channels.OnStatus(fn)
}

// OnChange registers a listener for cache mutations; UI bindings re-render
// from the cache when it fires.
func (e *Engine) OnChange(fn func(cache.Change)) {
	e.cache.OnChange(fn)
}

// Pending returns the optimistic messages still awaiting confirmation.
func (e *Engine) Pending() []reconcile.PendingEntry {
	return e.reconciler.Pending()
}

// Connection returns the channel state of roomID.
func (e *Engine) Connection(roomID string) (channel.Snapshot, bool) {
	return e.channels.Snapshot(roomScope(roomID))
}

// Stats returns the cache statistics.
func (e *Engine) Stats() metrics.CacheStats {
	return e.cache.Stats()
}

// PrefetchStats returns the background fetch counters.
func (e *Engine) PrefetchStats() prefetch.Stats {
	return e.prefetcher.Stats()
}

// Evict runs one cache eviction pass.
func (e *Engine) Evict(policy cache.Policy) cache.Summary {
	return e.cache.Evict(policy)
}

// Wait blocks until scheduled background fetches have finished.
func (e *Engine) Wait() {
	e.prefetcher.Wait()
}

// Close tears down every subscription and abandons background fetches.
// The cache is owned by the caller and stays open.
func (e *Engine) Close() {
	e.channels.Close()
	e.prefetcher.Close()
}

// handleEvent is the channel manager's event handler: every authoritative
// change goes through reconciliation.
func (e *Engine) handleEvent(scope string, ev model.Event) {
	res := e.reconciler.Apply(ev)

	e.logger.Debug("engine: applied event",
		slog.String("scope", scope),
		slog.String("kind", ev.Kind.String()),
		slog.String("id", ev.Message.ID),
		slog.String("outcome", res.Outcome.String()),
	)
}

// handleSignal refetches a room's newest page after an outage, since
// changes made while the feed was down were never delivered.
func (e *Engine) handleSignal(sig channel.Signal) {
	if !sig.Recovered {
		return
	}

	roomID, ok := roomFromScope(sig.Scope)
	if !ok {
		return
	}

	e.logger.Info("engine: catching up after reconnect", slog.String("room_id", roomID))

	e.cache.InvalidateRoom(roomID)
	e.schedulePage(roomID, e.pageSize, 0)
}

const roomScopePrefix = "room:"

func roomScope(roomID string) string {
	return roomScopePrefix + roomID
}

func roomFromScope(scope string) (string, bool) {
	return strings.CutPrefix(scope, roomScopePrefix)
}

func roomFilter(roomID string) string {
	return "room_id=eq." + roomID
}
