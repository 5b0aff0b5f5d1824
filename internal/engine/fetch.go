package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/chatsync/internal/cache"
	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/model"
	"github.com/tonimelisma/chatsync/internal/prefetch"
)

// History returns one page of roomID's messages, oldest first. offset counts
// from the newest message. A cached page is served at once and revalidated
// in the background when stale; otherwise the page is fetched, with
// concurrent readers of the same page sharing one request.
func (e *Engine) History(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = e.pageSize
	}

	offset = max(offset, 0)

	if page := e.cache.GetPage(roomID, limit, offset); len(page) > 0 {
		if !e.cache.Fresh(chatid.MessageKey(page[len(page)-1].ID)) {
			e.schedulePage(roomID, limit, offset)
		}

		return page, nil
	}

	v, _, err := e.prefetcher.Prefetch(ctx, pageKey(roomID, limit, offset), e.fetchPage(roomID, limit, offset))
	if err != nil {
		return nil, fmt.Errorf("engine: loading history of %s: %w", roomID, err)
	}

	msgs, _ := v.([]model.Message)

	return msgs, nil
}

// Room returns roomID's info, from the cache when possible.
func (e *Engine) Room(ctx context.Context, roomID string) (model.Room, error) {
	r, err := load[model.Room](ctx, e, chatid.RoomKey(roomID), e.fetchRoom(roomID))
	if err != nil {
		return model.Room{}, fmt.Errorf("engine: loading room %s: %w", roomID, err)
	}

	return r, nil
}

// Members returns roomID's member list, from the cache when possible.
func (e *Engine) Members(ctx context.Context, roomID string) (model.Membership, error) {
	m, err := load[model.Membership](ctx, e, chatid.MembershipKey(roomID), e.fetchMembers(roomID))
	if err != nil {
		return model.Membership{}, fmt.Errorf("engine: loading members of %s: %w", roomID, err)
	}

	return m, nil
}

// Profile returns userID's profile, from the cache when possible.
func (e *Engine) Profile(ctx context.Context, userID string) (model.Profile, error) {
	p, err := load[model.Profile](ctx, e, chatid.UserKey(userID), e.fetchProfile(userID))
	if err != nil {
		return model.Profile{}, fmt.Errorf("engine: loading profile %s: %w", userID, err)
	}

	return p, nil
}

// WarmRoom loads roomID's info, its members and the history page before the
// newest one concurrently, so opening the room renders from the cache.
func (e *Engine) WarmRoom(ctx context.Context, roomID string) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := e.Room(gctx, roomID)
		return err
	})

	g.Go(func() error {
		_, err := e.Members(gctx, roomID)
		return err
	})

	g.Go(func() error {
		_, err := e.History(gctx, roomID, e.pageSize, e.pageSize)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.Debug("engine: room warmed", slog.String("room_id", roomID))

	return nil
}

// load is the read-through path shared by the entity getters: a cached
// value is returned even when stale, with a background refresh scheduled;
// a miss is fetched through the prefetch scheduler.
func load[T model.Entity](ctx context.Context, e *Engine, key chatid.Key, fetch prefetch.Fetch) (T, error) {
	var zero T

	if c, ok := cache.GetAs[T](e.cache, key); ok {
		if c.Stale {
			e.prefetcher.Schedule(key, fetch)
		}

		return c.Data, nil
	}

	v, _, err := e.prefetcher.Prefetch(ctx, key, fetch)
	if err != nil {
		return zero, err
	}

	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("engine: unexpected %T for %s", v, key)
	}

	return t, nil
}

func (e *Engine) scheduleEntity(key chatid.Key, fetch prefetch.Fetch) {
	e.prefetcher.Schedule(key, fetch)
}

func (e *Engine) schedulePage(roomID string, limit, offset int) {
	e.prefetcher.Schedule(pageKey(roomID, limit, offset), e.fetchPage(roomID, limit, offset))
}

func (e *Engine) fetchRoom(roomID string) prefetch.Fetch {
	return func(ctx context.Context) (any, error) {
		r, err := e.backend.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}

		e.cache.CountResponse()
		e.cache.Put(r, true)

		return r, nil
	}
}

func (e *Engine) fetchMembers(roomID string) prefetch.Fetch {
	return func(ctx context.Context) (any, error) {
		m, err := e.backend.ListMembers(ctx, roomID)
		if err != nil {
			return nil, err
		}

		e.cache.CountResponse()
		e.cache.Put(m, true)

		// Member rows carry full profiles; cache them individually too.
		for _, p := range m.Members {
			e.cache.Put(p, true)
		}

		return m, nil
	}
}

func (e *Engine) fetchProfile(userID string) prefetch.Fetch {
	return func(ctx context.Context) (any, error) {
		p, err := e.backend.GetProfile(ctx, userID)
		if err != nil {
			return nil, err
		}

		e.cache.CountResponse()
		e.cache.Put(p, true)

		return p, nil
	}
}

func (e *Engine) fetchPage(roomID string, limit, offset int) prefetch.Fetch {
	return func(ctx context.Context) (any, error) {
		msgs, err := e.backend.ListMessages(ctx, roomID, limit, offset)
		if err != nil {
			return nil, err
		}

		e.cache.PutPage(roomID, msgs, limit, offset)

		return msgs, nil
	}
}

// pageKey names a history page for request deduplication. Page keys are
// never cached, so they are never considered fresh.
func pageKey(roomID string, limit, offset int) chatid.Key {
	return chatid.MessageKey("page:" + roomID + ":" + strconv.Itoa(limit) + ":" + strconv.Itoa(offset))
}
