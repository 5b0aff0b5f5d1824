// Package prefetch deduplicates concurrent fetches of the same cache key and
// runs speculative warm-up fetches in the background under a token-bucket
// throttle, so they never crowd out requests a user is waiting on.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/tonimelisma/chatsync/internal/chatid"
)

// ErrClosed is returned by Prefetch after Close.
var ErrClosed = errors.New("prefetch: scheduler closed")

// Fetch loads the value behind a key. Implementations write their result to
// the cache themselves; the returned value is handed to every waiter.
type Fetch func(ctx context.Context) (any, error)

// Freshness reports whether the cache already holds a fresh entry for key.
// *cache.Store implements it.
type Freshness interface {
	Fresh(key chatid.Key) bool
}

// Default throttle for scheduled fetches.
const (
	DefaultRate  = 5.0
	DefaultBurst = 2
)

// Options tunes a Scheduler. Rate is scheduled fetches per second; zero
// selects DefaultRate and a negative value disables throttling.
type Options struct {
	Rate  float64
	Burst int
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Fetched int64 // fetch functions actually run
	Shared  int64 // Prefetch calls served by another caller's fetch
	Skipped int64 // scheduled fetches skipped because the entry was fresh
	Failed  int64
}

type counters struct {
	fetched atomic.Int64
	shared  atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// Scheduler runs at most one fetch per key at a time. Safe for concurrent
// use.
type Scheduler struct {
	group   singleflight.Group
	limiter *rate.Limiter
	fresh   Freshness
	logger  *slog.Logger
	stats   counters

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Scheduler. fresh may be nil, in which case nothing is ever
// considered fresh.
func New(fresh Freshness, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Rate == 0 {
		opts.Rate = DefaultRate
	}

	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}

	limit := rate.Limit(opts.Rate)
	if opts.Rate < 0 {
		limit = rate.Inf
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Debug("prefetch: scheduler created",
		slog.Float64("rate", opts.Rate),
		slog.Int("burst", opts.Burst),
	)

	return &Scheduler{
		limiter: rate.NewLimiter(limit, opts.Burst),
		fresh:   fresh,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Prefetch runs fetch for key unless a fetch for key is already in flight,
// in which case it waits for that one. shared reports whether the result
// came from another caller's fetch. The fetch runs under the scheduler's
// lifetime, so a caller giving up through ctx does not cancel it for the
// others.
func (s *Scheduler) Prefetch(ctx context.Context, key chatid.Key, fetch Fetch) (v any, shared bool, err error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}

	ch := s.group.DoChan(key.String(), func() (any, error) {
		s.stats.fetched.Add(1)

		v, err := fetch(s.ctx)
		if err != nil {
			s.stats.failed.Add(1)
			return nil, fmt.Errorf("prefetch: fetching %s: %w", key, err)
		}

		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.stats.shared.Add(1)
		}

		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Schedule warms key in the background. It returns false without fetching
// when the scheduler is closed or the cache already holds a fresh entry.
// Scheduled fetches wait for the throttle first and are abandoned on Close.
func (s *Scheduler) Schedule(key chatid.Key, fetch Fetch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if s.isFresh(key) {
		s.stats.skipped.Add(1)
		return false
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}

		// The entry may have been filled while we waited.
		if s.isFresh(key) {
			s.stats.skipped.Add(1)
			return
		}

		if _, _, err := s.Prefetch(s.ctx, key, fetch); err != nil && s.ctx.Err() == nil {
			s.logger.Debug("prefetch: background fetch failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}()

	return true
}

// Wait blocks until every scheduled fetch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close cancels scheduled and in-flight fetches and waits for them to
// return. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Fetched: s.stats.fetched.Load(),
		Shared:  s.stats.shared.Load(),
		Skipped: s.stats.skipped.Load(),
		Failed:  s.stats.failed.Load(),
	}
}

func (s *Scheduler) isFresh(key chatid.Key) bool {
	return s.fresh != nil && s.fresh.Fresh(key)
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
