package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy selects an eviction strategy.
type Policy int

// Eviction policies.
const (
	// PolicyOptimize drops entries past their TTL, then keeps the most
	// recently used entries up to Options.MaxEntries.
	PolicyOptimize Policy = iota
	// PolicyDeepClean drops every entry untouched within
	// Options.DeepCleanWindow, trims to Options.DeepCleanBudget and
	// compacts the persistent store. Pending optimistic messages are kept
	// and do not count against the budget, so Len may exceed it by the
	// number of messages awaiting reconciliation.
	PolicyDeepClean
)

func (p Policy) String() string {
	switch p {
	case PolicyOptimize:
		return "optimize"
	case PolicyDeepClean:
		return "deepClean"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// Summary reports what an eviction pass removed.
type Summary struct {
	Removed    int
	BytesFreed int64
}

// Evict runs one eviction pass. Optimistic messages awaiting reconciliation
// are never evicted and are not counted against either policy's entry
// budget.
func (s *Store) Evict(policy Policy) Summary {
	s.mu.Lock()

	now := s.nowFunc()

	var (
		sum     Summary
		changes []Change
	)

	drop := func(el *list.Element) {
		ent := el.Value.(*entry)
		sum.Removed++
		sum.BytesFreed += ent.size
		changes = append(changes, s.removeLocked(el, removeEvict)...)
	}

	var (
		dropIf func(*entry) bool
		budget int
	)

	switch policy {
	case PolicyDeepClean:
		cutoff := now.Add(-s.opts.DeepCleanWindow)
		dropIf = func(e *entry) bool { return e.lastAccess.Before(cutoff) }
		budget = s.opts.DeepCleanBudget
	default:
		dropIf = func(e *entry) bool { return e.expired(now) }
		budget = s.opts.MaxEntries
	}

	unpinned := 0

	for el := s.lru.Front(); el != nil; {
		next := el.Next()

		switch ent := el.Value.(*entry); {
		case ent.pinned():
		case dropIf(ent):
			drop(el)
		default:
			unpinned++
		}

		el = next
	}

	// Least recently used sit at the back.
	for el := s.lru.Back(); el != nil && unpinned > budget; {
		prev := el.Prev()
		if !el.Value.(*entry).pinned() {
			drop(el)
			unpinned--
		}

		el = prev
	}

	if policy == PolicyDeepClean {
		s.enqueueLocked(writeReq{compact: true})
	}

	s.mu.Unlock()

	if policy == PolicyOptimize {
		s.stats.MarkOptimized(now)
	}

	s.notify(changes)

	s.logger.Info("cache: eviction finished",
		slog.String("policy", policy.String()),
		slog.Int("removed", sum.Removed),
		slog.Int64("bytes_freed", sum.BytesFreed),
	)

	return sum
}

// Optimize is Evict(PolicyOptimize).
func (s *Store) Optimize() Summary {
	return s.Evict(PolicyOptimize)
}

// DeepClean is Evict(PolicyDeepClean).
func (s *Store) DeepClean() Summary {
	return s.Evict(PolicyDeepClean)
}

// optimizerRecheck is how often a disabled optimizer looks at its interval
// again.
const optimizerRecheck = time.Minute

// RunOptimizer runs Optimize until ctx is canceled. interval is consulted
// before every wait, so a reloaded config takes effect on the next cycle;
// a non-positive interval pauses optimization.
func (s *Store) RunOptimizer(ctx context.Context, interval func() time.Duration) {
	for {
		d := interval()

		wait := d
		if d <= 0 {
			wait = optimizerRecheck
		}

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if d > 0 {
			s.Optimize()
		}
	}
}
