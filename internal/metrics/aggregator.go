// Package metrics accounts for cache effectiveness: hit rate, bytes served
// from cache instead of the network, and deduplicated writes. Every update
// is a single atomic operation so the cache can record on each call.
package metrics

import (
	"sync/atomic"
	"time"
)

// CacheStats is a point-in-time snapshot of the aggregator's counters.
type CacheStats struct {
	Hits            int64
	Misses          int64
	BytesSaved      int64
	DedupedCount    int64
	Requests        int64
	BytesFetched    int64
	LastOptimizedAt time.Time // zero until the first optimize pass
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// BandwidthSavings returns the share of bytes served from cache out of all
// bytes delivered (cache + network), or 0 when nothing was delivered.
func (s CacheStats) BandwidthSavings() float64 {
	total := s.BytesSaved + s.BytesFetched
	if total == 0 {
		return 0
	}

	return float64(s.BytesSaved) / float64(total)
}

// Since returns the counts accumulated between base and s. The optimize
// stamp is kept only when it moved past base's.
func (s CacheStats) Since(base CacheStats) CacheStats {
	d := CacheStats{
		Hits:         s.Hits - base.Hits,
		Misses:       s.Misses - base.Misses,
		BytesSaved:   s.BytesSaved - base.BytesSaved,
		DedupedCount: s.DedupedCount - base.DedupedCount,
		Requests:     s.Requests - base.Requests,
		BytesFetched: s.BytesFetched - base.BytesFetched,
	}

	if s.LastOptimizedAt.After(base.LastOptimizedAt) {
		d.LastOptimizedAt = s.LastOptimizedAt
	}

	return d
}

// Add returns the field-wise sum of s and d. The later optimize stamp wins.
func (s CacheStats) Add(d CacheStats) CacheStats {
	sum := CacheStats{
		Hits:            s.Hits + d.Hits,
		Misses:          s.Misses + d.Misses,
		BytesSaved:      s.BytesSaved + d.BytesSaved,
		DedupedCount:    s.DedupedCount + d.DedupedCount,
		Requests:        s.Requests + d.Requests,
		BytesFetched:    s.BytesFetched + d.BytesFetched,
		LastOptimizedAt: s.LastOptimizedAt,
	}

	if d.LastOptimizedAt.After(sum.LastOptimizedAt) {
		sum.LastOptimizedAt = d.LastOptimizedAt
	}

	return sum
}

// Aggregator holds the monotonically increasing cache counters. The zero
// value is ready to use. Safe for concurrent use.
type Aggregator struct {
	hits          atomic.Int64
	misses        atomic.Int64
	bytesSaved    atomic.Int64
	deduped       atomic.Int64
	requests      atomic.Int64
	bytesFetched  atomic.Int64
	optimizedNano atomic.Int64
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// RecordHit counts a lookup served from cache, crediting size bytes as saved.
func (a *Aggregator) RecordHit(size int64) {
	a.hits.Add(1)

	if size > 0 {
		a.bytesSaved.Add(size)
	}
}

// RecordMiss counts a lookup the cache could not serve.
func (a *Aggregator) RecordMiss() {
	a.misses.Add(1)
}

// RecordDedup counts a write that turned out to be a duplicate.
func (a *Aggregator) RecordDedup() {
	a.deduped.Add(1)
}

// RecordRequest counts one network response of size bytes.
func (a *Aggregator) RecordRequest(size int64) {
	a.requests.Add(1)
	a.RecordFetched(size)
}

// RecordFetched credits size bytes as delivered by the backend without
// counting a response. Used for the entities of a response already counted
// and for realtime pushes.
func (a *Aggregator) RecordFetched(size int64) {
	if size > 0 {
		a.bytesFetched.Add(size)
	}
}

// MarkOptimized stamps the time of the latest optimize pass.
func (a *Aggregator) MarkOptimized(at time.Time) {
	a.optimizedNano.Store(at.UnixNano())
}

// Snapshot returns the current counters. Individual fields are read
// atomically; the snapshot as a whole is not a consistent cut, which is
// fine for reporting.
func (a *Aggregator) Snapshot() CacheStats {
	s := CacheStats{
		Hits:         a.hits.Load(),
		Misses:       a.misses.Load(),
		BytesSaved:   a.bytesSaved.Load(),
		DedupedCount: a.deduped.Load(),
		Requests:     a.requests.Load(),
		BytesFetched: a.bytesFetched.Load(),
	}

	if nano := a.optimizedNano.Load(); nano != 0 {
		s.LastOptimizedAt = time.Unix(0, nano)
	}

	return s
}

// Reset zeroes every counter. This is the only way counters go down.
func (a *Aggregator) Reset() {
	a.hits.Store(0)
	a.misses.Store(0)
	a.bytesSaved.Store(0)
	a.deduped.Store(0)
	a.requests.Store(0)
	a.bytesFetched.Store(0)
	a.optimizedNano.Store(0)
}

// Restore adds a snapshot saved by an earlier session to the counters, so
// the totals span process restarts. The later optimize stamp wins.
func (a *Aggregator) Restore(s CacheStats) {
	a.hits.Add(s.Hits)
	a.misses.Add(s.Misses)
	a.bytesSaved.Add(s.BytesSaved)
	a.deduped.Add(s.DedupedCount)
	a.requests.Add(s.Requests)
	a.bytesFetched.Add(s.BytesFetched)

	if !s.LastOptimizedAt.IsZero() && s.LastOptimizedAt.UnixNano() > a.optimizedNano.Load() {
		a.optimizedNano.Store(s.LastOptimizedAt.UnixNano())
	}
}
