package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports an Aggregator's snapshot as Prometheus metrics. It reads
// the counters at scrape time, so registering it costs nothing on the cache
// hot path. Register it on an explicit registry; nothing here touches the
// global default registerer.
type Collector struct {
	agg *Aggregator

	hits         *prometheus.Desc
	misses       *prometheus.Desc
	bytesSaved   *prometheus.Desc
	deduped      *prometheus.Desc
	requests     *prometheus.Desc
	bytesFetched *prometheus.Desc
	hitRate      *prometheus.Desc
}

// NewCollector creates a collector with metric names prefixed by namespace.
func NewCollector(agg *Aggregator, namespace string) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "cache", n)
	}

	return &Collector{
		agg:          agg,
		hits:         prometheus.NewDesc(name("hits_total"), "Cache lookups served from cache.", nil, nil),
		misses:       prometheus.NewDesc(name("misses_total"), "Cache lookups that fell through to the network.", nil, nil),
		bytesSaved:   prometheus.NewDesc(name("bytes_saved_total"), "Bytes served from cache instead of the network.", nil, nil),
		deduped:      prometheus.NewDesc(name("deduped_total"), "Duplicate writes absorbed by the cache.", nil, nil),
		requests:     prometheus.NewDesc(name("network_requests_total"), "Network responses written into the cache.", nil, nil),
		bytesFetched: prometheus.NewDesc(name("bytes_fetched_total"), "Bytes received from the network.", nil, nil),
		hitRate:      prometheus.NewDesc(name("hit_ratio"), "hits / (hits + misses).", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.bytesSaved
	ch <- c.deduped
	ch <- c.requests
	ch <- c.bytesFetched
	ch <- c.hitRate
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.agg.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.bytesSaved, prometheus.CounterValue, float64(s.BytesSaved))
	ch <- prometheus.MustNewConstMetric(c.deduped, prometheus.CounterValue, float64(s.DedupedCount))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests))
	ch <- prometheus.MustNewConstMetric(c.bytesFetched, prometheus.CounterValue, float64(s.BytesFetched))
	ch <- prometheus.MustNewConstMetric(c.hitRate, prometheus.GaugeValue, s.HitRate())
}
