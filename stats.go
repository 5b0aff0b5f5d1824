package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/chatid"
	"github.com/tonimelisma/chatsync/internal/metrics"
)

// metricsNamespace prefixes every exported Prometheus metric.
const metricsNamespace = "chatsync"

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache effectiveness and contents",
		Long: `Show cache statistics accumulated across runs: hit rate, bytes served
from cache, deduplicated writes and the number of cached entries per type.`,
		Args: cobra.NoArgs,
		RunE: runStats,
	}

	cmd.Flags().Bool("reset", false, "zero the accumulated counters")
	cmd.Flags().Bool("prometheus", false, "print the counters in Prometheus text format")

	return cmd
}

// statsReport is the stats command's output, also its JSON form.
type statsReport struct {
	Hits             int64          `json:"hits"`
	Misses           int64          `json:"misses"`
	HitRate          float64        `json:"hit_rate"`
	BytesSaved       int64          `json:"bytes_saved"`
	BytesFetched     int64          `json:"bytes_fetched"`
	BandwidthSavings float64        `json:"bandwidth_savings"`
	DedupedCount     int64          `json:"deduped_count"`
	Requests         int64          `json:"network_requests"`
	LastOptimizedAt  *time.Time     `json:"last_optimized_at,omitempty"`
	Entries          map[string]int `json:"entries"`
	DBPath           string         `json:"db_path"`
	DBSize           int64          `json:"db_size"`
	WatchPID         int            `json:"watch_pid,omitempty"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	reset, _ := cmd.Flags().GetBool("reset")
	prom, _ := cmd.Flags().GetBool("prometheus")

	logger, _ := defaultLogger()
	pidPath := watchPIDPath(resolvedCfg)
	watchPID := runningWatcher(pidPath)

	if reset && watchPID != 0 {
		return fmt.Errorf("watch (PID %d) is running and would keep reporting the old totals; stop it first", watchPID)
	}

	sess, err := openCacheSession(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	if reset {
		sess.ResetStats()

		statusf(flagQuiet, "Cache statistics reset.\n")

		return nil
	}

	out := cmd.OutOrStdout()

	if prom {
		return writePrometheus(out, sess.Stats)
	}

	report := buildStatsReport(sess, resolvedCfg.DBPath(), watchPID)

	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatsReport(out, report)

	return nil
}

func buildStatsReport(sess *CacheSession, dbPath string, watchPID int) statsReport {
	s := sess.Stats.Snapshot()

	r := statsReport{
		Hits:             s.Hits,
		Misses:           s.Misses,
		HitRate:          s.HitRate(),
		BytesSaved:       s.BytesSaved,
		BytesFetched:     s.BytesFetched,
		BandwidthSavings: s.BandwidthSavings(),
		DedupedCount:     s.DedupedCount,
		Requests:         s.Requests,
		Entries:          make(map[string]int, len(chatid.AllEntityTypes)),
		DBPath:           dbPath,
		WatchPID:         watchPID,
	}

	if !s.LastOptimizedAt.IsZero() {
		at := s.LastOptimizedAt
		r.LastOptimizedAt = &at
	}

	for _, t := range chatid.AllEntityTypes {
		r.Entries[string(t)] = len(sess.Cache.Keys(t))
	}

	if fi, err := os.Stat(dbPath); err == nil {
		r.DBSize = fi.Size()
	}

	return r
}

func printStatsReport(w io.Writer, r statsReport) {
	lastOptimized := "never"
	if r.LastOptimizedAt != nil {
		lastOptimized = formatAgo(*r.LastOptimizedAt)
	}

	rows := [][]string{
		{"Hit rate", formatPercent(r.HitRate)},
		{"Hits", strconv.FormatInt(r.Hits, 10)},
		{"Misses", strconv.FormatInt(r.Misses, 10)},
		{"Served from cache", formatSize(r.BytesSaved)},
		{"Fetched from network", formatSize(r.BytesFetched)},
		{"Bandwidth saved", formatPercent(r.BandwidthSavings)},
		{"Deduplicated writes", strconv.FormatInt(r.DedupedCount, 10)},
		{"Network responses", strconv.FormatInt(r.Requests, 10)},
		{"Last optimized", lastOptimized},
	}

	for _, t := range chatid.AllEntityTypes {
		rows = append(rows, []string{"Cached " + string(t) + "s", strconv.Itoa(r.Entries[string(t)])})
	}

	rows = append(rows, []string{"Database", r.DBPath + " (" + formatSize(r.DBSize) + ")"})

	if r.WatchPID != 0 {
		rows = append(rows, []string{"Watch", "running (PID " + strconv.Itoa(r.WatchPID) + ")"})
	}

	printTable(w, []string{"STAT", "VALUE"}, rows)
}

// writePrometheus gathers the aggregator through a private registry and
// writes the text exposition format, for node_exporter's textfile collector.
func writePrometheus(w io.Writer, agg *metrics.Aggregator) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(agg, metricsNamespace)); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	var errs []error

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
