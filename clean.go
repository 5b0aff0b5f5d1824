package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/chatsync/internal/cache"
)

func newCleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Evict expired and least recently used cache entries",
		Long: `Run one eviction pass over the cache. The default pass drops expired
entries and trims to cache.max_entries. --deep also drops everything untouched
within cache.deep_clean_window, trims to cache.deep_clean_budget and compacts
the database. Messages still awaiting confirmation are never evicted.`,
		Args: cobra.NoArgs,
		RunE: runClean,
	}

	cmd.Flags().Bool("deep", false, "run a deep clean and compact the database")

	return cmd
}

func runClean(cmd *cobra.Command, _ []string) error {
	deep, _ := cmd.Flags().GetBool("deep")

	pidPath := watchPIDPath(resolvedCfg)
	if pid := runningWatcher(pidPath); pid != 0 {
		return fmt.Errorf("watch (PID %d) is running and owns the cache; stop it first", pid)
	}

	logger, _ := defaultLogger()

	sess, err := openCacheSession(cmd.Context(), resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	// An optimize pass stamps LastOptimizedAt.
	sess.SaveStats = true

	policy := cache.PolicyOptimize
	if deep {
		policy = cache.PolicyDeepClean
	}

	sum := sess.Cache.Evict(policy)

	if flagJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		return enc.Encode(struct {
			Policy     string `json:"policy"`
			Removed    int    `json:"removed"`
			BytesFreed int64  `json:"bytes_freed"`
			Remaining  int    `json:"remaining"`
		}{policy.String(), sum.Removed, sum.BytesFreed, sess.Cache.Len()})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries (%s), %d remaining.\n",
		sum.Removed, formatSize(sum.BytesFreed), sess.Cache.Len())

	return nil
}
