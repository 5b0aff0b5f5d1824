package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// topLevelKey names keys that sit outside any section.
const topLevelKey = ""

// knownKeys lists the valid keys of every section. The empty section holds
// the top-level keys, including the section names themselves.
var knownKeys = map[string][]string{
	topLevelKey: {"state_dir", "backend", "cache", "reconcile", "channel", "prefetch", "logging"},
	"backend": {
		"url", "realtime_url", "api_key", "token_file", "request_timeout",
		"user_agent", "max_frame_size",
	},
	"cache": {
		"db_path", "max_entries", "deep_clean_budget", "deep_clean_window", "max_stale",
		"message_ttl", "room_ttl", "user_ttl", "membership_ttl", "optimize_interval",
		"write_queue_size",
	},
	"reconcile": {"match_window"},
	"channel":   {"base_delay", "max_delay", "max_attempts", "health_interval", "subscribe_timeout"},
	"prefetch":  {"rate", "burst", "page_size"},
	"logging":   {"log_level", "log_format"},
}

func init() {
	// Sorted for deterministic suggestions when two candidates have the
	// same edit distance.
	for _, keys := range knownKeys {
		sort.Strings(keys)
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table is reported once, not once per key inside it.
	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError creates a descriptive error for an undecoded key,
// suggesting the closest known key of the same section.
func unknownKeyError(key toml.Key) error {
	section, field := topLevelKey, key[0]
	if len(key) > 1 {
		section, field = key[0], key[1]
	}

	known, ok := knownKeys[section]
	if !ok {
		// Unknown section: suggest against section names.
		section, field, known = topLevelKey, key[0], knownKeys[topLevelKey]
	}

	name := field
	if section != topLevelKey {
		name = section + "." + field
	}

	if suggestion := closestMatch(field, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q: did you mean %q?", name, suggestion)
	}

	return fmt.Errorf("unknown config key %q", name)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(strings.ToLower(unknown), k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Single-row optimization avoids allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
