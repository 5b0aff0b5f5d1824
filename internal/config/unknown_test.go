package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TopLevel(t *testing.T) {
	path := writeTestConfig(t, `
state_dri = "/tmp/chat"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "state_dri"`)
	assert.Contains(t, err.Error(), `did you mean "state_dir"`)
}

func TestLoad_UnknownKey_InSection(t *testing.T) {
	path := writeTestConfig(t, "[channel]\nbase_dealy = \"1s\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"channel.base_dealy"`)
	assert.Contains(t, err.Error(), `"base_delay"`)
}

func TestLoad_UnknownKey_SuggestsFromOwnSection(t *testing.T) {
	// "url" exists in [backend] but not in [cache].
	path := writeTestConfig(t, "[cache]\nurl = \"x\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "cache.url"`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_UnknownSection_ReportedOnce(t *testing.T) {
	path := writeTestConfig(t, `
[backnd]
url = "https://example.test"
api_key = "anon"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "backend"`)
	assert.Equal(t, 1, strings.Count(err.Error(), "unknown config key"))
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, `
[prefetch]
completely_unrelated_key = true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config key")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"room_tl", "room_ttl", 1},
		{"max_atempts", "max_attempts", 1},
		{"completely_different", "xyz", 19},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, levenshtein(tt.a, tt.b))
		})
	}
}

func TestClosestMatch(t *testing.T) {
	known := knownKeys["cache"]
	assert.Equal(t, "user_ttl", closestMatch("usr_ttl", known))
	assert.Equal(t, "db_path", closestMatch("DB_PATH", known))
	assert.Equal(t, "", closestMatch("completely_unrelated", known))
}
