package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/chatsync/internal/model"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"negative", -5, "0 B"},
		{"bytes", 512, "512 B"},
		{"kibibytes", 1536, "1.5 KiB"},
		{"mebibytes", 5242880, "5.0 MiB"},
		{"gibibytes", 1610612736, "1.5 GiB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	now := time.Now()
	sameYear := time.Date(now.Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	t.Run("same year", func(t *testing.T) {
		result := formatTime(sameYear)
		assert.Contains(t, result, "Mar")
		assert.Contains(t, result, "15")
		assert.Contains(t, result, "10:30")
	})

	t.Run("different year", func(t *testing.T) {
		result := formatTime(diffYear)
		assert.Contains(t, result, "Dec")
		assert.Contains(t, result, "25")
		assert.Contains(t, result, "2020")
	})
}

func TestFormatAgo(t *testing.T) {
	assert.Equal(t, "never", formatAgo(time.Time{}))
	assert.Contains(t, formatAgo(time.Now().Add(-3*time.Hour)), "hours ago")
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "0%", formatPercent(0))
	assert.Equal(t, "75%", formatPercent(0.75))
	assert.Equal(t, "33.3%", formatPercent(1.0/3))
}

func TestFormatMessage(t *testing.T) {
	edited := time.Now()

	tests := []struct {
		name     string
		msg      model.Message
		contains []string
		absent   []string
	}{
		{
			name:     "display name wins",
			msg:      model.Message{ID: "m1", UserID: "u1", Content: "hi", Profile: model.ProfileSnapshot{Username: "ann", DisplayName: "Ann"}},
			contains: []string{"Ann: hi"},
			absent:   []string{"(edited)", "…"},
		},
		{
			name:     "username fallback",
			msg:      model.Message{ID: "m1", UserID: "u1", Content: "hi", Profile: model.ProfileSnapshot{Username: "ann"}},
			contains: []string{"ann: hi"},
		},
		{
			name:     "user id fallback",
			msg:      model.Message{ID: "m1", UserID: "u1", Content: "hi"},
			contains: []string{"u1: hi"},
		},
		{
			name:     "edited",
			msg:      model.Message{ID: "m1", UserID: "u1", Content: "hi", EditedAt: &edited},
			contains: []string{"(edited)"},
		},
		{
			name:     "pending",
			msg:      model.Message{ID: "temp-123", UserID: "u1", Content: "hi"},
			contains: []string{"…"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatMessage(tt.msg)

			for _, s := range tt.contains {
				assert.Contains(t, line, s)
			}

			for _, s := range tt.absent {
				assert.NotContains(t, line, s)
			}
		})
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"STAT", "VALUE"}, [][]string{
		{"Hit rate", "75%"},
		{"Hits", "3"},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 3)
	assert.Equal(t, "STAT      VALUE", lines[0])
	assert.Equal(t, "Hit rate  75%", lines[1])
	assert.Equal(t, "Hits      3", lines[2])
}
