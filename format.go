package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tonimelisma/chatsync/internal/model"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// formatSize returns a human-readable size string (e.g. "1.2 MiB").
func formatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}

	return humanize.IBytes(uint64(bytes))
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Format("Jan _2  2006")
}

// formatAgo returns "3 minutes ago" style text, or "never" for the zero time.
func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	return humanize.Time(t)
}

// formatPercent renders a 0..1 ratio as a percentage.
func formatPercent(ratio float64) string {
	return humanize.FtoaWithDigits(ratio*100, 1) + "%"
}

// formatMessage renders one message as a single line. Unconfirmed
// optimistic messages are marked with "…".
func formatMessage(m model.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s  %s: %s", formatTime(m.CreatedAt.Local()), messageAuthor(m), m.Content)

	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}

	if m.IsTemp() {
		b.WriteString(" …")
	}

	return b.String()
}

func messageAuthor(m model.Message) string {
	switch {
	case m.Profile.DisplayName != "":
		return m.Profile.DisplayName
	case m.Profile.Username != "":
		return m.Profile.Username
	case m.UserID != "":
		return m.UserID
	default:
		return "unknown"
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}
