// Package notify shows user-facing notices. The CLI prints them to the
// terminal; library code only sees the Notifier interface.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Notifier displays a notification. tag groups notifications so a newer one
// replaces an older one with the same tag.
type Notifier interface {
	Show(title, body, tag string, actions []string)
}

// Writer prints notifications as single lines to an io.Writer. A notice
// whose tag matches the previous notice's tag and text is not repeated.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]string
}

// NewWriter creates a Writer printing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, last: make(map[string]string)}
}

// Show implements Notifier.
func (n *Writer) Show(title, body, tag string, actions []string) {
	line := title
	if body != "" {
		line += ": " + body
	}

	if len(actions) > 0 {
		line += " [" + strings.Join(actions, "|") + "]"
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if tag != "" {
		if n.last[tag] == line {
			return
		}

		n.last[tag] = line
	}

	fmt.Fprintln(n.w, line)
}

// Log records notifications as structured log entries at Info.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Notifier that logs through logger.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// Show implements Notifier.
func (n *Log) Show(title, body, tag string, actions []string) {
	n.logger.Info("notification",
		slog.String("title", title),
		slog.String("body", body),
		slog.String("tag", tag),
		slog.Any("actions", actions),
	)
}

// Discard drops every notification.
type Discard struct{}

// Show implements Notifier.
func (Discard) Show(string, string, string, []string) {}
