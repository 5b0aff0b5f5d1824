package notify

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriter_FormatsLine(t *testing.T) {
	var buf bytes.Buffer

	n := NewWriter(&buf)
	n.Show("Reconnected", "room-1 is live again", "channel:room-1", []string{"open"})

	assert.Equal(t, "Reconnected: room-1 is live again [open]\n", buf.String())
}

func TestWriter_SameTagSameTextShownOnce(t *testing.T) {
	var buf bytes.Buffer

	n := NewWriter(&buf)
	n.Show("Reconnected", "", "channel:a", nil)
	n.Show("Reconnected", "", "channel:a", nil)
	n.Show("Reconnected", "", "channel:b", nil)
	n.Show("Connection lost", "", "channel:a", nil)
	n.Show("Untagged", "", "", nil)
	n.Show("Untagged", "", "", nil)

	assert.Equal(t, "Reconnected\nReconnected\nConnection lost\nUntagged\nUntagged\n", buf.String())
}

func TestLog_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer

	n := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	n.Show("Reconnected", "back online", "channel:a", nil)

	assert.Contains(t, buf.String(), "msg=notification")
	assert.Contains(t, buf.String(), "title=Reconnected")
	assert.Contains(t, buf.String(), "tag=channel:a")
}
