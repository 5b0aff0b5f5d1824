package backend

import (
	"log/slog"
	"strings"
	"time"

	"github.com/tonimelisma/chatsync/internal/model"
)

// Timestamp validation bounds. Timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// timestampLayouts are the encodings the backend uses for timestamptz
// columns: RFC 3339 over REST, and Postgres' text form in some realtime
// payloads.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
}

// profileRow mirrors the profiles table (and embedded profile objects).
type profileRow struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Status      string `json:"status"`
}

// messageRow mirrors the messages table, optionally with the author's
// profile embedded by the REST select.
type messageRow struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"room_id"`
	UserID    string      `json:"user_id"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"created_at"`
	EditedAt  *string     `json:"edited_at"`
	Profiles  *profileRow `json:"profiles"`
}

type roomRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	CreatedBy   string `json:"created_by"`
	CreatedAt   string `json:"created_at"`
	IsPrivate   bool   `json:"is_private"`
}

type memberRow struct {
	UserID   string      `json:"user_id"`
	Profiles *profileRow `json:"profiles"`
}

func (p *profileRow) toProfile() model.Profile {
	return model.Profile{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
		Status:      p.Status,
	}
}

// toMessage normalizes a message row. Content is kept byte-exact; only the
// reconciliation matcher compares normalized forms.
func (m *messageRow) toMessage(logger *slog.Logger) model.Message {
	msg := model.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Content:   m.Content,
		CreatedAt: parseTimestamp(m.CreatedAt, "created_at", m.ID, logger),
	}

	if m.EditedAt != nil && *m.EditedAt != "" {
		edited := parseTimestamp(*m.EditedAt, "edited_at", m.ID, logger)
		msg.EditedAt = &edited
	}

	if m.Profiles != nil {
		msg.Profile = m.Profiles.toProfile().Snapshot()
	}

	return msg
}

func (r *roomRow) toRoom(logger *slog.Logger) model.Room {
	return model.Room{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   parseTimestamp(r.CreatedAt, "created_at", r.ID, logger),
		IsPrivate:   r.IsPrivate,
	}
}

// parseTimestamp parses a backend timestamp and validates the year range.
// Invalid or out-of-range timestamps are replaced with time.Now().UTC() and
// logged.
func parseTimestamp(raw, field, rowID string, logger *slog.Logger) time.Time {
	if raw == "" {
		logger.Warn("empty timestamp, using current time",
			slog.String("field", field),
			slog.String("row_id", rowID),
		)

		return time.Now().UTC()
	}

	var (
		t   time.Time
		err error
	)

	for _, layout := range timestampLayouts {
		if t, err = time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			break
		}
	}

	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("row_id", rowID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("row_id", rowID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t.UTC()
}
