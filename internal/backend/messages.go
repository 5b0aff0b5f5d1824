package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/tonimelisma/chatsync/internal/model"
)

const (
	messagesPath = "/rest/v1/messages"

	// messageSelect embeds the author's profile so messages render without
	// a second lookup.
	messageSelect = "id,room_id,user_id,content,created_at,edited_at,profiles(id,username,display_name,avatar_url)"

	preferRepresentation = "return=representation"
)

// ListMessages returns one page of a room's messages ordered by CreatedAt
// ascending. offset counts from the newest message, so offset 0 is the
// latest page.
func (c *Client) ListMessages(ctx context.Context, roomID string, limit, offset int) ([]model.Message, error) {
	q := url.Values{}
	q.Set("select", messageSelect)
	q.Set("room_id", "eq."+roomID)
	q.Set("order", "created_at.desc,id.desc")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var rows []messageRow
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: messagesPath, query: q}, &rows); err != nil {
		return nil, fmt.Errorf("backend: listing messages of room %s: %w", roomID, err)
	}

	msgs := make([]model.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toMessage(c.logger))
	}

	// Newest first on the wire; callers get chronological order.
	slices.Reverse(msgs)

	c.logger.Debug("listed messages",
		slog.String("room_id", roomID),
		slog.Int("limit", limit),
		slog.Int("offset", offset),
		slog.Int("count", len(msgs)),
	)

	return msgs, nil
}

type sendMessageRequest struct {
	RoomID  string `json:"room_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// SendMessage inserts a message and returns the stored row with its
// authoritative id.
func (c *Client) SendMessage(ctx context.Context, roomID, userID, content string) (model.Message, error) {
	body, err := json.Marshal(sendMessageRequest{RoomID: roomID, UserID: userID, Content: content})
	if err != nil {
		return model.Message{}, fmt.Errorf("backend: encoding message: %w", err)
	}

	q := url.Values{}
	q.Set("select", messageSelect)

	var rows []messageRow

	err = c.doJSON(ctx, request{
		method: http.MethodPost,
		path:   messagesPath,
		query:  q,
		body:   body,
		prefer: preferRepresentation,
	}, &rows)
	if err != nil {
		return model.Message{}, fmt.Errorf("backend: sending message to room %s: %w", roomID, err)
	}

	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("backend: sending message to room %s: empty response", roomID)
	}

	return rows[0].toMessage(c.logger), nil
}

type editMessageRequest struct {
	Content  string `json:"content"`
	EditedAt string `json:"edited_at"`
}

// EditMessage replaces a message's content and returns the updated row.
func (c *Client) EditMessage(ctx context.Context, id, content string) (model.Message, error) {
	body, err := json.Marshal(editMessageRequest{
		Content:  content,
		EditedAt: c.nowFunc().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("backend: encoding edit: %w", err)
	}

	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", messageSelect)

	var rows []messageRow

	err = c.doJSON(ctx, request{
		method: http.MethodPatch,
		path:   messagesPath,
		query:  q,
		body:   body,
		prefer: preferRepresentation,
	}, &rows)
	if err != nil {
		return model.Message{}, fmt.Errorf("backend: editing message %s: %w", id, err)
	}

	if len(rows) == 0 {
		return model.Message{}, fmt.Errorf("backend: editing message %s: %w", id, ErrNotFound)
	}

	return rows[0].toMessage(c.logger), nil
}

// DeleteMessage deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", "eq."+id)

	if err := c.doJSON(ctx, request{method: http.MethodDelete, path: messagesPath, query: q}, nil); err != nil {
		return fmt.Errorf("backend: deleting message %s: %w", id, err)
	}

	return nil
}
