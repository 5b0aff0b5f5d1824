package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tonimelisma/chatsync/internal/model"
)

const (
	roomsPath    = "/rest/v1/rooms"
	membersPath  = "/rest/v1/room_members"
	profilesPath = "/rest/v1/profiles"
)

// GetRoom returns one room. Rooms hidden by row-level security look the
// same as missing ones: ErrNotFound.
func (c *Client) GetRoom(ctx context.Context, id string) (model.Room, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("select", "id,name,description,created_by,created_at,is_private")

	var rows []roomRow
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: roomsPath, query: q}, &rows); err != nil {
		return model.Room{}, fmt.Errorf("backend: getting room %s: %w", id, err)
	}

	if len(rows) == 0 {
		return model.Room{}, fmt.Errorf("backend: getting room %s: %w", id, ErrNotFound)
	}

	return rows[0].toRoom(c.logger), nil
}

// ListMembers returns the member list of a room.
func (c *Client) ListMembers(ctx context.Context, roomID string) (model.Membership, error) {
	q := url.Values{}
	q.Set("room_id", "eq."+roomID)
	q.Set("select", "user_id,profiles(id,username,display_name,avatar_url,status)")
	q.Set("order", "user_id.asc")

	var rows []memberRow
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: membersPath, query: q}, &rows); err != nil {
		return model.Membership{}, fmt.Errorf("backend: listing members of room %s: %w", roomID, err)
	}

	m := model.Membership{RoomID: roomID, Members: make([]model.Profile, 0, len(rows))}

	for i := range rows {
		if rows[i].Profiles == nil {
			// Profile hidden from us; keep the id so counts stay right.
			m.Members = append(m.Members, model.Profile{ID: rows[i].UserID})
			continue
		}

		m.Members = append(m.Members, rows[i].Profiles.toProfile())
	}

	return m, nil
}

// GetProfile returns a user's public profile.
func (c *Client) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "id,username,display_name,avatar_url,status")

	var rows []profileRow
	if err := c.doJSON(ctx, request{method: http.MethodGet, path: profilesPath, query: q}, &rows); err != nil {
		return model.Profile{}, fmt.Errorf("backend: getting profile %s: %w", userID, err)
	}

	if len(rows) == 0 {
		return model.Profile{}, fmt.Errorf("backend: getting profile %s: %w", userID, ErrNotFound)
	}

	return rows[0].toProfile(), nil
}
