// Package model holds the chat entities the sync layer caches. Fields are
// normalized by the backend client; nothing outside internal/backend ever
// sees raw wire payloads. The JSON tags define the persisted cache format.
package model

import (
	"time"

	"github.com/tonimelisma/chatsync/internal/chatid"
)

// Entity is anything the cache can hold. Each entity knows the key it is
// cached under.
type Entity interface {
	CacheKey() chatid.Key
}

// ProfileSnapshot is the author information embedded in a message at send
// time, so a message renders without a second lookup.
type ProfileSnapshot struct {
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Message is one chat message. ID is either a temporary id (see
// chatid.IsTemp) or a backend-assigned authoritative id.
type Message struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	UserID    string          `json:"user_id"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	EditedAt  *time.Time      `json:"edited_at,omitempty"`
	Profile   ProfileSnapshot `json:"profile_snapshot"`
}

// CacheKey implements Entity.
func (m Message) CacheKey() chatid.Key {
	return chatid.MessageKey(m.ID)
}

// IsTemp reports whether the message is still an unconfirmed optimistic write.
func (m Message) IsTemp() bool {
	return chatid.IsTemp(m.ID)
}

// Room is a chat room.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	IsPrivate   bool      `json:"is_private"`
}

// CacheKey implements Entity.
func (r Room) CacheKey() chatid.Key {
	return chatid.RoomKey(r.ID)
}

// Profile is a user's public profile.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Status      string `json:"status,omitempty"`
}

// CacheKey implements Entity.
func (p Profile) CacheKey() chatid.Key {
	return chatid.UserKey(p.ID)
}

// Snapshot returns the subset of the profile embedded in messages.
func (p Profile) Snapshot() ProfileSnapshot {
	return ProfileSnapshot{
		Username:    p.Username,
		DisplayName: p.DisplayName,
		AvatarURL:   p.AvatarURL,
	}
}

// Membership is the member list of one room at FetchedAt time.
type Membership struct {
	RoomID  string    `json:"room_id"`
	Members []Profile `json:"members"`
}

// CacheKey implements Entity.
func (m Membership) CacheKey() chatid.Key {
	return chatid.MembershipKey(m.RoomID)
}
