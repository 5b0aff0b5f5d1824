package chatid

import (
	"fmt"
	"strings"
)

// EntityType names a cached entity family. The string form is used as the
// persistence namespace, so values must stay stable across releases.
type EntityType string

// Entity families held by the cache.
const (
	EntityMessage    EntityType = "message"
	EntityRoom       EntityType = "room"
	EntityUser       EntityType = "user"
	EntityMembership EntityType = "membership"
)

// AllEntityTypes lists every entity family, in load order.
var AllEntityTypes = []EntityType{EntityRoom, EntityUser, EntityMembership, EntityMessage}

// ParseEntityType validates a namespace string read back from storage.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(s); t {
	case EntityMessage, EntityRoom, EntityUser, EntityMembership:
		return t, nil
	default:
		return "", fmt.Errorf("chatid: unknown entity type %q", s)
	}
}

// Key is the composite (EntityType, ID) pair entities are cached under.
// Comparable, so it can be used directly as a map key.
type Key struct {
	Type EntityType
	ID   string
}

// NewKey creates a Key.
func NewKey(t EntityType, id string) Key {
	return Key{Type: t, ID: id}
}

// MessageKey is shorthand for NewKey(EntityMessage, id).
func MessageKey(id string) Key {
	return Key{Type: EntityMessage, ID: id}
}

// RoomKey is shorthand for NewKey(EntityRoom, id).
func RoomKey(id string) Key {
	return Key{Type: EntityRoom, ID: id}
}

// UserKey is shorthand for NewKey(EntityUser, id).
func UserKey(id string) Key {
	return Key{Type: EntityUser, ID: id}
}

// MembershipKey is shorthand for NewKey(EntityMembership, roomID). A room has
// exactly one membership snapshot, so the room id doubles as its key.
func MembershipKey(roomID string) Key {
	return Key{Type: EntityMembership, ID: roomID}
}

// String returns the "type:id" form used in logs.
func (k Key) String() string {
	return string(k.Type) + ":" + k.ID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// ParseKey is the inverse of String.
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("chatid: malformed key %q", s)
	}

	t, err := ParseEntityType(typ)
	if err != nil {
		return Key{}, err
	}

	return Key{Type: t, ID: id}, nil
}
