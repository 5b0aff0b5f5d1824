package model

import (
	"encoding/json"
	"fmt"

	"github.com/tonimelisma/chatsync/internal/chatid"
)

// Encode marshals an entity for persistence.
func Encode(e Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("model: encoding %s: %w", e.CacheKey(), err)
	}

	return data, nil
}

// Decode unmarshals a persisted entity of the given family.
func Decode(t chatid.EntityType, data []byte) (Entity, error) {
	var (
		e   Entity
		err error
	)

	switch t {
	case chatid.EntityMessage:
		var m Message
		err = json.Unmarshal(data, &m)
		e = m
	case chatid.EntityRoom:
		var r Room
		err = json.Unmarshal(data, &r)
		e = r
	case chatid.EntityUser:
		var p Profile
		err = json.Unmarshal(data, &p)
		e = p
	case chatid.EntityMembership:
		var m Membership
		err = json.Unmarshal(data, &m)
		e = m
	default:
		return nil, fmt.Errorf("model: cannot decode entity type %q", t)
	}

	if err != nil {
		return nil, fmt.Errorf("model: decoding %s: %w", t, err)
	}

	return e, nil
}
