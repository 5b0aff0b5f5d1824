package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chatsync/internal/chatid"
)

func TestDecode_PreservesMessage(t *testing.T) {
	t.Parallel()

	edited := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	in := Message{
		ID:        "msg-42",
		RoomID:    "r1",
		UserID:    "u1",
		Content:   "hello",
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		EditedAt:  &edited,
		Profile:   ProfileSnapshot{Username: "alice"},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(chatid.EntityMessage, data)
	require.NoError(t, err)

	got, ok := out.(Message)
	require.True(t, ok, "decoded %T, want Message", out)
	assert.Equal(t, in.ID, got.ID)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.EditedAt)
	assert.True(t, edited.Equal(*got.EditedAt))
	assert.Equal(t, "alice", got.Profile.Username)
}

func TestDecode_FamilyDeterminesType(t *testing.T) {
	t.Parallel()

	data, err := Encode(Membership{RoomID: "r1", Members: []Profile{{ID: "u1"}}})
	require.NoError(t, err)

	e, err := Decode(chatid.EntityMembership, data)
	require.NoError(t, err)
	assert.Equal(t, chatid.MembershipKey("r1"), e.CacheKey())
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	_, err := Decode(chatid.EntityRoom, []byte("{not json"))
	assert.Error(t, err)

	_, err = Decode(chatid.EntityType("widget"), []byte("{}"))
	assert.Error(t, err)
}

func TestCacheKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, chatid.MessageKey("m"), Message{ID: "m"}.CacheKey())
	assert.Equal(t, chatid.RoomKey("r"), Room{ID: "r"}.CacheKey())
	assert.Equal(t, chatid.UserKey("u"), Profile{ID: "u"}.CacheKey())
	assert.True(t, Message{ID: "temp-1-a"}.IsTemp())
	assert.Equal(t, "bob", Profile{Username: "bob"}.Snapshot().Username)
}
