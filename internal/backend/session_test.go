package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/chatsync/internal/tokenfile"
)

// fakeRefresher hands out numbered access tokens and counts calls.
type fakeRefresher struct {
	calls atomic.Int32
	err   error
	seen  string
}

func (f *fakeRefresher) RefreshSession(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	n := f.calls.Add(1)
	f.seen = refreshToken

	if f.err != nil {
		return nil, f.err
	}

	return &oauth2.Token{
		AccessToken:  "access-" + string(rune('0'+n)),
		RefreshToken: "refresh-next",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func writeSession(t *testing.T, path string, tok *oauth2.Token) {
	t.Helper()
	require.NoError(t, tokenfile.Save(path, &tokenfile.Session{Token: tok, UserID: "u1", Username: "alice"}))
}

func TestSessionSource_ValidTokenUsedAsIs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, &oauth2.Token{AccessToken: "live", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})

	ref := &fakeRefresher{}

	src, err := NewSessionSource(context.Background(), path, ref, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "u1", src.UserID())
	assert.Equal(t, "alice", src.Username())

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "live", tok)
	assert.Equal(t, int32(0), ref.calls.Load())
}

func TestSessionSource_RefreshesExpiredAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, &oauth2.Token{AccessToken: "old", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})

	ref := &fakeRefresher{}

	src, err := NewSessionSource(context.Background(), path, ref, testLogger(t))
	require.NoError(t, err)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, "r1", ref.seen)

	// Cached until it expires.
	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), ref.calls.Load())

	sess, err := tokenfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "access-1", sess.Token.AccessToken)
	assert.Equal(t, "refresh-next", sess.Token.RefreshToken)
	assert.Equal(t, "u1", sess.UserID, "user fields survive a token update")
}

func TestSessionSource_PicksUpTokenRefreshedElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, &oauth2.Token{AccessToken: "old", RefreshToken: "r1", Expiry: time.Now().Add(-time.Minute)})

	ref := &fakeRefresher{}

	src, err := NewSessionSource(context.Background(), path, ref, testLogger(t))
	require.NoError(t, err)

	writeSession(t, path, &oauth2.Token{AccessToken: "from-other-process", RefreshToken: "r2", Expiry: time.Now().Add(time.Hour)})

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "from-other-process", tok)
	assert.Equal(t, int32(0), ref.calls.Load())
}

func TestSessionSource_MissingFile(t *testing.T) {
	_, err := NewSessionSource(context.Background(), filepath.Join(t.TempDir(), "none.json"), nil, testLogger(t))
	require.ErrorIs(t, err, ErrNoSession)
	assert.True(t, IsAuth(err))
}

func TestSessionSource_ExpiredWithoutRefresher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Minute)})

	src, err := NewSessionSource(context.Background(), path, nil, testLogger(t))
	require.NoError(t, err)

	_, err = src.Token()
	require.Error(t, err)
	assert.True(t, IsAuth(err))
}

func TestSessionSource_RefreshRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	writeSession(t, path, &oauth2.Token{AccessToken: "old", RefreshToken: "revoked", Expiry: time.Now().Add(-time.Minute)})

	ref := &fakeRefresher{err: &APIError{StatusCode: http.StatusBadRequest, Err: ErrUnauthorized}}

	src, err := NewSessionSource(context.Background(), path, ref, testLogger(t))
	require.NoError(t, err)

	_, err = src.Token()
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthClient_RefreshSession(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/token", r.URL.Path)
		assert.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body["refresh_token"] != "good" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

			return
		}

		_, _ = w.Write([]byte(`{"access_token":"a2","token_type":"bearer","expires_in":3600,"refresh_token":"r2"}`))
	}))
	defer srv.Close()

	ac := NewAuthClient(srv.URL, "anon-key", nil)
	ac.nowFunc = func() time.Time { return now }

	tok, err := ac.RefreshSession(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), tok.Expiry)

	_, err = ac.RefreshSession(context.Background(), "bad")
	require.ErrorIs(t, err, ErrUnauthorized)
}
