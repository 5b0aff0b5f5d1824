package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// newTestSQLite opens a store in a temp directory, registering cleanup.
func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")

	s, err := OpenSQLite(context.Background(), dbPath, testLogger(t))
	if err != nil {
		t.Fatalf("OpenSQLite(%q): %v", dbPath, err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
	})

	return s
}

// kvContract runs the behavior every KV implementation must share.
func kvContract(t *testing.T, kv KV) {
	t.Helper()

	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "message", "m1")
	require.NoError(t, err)
	assert.False(t, ok, "missing key must report !ok")

	require.NoError(t, kv.Put(ctx, "message", "m1", []byte("one")))
	require.NoError(t, kv.Put(ctx, "message", "m2", []byte("two")))
	require.NoError(t, kv.Put(ctx, "room", "m1", []byte("room-one")))

	v, ok, err := kv.Get(ctx, "message", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), v)

	// Overwrite is single-key atomic.
	require.NoError(t, kv.Put(ctx, "message", "m1", []byte("uno")))
	v, _, err = kv.Get(ctx, "message", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), v)

	keys, err := kv.ListKeys(ctx, "message")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, keys)

	// Namespaces are isolated.
	v, _, err = kv.Get(ctx, "room", "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("room-one"), v)

	require.NoError(t, kv.Delete(ctx, "message", "m2"))
	require.NoError(t, kv.Delete(ctx, "message", "never-existed"))

	keys, err = kv.ListKeys(ctx, "message")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, keys)

	require.NoError(t, kv.Apply(ctx, []Op{
		{Kind: OpPut, Namespace: "user", Key: "u1", Value: []byte("alice")},
		{Kind: OpDelete, Namespace: "message", Key: "m1"},
		{Kind: OpPut, Namespace: "user", Key: "u2", Value: []byte("bob")},
	}))

	keys, err = kv.ListKeys(ctx, "user")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, keys)

	keys, err = kv.ListKeys(ctx, "message")
	require.NoError(t, err)
	assert.Empty(t, keys)

	appendByte := func(old []byte, ok bool) ([]byte, error) {
		if !ok {
			return []byte("a"), nil
		}

		return append(old, 'b'), nil
	}

	require.NoError(t, kv.Update(ctx, "meta", "counter", appendByte))
	require.NoError(t, kv.Update(ctx, "meta", "counter", appendByte))

	v, _, err = kv.Get(ctx, "meta", "counter")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v)

	boom := errors.New("boom")
	err = kv.Update(ctx, "meta", "counter", func([]byte, bool) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	v, _, err = kv.Get(ctx, "meta", "counter")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), v, "a failed update leaves the value alone")

	require.NoError(t, kv.Compact(ctx))
}

func TestSQLite_Contract(t *testing.T) {
	t.Parallel()

	kvContract(t, newTestSQLite(t))
}

func TestMemory_Contract(t *testing.T) {
	t.Parallel()

	kvContract(t, NewMemory())
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	logger := testLogger(t)

	s, err := OpenSQLite(ctx, dbPath, logger)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "room", "r1", []byte(`{"id":"r1"}`)))
	require.NoError(t, s.Close())

	// Migrations are idempotent on reopen.
	s2, err := OpenSQLite(ctx, dbPath, logger)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get(ctx, "room", "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"r1"}`, string(v))
}

func TestSQLite_WALMode(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)

	var journalMode string

	err := s.db.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&journalMode)
	if err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}

	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
}

func TestSQLite_ClosedReturnsErrClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "cache.db"), testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	err = s.Put(ctx, "room", "r1", []byte("x"))
	assert.True(t, errors.Is(err, ErrClosed))

	_, _, err = s.Get(ctx, "room", "r1")
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Put(ctx, "room", "r1", []byte("abc")))

	v, _, err := m.Get(ctx, "room", "r1")
	require.NoError(t, err)
	v[0] = 'X'

	v2, _, err := m.Get(ctx, "room", "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v2)
}
