package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for key-value operations.
const (
	sqlGet = `SELECT value FROM kv WHERE namespace = ? AND key = ?`

	sqlPut = `INSERT INTO kv (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`

	sqlDelete = `DELETE FROM kv WHERE namespace = ? AND key = ?`

	sqlListKeys = `SELECT key FROM kv WHERE namespace = ? ORDER BY key`

	sqlVacuum = `VACUUM`
)

// SQLite is a KV backed by a single SQLite database file.
type SQLite struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
	closed  atomic.Bool
}

// OpenSQLite opens (creating if needed) the database at dbPath and runs
// migrations. WAL mode keeps readers from blocking the write-behind flusher.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)"+
			"&_txlock=immediate",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store initialized", slog.String("db_path", dbPath))

	return &SQLite{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Get returns the value stored under (namespace, key). The boolean is false
// when the key does not exist.
func (s *SQLite) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	var value []byte

	err := s.db.QueryRowContext(ctx, sqlGet, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("store: getting %s/%s: %w", namespace, key, err)
	}

	return value, true, nil
}

// Put inserts or overwrites a single key.
func (s *SQLite) Put(ctx context.Context, namespace, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, sqlPut, namespace, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("store: putting %s/%s: %w", namespace, key, err)
	}

	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *SQLite) Delete(ctx context.Context, namespace, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, sqlDelete, namespace, key); err != nil {
		return fmt.Errorf("store: deleting %s/%s: %w", namespace, key, err)
	}

	return nil
}

// ListKeys returns every key in the namespace, sorted.
func (s *SQLite) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, sqlListKeys, namespace)
	if err != nil {
		return nil, fmt.Errorf("store: listing %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: scanning key in %s: %w", namespace, err)
		}

		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating keys in %s: %w", namespace, err)
	}

	return keys, nil
}

// Apply executes a batch of writes in one transaction.
func (s *SQLite) Apply(ctx context.Context, ops []Op) error {
	if s.closed.Load() {
		return ErrClosed
	}

	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning batch: %w", err)
	}
	defer tx.Rollback()

	now := s.nowFunc().UnixNano()

	for i := range ops {
		op := &ops[i]

		switch op.Kind {
		case OpPut:
			_, err = tx.ExecContext(ctx, sqlPut, op.Namespace, op.Key, op.Value, now)
		case OpDelete:
			_, err = tx.ExecContext(ctx, sqlDelete, op.Namespace, op.Key)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}

		if err != nil {
			return fmt.Errorf("store: applying op on %s/%s: %w", op.Namespace, op.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing batch: %w", err)
	}

	s.logger.Debug("store batch committed", slog.Int("ops", len(ops)))

	return nil
}

// Update runs fn inside an immediate transaction, so a second process
// updating the same key waits instead of overwriting this one's result.
func (s *SQLite) Update(ctx context.Context, namespace, key string, fn UpdateFunc) error {
	if s.closed.Load() {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning update of %s/%s: %w", namespace, key, err)
	}
	defer tx.Rollback()

	var old []byte

	ok := true

	err = tx.QueryRowContext(ctx, sqlGet, namespace, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		ok = false
	} else if err != nil {
		return fmt.Errorf("store: reading %s/%s: %w", namespace, key, err)
	}

	value, err := fn(old, ok)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, sqlPut, namespace, key, value, s.nowFunc().UnixNano()); err != nil {
		return fmt.Errorf("store: writing %s/%s: %w", namespace, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing update of %s/%s: %w", namespace, key, err)
	}

	return nil
}

// Compact rebuilds the database file, reclaiming pages freed by deletes.
func (s *SQLite) Compact(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	start := s.nowFunc()

	if _, err := s.db.ExecContext(ctx, sqlVacuum); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}

	s.logger.Info("store compacted", slog.Duration("took", s.nowFunc().Sub(start)))

	return nil
}

// Close closes the database. Subsequent operations return ErrClosed.
func (s *SQLite) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	return s.db.Close()
}
