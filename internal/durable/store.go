// Package durable implements the persisted offline sync queue: every queue
// mutation is mirrored to a durable key-value store so pending work survives
// process restarts, and sync passes replay it against the remote system.
package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scsilverstein/silver-fin-monitor-sub005/internal/task"
)

// Item is one queued sync operation. The zero ExpiresAt means the item never
// expires.
type Item struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Priority      task.Priority   `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        task.Status     `json:"status"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitempty"`
}

// Store is the durable key-value backend the queue mirrors into, plus a side
// table for cached payloads with optional expiry.
type Store interface {
	PutItem(ctx context.Context, it Item) error
	DeleteItem(ctx context.Context, id string) error
	ListItems(ctx context.Context) ([]Item, error)

	PutCache(ctx context.Context, key string, value []byte, priority task.Priority, ttl time.Duration) error
	GetCache(ctx context.Context, key string) ([]byte, bool, error)
	DeleteCache(ctx context.Context, key string) error
	PruneCache(ctx context.Context) (int, error)

	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_items (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	priority        TEXT NOT NULL,
	payload         BLOB,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	error           TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	expires_at      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	priority   TEXT NOT NULL DEFAULT 'normal',
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, task.Storage("open", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, task.Storage("open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA busy_timeout = 5000")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, task.Storage("migrate", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) PutItem(ctx context.Context, it Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_items (id, type, priority, payload, status, attempts, max_attempts, error, created_at, updated_at, next_attempt_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			priority = excluded.priority,
			payload = excluded.payload,
			status = excluded.status,
			attempts = excluded.attempts,
			max_attempts = excluded.max_attempts,
			error = excluded.error,
			updated_at = excluded.updated_at,
			next_attempt_at = excluded.next_attempt_at,
			expires_at = excluded.expires_at
	`, it.ID, it.Type, string(it.Priority), []byte(it.Payload), string(it.Status),
		it.Attempts, it.MaxAttempts, it.Error,
		msOrZero(it.CreatedAt), msOrZero(it.UpdatedAt), msOrZero(it.NextAttemptAt), msOrZero(it.ExpiresAt))
	if err != nil {
		return task.Storage("put item", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_items WHERE id = ?`, id); err != nil {
		return task.Storage("delete item", err)
	}
	return nil
}

func (s *SQLiteStore) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, priority, payload, status, attempts, max_attempts, error, created_at, updated_at, next_attempt_at, expires_at
		FROM sync_items
	`)
	if err != nil {
		return nil, task.Storage("list items", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var priority, status string
		var payload []byte
		var created, updated, next, expires int64
		if err := rows.Scan(&it.ID, &it.Type, &priority, &payload, &status,
			&it.Attempts, &it.MaxAttempts, &it.Error, &created, &updated, &next, &expires); err != nil {
			return nil, task.Storage("scan item", err)
		}
		it.Priority = task.Priority(priority)
		it.Status = task.Status(status)
		it.Payload = payload
		it.CreatedAt = timeOrZero(created)
		it.UpdatedAt = timeOrZero(updated)
		it.NextAttemptAt = timeOrZero(next)
		it.ExpiresAt = timeOrZero(expires)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, task.Storage("list items", err)
	}
	return items, nil
}

func (s *SQLiteStore) PutCache(ctx context.Context, key string, value []byte, priority task.Priority, ttl time.Duration) error {
	if !priority.Valid() {
		priority = task.PriorityNormal
	}
	var expires int64
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, priority, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			priority = excluded.priority,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, string(priority), expires, time.Now().UnixMilli())
	if err != nil {
		return task.Storage("put cache", err)
	}
	return nil
}

// GetCache returns (nil, false, nil) for missing or expired entries.
func (s *SQLiteStore) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, task.Storage("get cache", err)
	}
	if expires > 0 && expires <= time.Now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) DeleteCache(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return task.Storage("delete cache", err)
	}
	return nil
}

func (s *SQLiteStore) PruneCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at > 0 AND expires_at <= ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, task.Storage("prune cache", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache rows: %w", err)
	}
	return int(n), nil
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
