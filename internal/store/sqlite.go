package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forkchat/internal/thread"

	_ "modernc.org/sqlite"
)

// SQLite persists threads and messages in a local database. Each row keeps
// the indexed columns next to the full JSON record.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) SaveThread(ctx context.Context, t thread.Thread) error {
	if err := validID(t.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO threads (thread_id, parent_id, thread_type, status, title, created_at_unix_ms, updated_at_unix_ms, thread_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  parent_id = excluded.parent_id,
  thread_type = excluded.thread_type,
  status = excluded.status,
  title = excluded.title,
  updated_at_unix_ms = excluded.updated_at_unix_ms,
  thread_json = excluded.thread_json
`, t.ID, t.ParentID, string(t.Type), string(t.Status), t.Title, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(), string(raw))
	return err
}

func (s *SQLite) LoadThread(ctx context.Context, id string) (thread.Thread, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT thread_json FROM threads WHERE thread_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	if err != nil {
		return thread.Thread{}, err
	}
	var t thread.Thread
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return thread.Thread{}, fmt.Errorf("decode thread %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLite) DeleteThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE thread_id = ?`, id)
	return err
}

func (s *SQLite) ListThreads(ctx context.Context) ([]thread.Thread, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id, thread_json FROM threads ORDER BY updated_at_unix_ms DESC, thread_id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []thread.Thread
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var t thread.Thread
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode thread %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveMessage(ctx context.Context, m thread.Message) error {
	if err := validID(m.ID); err != nil {
		return err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO messages (message_id, thread_id, role, created_at_unix_ms, message_json)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
  role = excluded.role,
  message_json = excluded.message_json
`, m.ID, m.ThreadID, string(m.Role), m.CreatedAt.UnixMilli(), string(raw))
	return err
}

func (s *SQLite) LoadMessage(ctx context.Context, id string) (thread.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT message_json FROM messages WHERE message_id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return thread.Message{}, thread.ErrMessageNotFound
	}
	if err != nil {
		return thread.Message{}, err
	}
	var m thread.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return thread.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

func (s *SQLite) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE message_id = ?`, id)
	return err
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  parent_id TEXT NOT NULL DEFAULT '',
  thread_type TEXT NOT NULL DEFAULT 'root',
  status TEXT NOT NULL DEFAULT 'visited',
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  thread_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_unix_ms DESC, thread_id DESC);
CREATE TABLE IF NOT EXISTS messages (
  message_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  message_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at_unix_ms);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
