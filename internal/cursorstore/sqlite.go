package cursorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	sqliteInitTable = `CREATE TABLE IF NOT EXISTS cursors (
  client_id TEXT PRIMARY KEY,
  lsn BLOB NOT NULL,
  subscription_ids TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`
)

// SQLiteStore persists cursors in a single-file SQLite database, for
// standalone/dev deployments that don't run a control-plane Postgres.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite dsn is required")
	}
	if err := ensureSQLitePath(dsn); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteInitTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cursors table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientID string) (Cursor, error) {
	row := s.db.QueryRowContext(ctx, "SELECT lsn, subscription_ids FROM cursors WHERE client_id = ?", clientID)
	var lsn []byte
	var idsJSON string
	if err := row.Scan(&lsn, &idsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cursor{}, ErrNotFound
		}
		return Cursor{}, fmt.Errorf("get cursor: %w", err)
	}
	var ids []string
	if idsJSON != "" {
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			return Cursor{}, fmt.Errorf("decode subscription ids: %w", err)
		}
	}
	return Cursor{ClientID: clientID, LSN: lsn, SubscriptionIDs: ids}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, cursor Cursor) error {
	idsJSON, err := json.Marshal(cursor.SubscriptionIDs)
	if err != nil {
		return fmt.Errorf("encode subscription ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cursors (client_id, lsn, subscription_ids, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(client_id) DO UPDATE SET
		 lsn = excluded.lsn,
		 subscription_ids = excluded.subscription_ids,
		 updated_at = excluded.updated_at`,
		cursor.ClientID, []byte(cursor.LSN), string(idsJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func ensureSQLitePath(dsn string) error {
	path := strings.TrimSpace(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	if strings.HasPrefix(path, "file:") {
		path = strings.TrimPrefix(path, "file:")
		path = strings.TrimPrefix(path, "//")
	}
	if idx := strings.IndexAny(path, "?;"); idx >= 0 {
		path = path[:idx]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	return nil
}
