package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps every collection in one kv_records table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates/opens the relay database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create relay db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection keeps writes serialized inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteBackend{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteBackend) Name() string { return "sqlite" }

func (s *SQLiteBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteBackend) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS kv_records (
			collection TEXT NOT NULL,
			record_key TEXT NOT NULL,
			body BLOB NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY (collection, record_key)
		);`,
		`CREATE INDEX IF NOT EXISTS kv_records_updated_idx ON kv_records(collection, updated_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func (s *SQLiteBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM kv_records WHERE collection = ? AND record_key = ?`,
		collection, key,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s/%s: %w", collection, key, err)
	}
	return body, nil
}

func (s *SQLiteBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	ts := nowMS()
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_records (collection, record_key, body, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, record_key) DO UPDATE SET
			body = excluded.body,
			updated_at_ms = excluded.updated_at_ms
	`, collection, key, value, ts, ts)
	if err != nil {
		return fmt.Errorf("sqlite put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *SQLiteBackend) Count(ctx context.Context, collection string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM kv_records WHERE collection = ?`, collection,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count %s: %w", collection, err)
	}
	return n, nil
}

func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Maintain folds the WAL back into the main file and refreshes planner stats.
func (s *SQLiteBackend) Maintain(ctx context.Context) error {
	for _, stmt := range []string{`PRAGMA wal_checkpoint(TRUNCATE);`, `PRAGMA optimize;`} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite maintenance %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}
