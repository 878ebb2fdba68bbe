package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a KV backed by a single sqlite table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for a throwaway database.
func NewSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)"
	if dbPath != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the item stored under key.
func (s *SQLite) Get(ctx context.Context, key string) (Item, error) {
	it := Item{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM kv WHERE key = ?`, key,
	).Scan(&it.Value, &it.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, persistErr("get", key, err)
	}
	return it, nil
}

// Put writes value under key subject to the expected version.
func (s *SQLite) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	now := time.Now().UTC()
	var (
		version int64
		err     error
	)
	switch {
	case expected == AnyVersion:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, version = kv.version + 1, updated_at = excluded.updated_at
			 RETURNING version`,
			key, value, now,
		).Scan(&version)
	case expected == Absent:
		err = s.db.QueryRowContext(ctx,
			`INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(key) DO NOTHING
			 RETURNING version`,
			key, value, now,
		).Scan(&version)
	case expected > 0:
		err = s.db.QueryRowContext(ctx,
			`UPDATE kv SET value = ?, version = version + 1, updated_at = ?
			 WHERE key = ? AND version = ?
			 RETURNING version`,
			value, now, key, expected,
		).Scan(&version)
	default:
		return 0, fmt.Errorf("put %q: invalid expected version %d", key, expected)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, persistErr("put", key, err)
	}
	return version, nil
}

// List returns every item whose key starts with prefix, ordered by key.
func (s *SQLite) List(ctx context.Context, prefix string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, version FROM kv WHERE substr(key, 1, length(?)) = ? ORDER BY key`,
		prefix, prefix,
	)
	if err != nil {
		return nil, persistErr("list", prefix, err)
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.Key, &it.Value, &it.Version); err != nil {
			return nil, persistErr("list", prefix, err)
		}
		items = append(items, it)
	}
	return items, persistErr("list", prefix, rows.Err())
}
