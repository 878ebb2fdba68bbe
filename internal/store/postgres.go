package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a KV backed by a postgres table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a connection pool for url, verifies it and migrates.
func NewPostgres(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS grader_kv (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	return err
}

// Get returns the item stored under key.
func (p *Postgres) Get(ctx context.Context, key string) (Item, error) {
	it := Item{Key: key}
	err := p.pool.QueryRow(ctx,
		`SELECT value, version FROM grader_kv WHERE key = $1`, key,
	).Scan(&it.Value, &it.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, persistErr("get", key, err)
	}
	return it, nil
}

// Put writes value under key subject to the expected version.
func (p *Postgres) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	var (
		version int64
		err     error
	)
	switch {
	case expected == AnyVersion:
		err = p.pool.QueryRow(ctx,
			`INSERT INTO grader_kv (key, value, version) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, version = grader_kv.version + 1, updated_at = now()
			 RETURNING version`,
			key, value,
		).Scan(&version)
	case expected == Absent:
		err = p.pool.QueryRow(ctx,
			`INSERT INTO grader_kv (key, value, version) VALUES ($1, $2, 1)
			 ON CONFLICT (key) DO NOTHING
			 RETURNING version`,
			key, value,
		).Scan(&version)
	case expected > 0:
		err = p.pool.QueryRow(ctx,
			`UPDATE grader_kv SET value = $1, version = version + 1, updated_at = now()
			 WHERE key = $2 AND version = $3
			 RETURNING version`,
			value, key, expected,
		).Scan(&version)
	default:
		return 0, fmt.Errorf("put %q: invalid expected version %d", key, expected)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, persistErr("put", key, err)
	}
	return version, nil
}

// List returns every item whose key starts with prefix, ordered by key.
func (p *Postgres) List(ctx context.Context, prefix string) ([]Item, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, version FROM grader_kv
		 WHERE starts_with(key, $1)
		 ORDER BY key COLLATE "C"`,
		prefix,
	)
	if err != nil {
		return nil, persistErr("list", prefix, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var it Item
		err := row.Scan(&it.Key, &it.Value, &it.Version)
		return it, err
	})
	if err != nil {
		return nil, persistErr("list", prefix, err)
	}
	return items, nil
}
