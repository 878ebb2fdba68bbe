package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options selects and configures a KV backend.
type Options struct {
	Backend        string
	SQLitePath     string
	RedisURL       string
	RedisNamespace string
	PostgresURL    string
	PostgresConns  int32
}

// Open connects the configured backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case "", BackendSQLite:
		kv, err := NewSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", BackendSQLite, "path", opts.SQLitePath)
		return kv, nil
	case BackendRedis:
		kv, err := NewRedis(ctx, opts.RedisURL, opts.RedisNamespace)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", BackendRedis, "namespace", kv.namespace)
		return kv, nil
	case BackendPostgres:
		kv, err := NewPostgres(ctx, opts.PostgresURL, opts.PostgresConns)
		if err != nil {
			return nil, err
		}
		slog.Info("store opened", "backend", BackendPostgres)
		return kv, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
