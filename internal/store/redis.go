package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

// putScript performs the conditional write atomically. Each key is a hash
// with "value" and "version" fields.
var putScript = redis.NewScript(`
	local expected = tonumber(ARGV[2])
	local current = redis.call('HGET', KEYS[1], 'version')
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end
	if expected >= 0 and current ~= expected then
		return -1
	end
	local bumped = current + 1
	redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', bumped)
	return bumped
`)

// Redis is a KV backed by redis hashes under a key namespace.
type Redis struct {
	rdb       *redis.Client
	namespace string
}

// NewRedis connects to the redis server at url and verifies the connection.
func NewRedis(ctx context.Context, url, namespace string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisClient(rdb, namespace), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "grader"
	}
	return &Redis{rdb: rdb, namespace: namespace}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) key(k string) string {
	return r.namespace + ":" + k
}

// Get returns the item stored under key.
func (r *Redis) Get(ctx context.Context, key string) (Item, error) {
	vals, err := r.rdb.HMGet(ctx, r.key(key), "value", "version").Result()
	if err != nil {
		return Item{}, persistErr("get", key, err)
	}
	return itemFromHash(key, vals)
}

// Put writes value under key subject to the expected version.
func (r *Redis) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	if expected < AnyVersion {
		return 0, fmt.Errorf("put %q: invalid expected version %d", key, expected)
	}
	v, err := putScript.Run(ctx, r.rdb, []string{r.key(key)}, value, expected).Int64()
	if err != nil {
		return 0, persistErr("put", key, err)
	}
	if v < 0 {
		return 0, ErrConflict
	}
	return v, nil
}

// List scans the namespace for keys starting with prefix.
func (r *Redis) List(ctx context.Context, prefix string) ([]Item, error) {
	pattern := r.key(escapeGlob(prefix)) + "*"
	var keys []string
	iter := r.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, persistErr("list", prefix, err)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, k, "value", "version")
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, persistErr("list", prefix, err)
		}
	}

	items := make([]Item, 0, len(keys))
	for i, k := range keys {
		it, err := itemFromHash(strings.TrimPrefix(k, r.namespace+":"), cmds[i].Val())
		if errors.Is(err, ErrNotFound) {
			// Deleted between SCAN and HMGET.
			continue
		}
		if err != nil {
			return nil, persistErr("list", prefix, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func itemFromHash(key string, vals []any) (Item, error) {
	if len(vals) != 2 || vals[0] == nil {
		return Item{}, ErrNotFound
	}
	value, ok := vals[0].(string)
	if !ok {
		return Item{}, fmt.Errorf("unexpected value type %T", vals[0])
	}
	raw, ok := vals[1].(string)
	if !ok {
		return Item{}, fmt.Errorf("unexpected version type %T", vals[1])
	}
	var version int64
	if _, err := fmt.Sscan(raw, &version); err != nil {
		return Item{}, fmt.Errorf("parse version %q: %w", raw, err)
	}
	return Item{Key: key, Value: []byte(value), Version: version}, nil
}

func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
