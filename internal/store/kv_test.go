package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type kvFactory struct {
	name string
	open func(t *testing.T) KV
}

func kvBackends() []kvFactory {
	return []kvFactory{
		{"sqlite", func(t *testing.T) KV { return newTestSQLite(t) }},
		{"redis", func(t *testing.T) KV { return newTestRedis(t) }},
		{"postgres", func(t *testing.T) KV { return newTestPostgres(t) }},
	}
}

func newTestSQLite(t *testing.T) KV {
	t.Helper()
	kv, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func newTestRedis(t *testing.T) KV {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := NewRedisClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { kv.Close() })
	return kv
}

func newTestPostgres(t *testing.T) KV {
	t.Helper()
	url := os.Getenv("GRADER_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("GRADER_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	kv, err := NewPostgres(ctx, url, 4)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if _, err := kv.pool.Exec(ctx, `TRUNCATE grader_kv`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestKVConformance(t *testing.T) {
	for _, backend := range kvBackends() {
		t.Run(backend.name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				kv := backend.open(t)
				_, err := kv.Get(context.Background(), "nope")
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("upsert bumps version", func(t *testing.T) {
				kv := backend.open(t)
				ctx := context.Background()
				for want := int64(1); want <= 3; want++ {
					v, err := kv.Put(ctx, "k", []byte("value"), AnyVersion)
					if err != nil {
						t.Fatalf("Put: %v", err)
					}
					if v != want {
						t.Errorf("expected version %d, got %d", want, v)
					}
				}
				it, err := kv.Get(ctx, "k")
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if string(it.Value) != "value" || it.Version != 3 {
					t.Errorf("unexpected item %+v", it)
				}
			})

			t.Run("create only", func(t *testing.T) {
				kv := backend.open(t)
				ctx := context.Background()
				if _, err := kv.Put(ctx, "k", []byte("first"), Absent); err != nil {
					t.Fatalf("first Put: %v", err)
				}
				if _, err := kv.Put(ctx, "k", []byte("second"), Absent); !errors.Is(err, ErrConflict) {
					t.Fatalf("expected ErrConflict, got %v", err)
				}
				it, _ := kv.Get(ctx, "k")
				if string(it.Value) != "first" {
					t.Errorf("conflicting put must not write, got %q", it.Value)
				}
			})

			t.Run("compare and swap", func(t *testing.T) {
				kv := backend.open(t)
				ctx := context.Background()
				v, err := kv.Put(ctx, "k", []byte("a"), Absent)
				if err != nil {
					t.Fatalf("Put: %v", err)
				}
				if _, err := kv.Put(ctx, "k", []byte("b"), v+1); !errors.Is(err, ErrConflict) {
					t.Errorf("stale version should conflict, got %v", err)
				}
				v2, err := kv.Put(ctx, "k", []byte("b"), v)
				if err != nil {
					t.Fatalf("CAS Put: %v", err)
				}
				if v2 != v+1 {
					t.Errorf("expected version %d, got %d", v+1, v2)
				}
				if _, err := kv.Put(ctx, "missing", []byte("x"), 1); !errors.Is(err, ErrConflict) {
					t.Errorf("CAS on missing key should conflict, got %v", err)
				}
			})

			t.Run("list by prefix", func(t *testing.T) {
				kv := backend.open(t)
				ctx := context.Background()
				for _, k := range []string{"a/2", "a/1", "a/10", "b/1", "a*/x"} {
					if _, err := kv.Put(ctx, k, []byte(k), AnyVersion); err != nil {
						t.Fatalf("Put %s: %v", k, err)
					}
				}
				items, err := kv.List(ctx, "a/")
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				want := []string{"a/1", "a/10", "a/2"}
				if len(items) != len(want) {
					t.Fatalf("expected %d items, got %d", len(want), len(items))
				}
				for i, it := range items {
					if it.Key != want[i] || string(it.Value) != want[i] {
						t.Errorf("item %d: got %q=%q, want %q", i, it.Key, it.Value, want[i])
					}
				}
				empty, err := kv.List(ctx, "zzz/")
				if err != nil {
					t.Fatalf("List empty: %v", err)
				}
				if len(empty) != 0 {
					t.Errorf("expected no items, got %d", len(empty))
				}
			})

			t.Run("concurrent create only", func(t *testing.T) {
				kv := backend.open(t)
				ctx := context.Background()
				var (
					wg   sync.WaitGroup
					mu   sync.Mutex
					wins int
				)
				for range 8 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := kv.Put(ctx, "race", []byte("x"), Absent)
						if err == nil {
							mu.Lock()
							wins++
							mu.Unlock()
						} else if !errors.Is(err, ErrConflict) {
							t.Errorf("unexpected error: %v", err)
						}
					}()
				}
				wg.Wait()
				if wins != 1 {
					t.Errorf("expected exactly one winner, got %d", wins)
				}
			})
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "etcd"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
