package store

import (
	"context"
	"errors"
	"fmt"
)

// Version expectations for KV.Put.
const (
	// AnyVersion writes unconditionally; the last writer wins.
	AnyVersion int64 = -1
	// Absent requires that the key does not exist yet.
	Absent int64 = 0
)

var (
	// ErrNotFound is returned when a key, template, version or submission
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional put loses against the
	// current stored version.
	ErrConflict = errors.New("version conflict")
)

// PersistenceError wraps a storage-layer failure.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Item is one stored value with its version.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// KV is the versioned key/value abstraction every store is built on.
//
// Put with expected == AnyVersion upserts. Put with expected == Absent only
// creates. Any other expected value must equal the stored version. A failed
// expectation returns ErrConflict. Each successful write bumps the version
// by one and the write is atomic: readers see the old value or the new one.
//
// List returns the items whose key starts with prefix, sorted by key.
type KV interface {
	Get(ctx context.Context, key string) (Item, error)
	Put(ctx context.Context, key string, value []byte, expected int64) (int64, error)
	List(ctx context.Context, prefix string) ([]Item, error)
	Close() error
}

func persistErr(op, key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return &PersistenceError{Op: op, Key: key, Err: err}
}
