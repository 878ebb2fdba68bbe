package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Store bundles the template, submission and result stores over one KV.
type Store struct {
	kv  KV
	now func() time.Time

	Templates   *Templates
	Submissions *Submissions
	Results     *Results
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for created_at stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds the stores on top of kv.
func New(kv KV, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.Templates = &Templates{kv: kv, now: s.now, newID: uuid.NewString}
	s.Submissions = &Submissions{kv: kv, now: s.now}
	s.Results = &Results{kv: kv}
	return s
}

// KV returns the underlying key/value store.
func (s *Store) KV() KV { return s.kv }

func (s *Store) Close() error {
	return s.kv.Close()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func getJSON(ctx context.Context, kv KV, key string, v any) (int64, error) {
	it, err := kv.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(it.Value, v); err != nil {
		return 0, &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return it.Version, nil
}

func putJSON(ctx context.Context, kv KV, key string, v any, expected int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Put(ctx, key, data, expected)
}
