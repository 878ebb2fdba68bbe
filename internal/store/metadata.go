package store

import (
	"context"
	"errors"
)

const metadataPrefix = "meta/"

// SetMetadata upserts a string value under a metadata key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.kv.Put(ctx, metadataPrefix+key, []byte(value), AnyVersion)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	return getMetadata(ctx, s.kv, key)
}

func getMetadata(ctx context.Context, kv KV, key string) (string, error) {
	it, err := kv.Get(ctx, metadataPrefix+key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(it.Value), nil
}

// claimMetadata stores value under key unless the key is already set, and
// returns whichever value ends up stored.
func claimMetadata(ctx context.Context, kv KV, key, value string) (string, error) {
	_, err := kv.Put(ctx, metadataPrefix+key, []byte(value), Absent)
	if errors.Is(err, ErrConflict) {
		return getMetadata(ctx, kv, key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

const lastGradedMeta = "last_graded_template"

// MarkGraded records templateID as the lineage graded most recently.
func (s *Store) MarkGraded(ctx context.Context, templateID string) error {
	return s.SetMetadata(ctx, lastGradedMeta, templateID)
}

// DefaultTemplateID returns the lineage graded most recently, or the most
// recently created template when nothing has been graded yet.
func (s *Store) DefaultTemplateID(ctx context.Context) (string, error) {
	id, err := s.GetMetadata(ctx, lastGradedMeta)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	tmpl, err := s.Templates.Latest(ctx, "")
	if err != nil {
		return "", err
	}
	return tmpl.TemplateID, nil
}
