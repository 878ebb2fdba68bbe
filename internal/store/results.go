package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pavelanni/grader/internal/model"
)

const resultPrefix = "result/"

// Results persists graded submissions keyed by idempotency key.
type Results struct {
	kv KV
}

func resultVersionPrefix(templateID string, version int) string {
	return fmt.Sprintf("%s%s/v%06d/", resultPrefix, templateID, version)
}

func resultKey(templateID string, version int, idemKey string) string {
	return resultVersionPrefix(templateID, version) + idemKey
}

// Upsert writes gs under its idempotency key. Re-grading the same
// (submission, template version) overwrites the previous result.
func (r *Results) Upsert(ctx context.Context, gs model.GradedSubmission) error {
	if gs.IdempotencyKey == "" {
		return errors.New("upsert result: empty idempotency key")
	}
	want := model.IdempotencyKey(gs.SubmissionID, gs.TemplateID, gs.TemplateVersion)
	if gs.IdempotencyKey != want {
		return fmt.Errorf("upsert result %s: idempotency key does not match submission and template", gs.SubmissionID)
	}
	key := resultKey(gs.TemplateID, gs.TemplateVersion, gs.IdempotencyKey)
	if _, err := putJSON(ctx, r.kv, key, gs, AnyVersion); err != nil {
		return fmt.Errorf("upsert result %s: %w", gs.SubmissionID, err)
	}
	return nil
}

// Get returns the result for one submission graded against a template version.
func (r *Results) Get(ctx context.Context, submissionID, templateID string, version int) (model.GradedSubmission, error) {
	var gs model.GradedSubmission
	key := resultKey(templateID, version, model.IdempotencyKey(submissionID, templateID, version))
	if _, err := getJSON(ctx, r.kv, key, &gs); err != nil {
		return model.GradedSubmission{}, fmt.Errorf("result %s for %s v%d: %w", submissionID, templateID, version, err)
	}
	return gs, nil
}

// List returns every result graded against a template version, ordered by
// student identifier and then submission id.
func (r *Results) List(ctx context.Context, templateID string, version int) ([]model.GradedSubmission, error) {
	items, err := r.kv.List(ctx, resultVersionPrefix(templateID, version))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]model.GradedSubmission, 0, len(items))
	for _, it := range items {
		var gs model.GradedSubmission
		if err := json.Unmarshal(it.Value, &gs); err != nil {
			return nil, &PersistenceError{Op: "decode", Key: it.Key, Err: err}
		}
		out = append(out, gs)
	}
	sortResults(out)
	return out, nil
}
