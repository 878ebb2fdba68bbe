package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

const submissionPrefix = "submission/"

// Submissions persists uploaded student submissions.
type Submissions struct {
	kv  KV
	now func() time.Time
}

func submissionKey(id string) string {
	return submissionPrefix + id
}

// Save stores sub. A submission is written once: saving the same document
// again returns the stored copy with created == false. A failed extraction
// may be replaced by a later attempt. Saving different content under an
// existing extracted id returns ErrConflict.
func (s *Submissions) Save(ctx context.Context, sub model.Submission) (model.Submission, bool, error) {
	if sub.SubmissionID == "" {
		return model.Submission{}, false, errors.New("save submission: empty submission id")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now().UTC()
	}
	if sub.Status == "" {
		sub.Status = model.SubmissionExtracted
	}

	key := submissionKey(sub.SubmissionID)
	var existing model.Submission
	version, err := getJSON(ctx, s.kv, key, &existing)
	switch {
	case errors.Is(err, ErrNotFound):
		version = Absent
	case err != nil:
		return model.Submission{}, false, fmt.Errorf("load submission %s: %w", sub.SubmissionID, err)
	case existing.Status == model.SubmissionFailed:
	case existing.DocumentHash == sub.DocumentHash:
		return existing, false, nil
	default:
		return model.Submission{}, false, fmt.Errorf("submission %s already stored with different content: %w", sub.SubmissionID, ErrConflict)
	}

	if _, err := putJSON(ctx, s.kv, key, sub, version); err != nil {
		return model.Submission{}, false, fmt.Errorf("save submission %s: %w", sub.SubmissionID, err)
	}
	return sub, true, nil
}

// Get returns one submission.
func (s *Submissions) Get(ctx context.Context, id string) (model.Submission, error) {
	var sub model.Submission
	if _, err := getJSON(ctx, s.kv, submissionKey(id), &sub); err != nil {
		return model.Submission{}, fmt.Errorf("submission %s: %w", id, err)
	}
	return sub, nil
}

// List returns all submissions ordered by id. An empty status matches all.
func (s *Submissions) List(ctx context.Context, status model.SubmissionStatus) ([]model.Submission, error) {
	items, err := s.kv.List(ctx, submissionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var out []model.Submission
	for _, it := range items {
		var sub model.Submission
		if err := json.Unmarshal(it.Value, &sub); err != nil {
			return nil, &PersistenceError{Op: "decode", Key: it.Key, Err: err}
		}
		if status != "" && sub.Status != status {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}
