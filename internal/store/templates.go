package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pavelanni/grader/internal/model"
)

const (
	templatePrefix     = "template/"
	templateSourceMeta = "template-source/"
	maxCreateAttempts  = 5
)

// TemplateInput describes an answer key to persist.
type TemplateInput struct {
	// TemplateID extends an existing lineage. When empty, the lineage is
	// looked up by SourceDocumentRef or a new one is started.
	TemplateID        string                       `validate:"omitempty,max=128,excludesall=/"`
	Records           []model.QuestionAnswerRecord `validate:"required,min=1,dive"`
	SourceDocumentRef string
	DocumentHash      string
}

// Templates persists versioned answer keys. Versions are append-only and
// "latest" is always derived from the stored versions.
type Templates struct {
	kv    KV
	now   func() time.Time
	newID func() string
}

func versionPrefix(id string) string {
	return templatePrefix + id + "/v/"
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s%06d", versionPrefix(id), version)
}

// ContentHash is the hex SHA-256 of the canonical JSON encoding of records.
func ContentHash(records []model.QuestionAnswerRecord) (string, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("encode records: %w", err)
	}
	return model.HashContent(data), nil
}

// Create stores in as the next version of its lineage. When the records are
// identical to the lineage's latest version no new version is written and
// the existing template is returned with created == false.
func (t *Templates) Create(ctx context.Context, in TemplateInput) (tmpl model.Template, created bool, err error) {
	if err := validate.Struct(in); err != nil {
		return model.Template{}, false, fmt.Errorf("invalid template: %w", err)
	}

	id, err := t.lineage(ctx, in)
	if err != nil {
		return model.Template{}, false, fmt.Errorf("resolve template lineage: %w", err)
	}
	hash, err := ContentHash(in.Records)
	if err != nil {
		return model.Template{}, false, err
	}

	for range maxCreateAttempts {
		next := 1
		latest, err := t.Latest(ctx, id)
		switch {
		case err == nil:
			if latest.ContentHash == hash {
				return latest, false, nil
			}
			next = latest.Version + 1
		case errors.Is(err, ErrNotFound):
		default:
			return model.Template{}, false, err
		}

		tmpl = model.Template{
			TemplateID:        id,
			Version:           next,
			Records:           slices.Clone(in.Records),
			CreatedAt:         t.now().UTC(),
			SourceDocumentRef: in.SourceDocumentRef,
			ContentHash:       hash,
			DocumentHash:      in.DocumentHash,
		}
		_, err = putJSON(ctx, t.kv, versionKey(id, next), tmpl, Absent)
		if errors.Is(err, ErrConflict) {
			// Another writer took this version number.
			continue
		}
		if err != nil {
			return model.Template{}, false, fmt.Errorf("create template %s v%d: %w", id, next, err)
		}
		return tmpl, true, nil
	}
	return model.Template{}, false, fmt.Errorf("create template %s: %w", id, ErrConflict)
}

func (t *Templates) lineage(ctx context.Context, in TemplateInput) (string, error) {
	if in.TemplateID != "" {
		return in.TemplateID, nil
	}
	if in.SourceDocumentRef == "" {
		return t.newID(), nil
	}
	return claimMetadata(ctx, t.kv, sourceKey(in.SourceDocumentRef), t.newID())
}

// LineageFor returns the lineage previously started for a source document,
// or "" when there is none.
func (t *Templates) LineageFor(ctx context.Context, sourceRef string) (string, error) {
	return getMetadata(ctx, t.kv, sourceKey(sourceRef))
}

func sourceKey(ref string) string {
	return templateSourceMeta + model.HashContent([]byte(ref))
}

// Latest returns the highest version of the lineage id. When id is empty it
// returns the most recently created template across all lineages.
func (t *Templates) Latest(ctx context.Context, id string) (model.Template, error) {
	if id == "" {
		return t.latestOverall(ctx)
	}
	items, err := t.kv.List(ctx, versionPrefix(id))
	if err != nil {
		return model.Template{}, fmt.Errorf("list template %s: %w", id, err)
	}
	if len(items) == 0 {
		return model.Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return decodeTemplate(items[len(items)-1])
}

// Version returns one specific version of a lineage.
func (t *Templates) Version(ctx context.Context, id string, version int) (model.Template, error) {
	var tmpl model.Template
	if _, err := getJSON(ctx, t.kv, versionKey(id, version), &tmpl); err != nil {
		return model.Template{}, fmt.Errorf("template %s v%d: %w", id, version, err)
	}
	return tmpl, nil
}

// Versions returns every version of a lineage, oldest first.
func (t *Templates) Versions(ctx context.Context, id string) ([]model.Template, error) {
	items, err := t.kv.List(ctx, versionPrefix(id))
	if err != nil {
		return nil, fmt.Errorf("list template %s: %w", id, err)
	}
	out := make([]model.Template, 0, len(items))
	for _, it := range items {
		tmpl, err := decodeTemplate(it)
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, nil
}

func (t *Templates) all(ctx context.Context) ([]model.Template, error) {
	items, err := t.kv.List(ctx, templatePrefix)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]model.Template, 0, len(items))
	for _, it := range items {
		tmpl, err := decodeTemplate(it)
		if err != nil {
			return nil, err
		}
		out = append(out, tmpl)
	}
	return out, nil
}

func (t *Templates) latestOverall(ctx context.Context) (model.Template, error) {
	all, err := t.all(ctx)
	if err != nil {
		return model.Template{}, err
	}
	if len(all) == 0 {
		return model.Template{}, fmt.Errorf("latest template: %w", ErrNotFound)
	}
	return slices.MaxFunc(all, compareCreated), nil
}

// compareCreated orders templates by creation time, then lineage id, then
// version, so equal timestamps still resolve deterministically.
func compareCreated(a, b model.Template) int {
	return cmp.Or(
		a.CreatedAt.Compare(b.CreatedAt),
		strings.Compare(a.TemplateID, b.TemplateID),
		cmp.Compare(a.Version, b.Version),
	)
}

// List summarizes every lineage at its latest version, newest first.
func (t *Templates) List(ctx context.Context) ([]model.TemplateSummary, error) {
	all, err := t.all(ctx)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]model.Template)
	for _, tmpl := range all {
		if cur, ok := latest[tmpl.TemplateID]; !ok || tmpl.Version > cur.Version {
			latest[tmpl.TemplateID] = tmpl
		}
	}
	heads := make([]model.Template, 0, len(latest))
	for _, tmpl := range latest {
		heads = append(heads, tmpl)
	}
	slices.SortFunc(heads, func(a, b model.Template) int { return compareCreated(b, a) })

	out := make([]model.TemplateSummary, 0, len(heads))
	for _, tmpl := range heads {
		out = append(out, model.TemplateSummary{
			TemplateID:        tmpl.TemplateID,
			LatestVersion:     tmpl.Version,
			QuestionCount:     len(tmpl.Records),
			SourceDocumentRef: tmpl.SourceDocumentRef,
			CreatedAt:         tmpl.CreatedAt,
		})
	}
	return out, nil
}

func decodeTemplate(it Item) (model.Template, error) {
	var tmpl model.Template
	if err := json.Unmarshal(it.Value, &tmpl); err != nil {
		return model.Template{}, &PersistenceError{Op: "decode", Key: it.Key, Err: err}
	}
	return tmpl, nil
}
