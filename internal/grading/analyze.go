package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/grader/internal/extract"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/store"
)

// AnalyzeTemplate extracts an answer key from doc and stores it as a new
// template version. An empty templateID continues the lineage previously
// started for doc.Ref, if any. When the document bytes are unchanged since
// the lineage's latest version, extraction is skipped and that version is
// returned with created == false; identical extracted records likewise do
// not create a new version.
//
// Answer keys must extract cleanly: a partially malformed key is an error.
func (o *Orchestrator) AnalyzeTemplate(ctx context.Context, doc model.Document, templateID string) (model.Template, bool, error) {
	if o.extractor == nil {
		return model.Template{}, false, errors.New("analyze template: no extractor configured")
	}
	lineage := templateID
	if lineage == "" {
		id, err := o.templates.LineageFor(ctx, doc.Ref)
		if err != nil {
			return model.Template{}, false, fmt.Errorf("analyze template: %w", err)
		}
		lineage = id
	}
	if lineage != "" && doc.Hash != "" {
		latest, err := o.templates.Latest(ctx, lineage)
		switch {
		case err == nil && latest.DocumentHash == doc.Hash:
			slog.Info("answer key unchanged, reusing template", "template_id", latest.TemplateID, "version", latest.Version)
			return latest, false, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return model.Template{}, false, fmt.Errorf("analyze template: %w", err)
		}
	}

	res, err := extract.Records(ctx, o.extractor, doc)
	if err != nil {
		return model.Template{}, false, fmt.Errorf("analyze template %s: %w", doc.Ref, err)
	}
	if len(res.Warnings) > 0 {
		slog.Warn("answer key extraction warnings", "ref", doc.Ref, "warnings", res.Warnings)
	}
	if res.SanityChecked && !res.SanityPassed {
		slog.Warn("answer key points do not add up", "ref", doc.Ref, "total_points_cell", res.TotalPointsCell)
	}

	tmpl, created, err := o.templates.Create(ctx, store.TemplateInput{
		TemplateID:        templateID,
		Records:           res.Records,
		SourceDocumentRef: doc.Ref,
		DocumentHash:      doc.Hash,
	})
	if err != nil {
		return model.Template{}, false, fmt.Errorf("analyze template %s: %w", doc.Ref, err)
	}
	slog.Info("template analyzed",
		"template_id", tmpl.TemplateID,
		"version", tmpl.Version,
		"questions", len(tmpl.Records),
		"created", created,
	)
	return tmpl, created, nil
}

// UploadSubmissions extracts each document and stores the result as a
// submission. A document that fails extraction is stored with status
// failed and its error; it does not stop the others. A document whose id
// is already stored with different content is returned as failed and
// nothing is written for it. The returned slice follows docs order. Only
// storage failures and cancellation are returned as errors.
func (o *Orchestrator) UploadSubmissions(ctx context.Context, docs []model.Document) ([]model.Submission, error) {
	if o.submissions == nil {
		return nil, errors.New("upload submissions: no submission store configured")
	}
	out := make([]model.Submission, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)
	for i, doc := range docs {
		g.Go(func() error {
			job := withIdentity(Job{Document: &doc})
			sub := job.Submission
			sub.DocumentHash = doc.Hash
			sub.Status = model.SubmissionExtracted

			log := slog.With("submission_id", sub.SubmissionID, "ref", doc.Ref)
			recs, err := o.extractRecords(gctx, log, doc)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warn("submission extraction failed", "error", err)
				sub.Status = model.SubmissionFailed
				sub.Error = err.Error()
			}
			sub.Records = recs

			saved, _, err := o.submissions.Save(gctx, sub)
			if errors.Is(err, store.ErrConflict) {
				log.Warn("submission not stored", "error", err)
				sub.Status = model.SubmissionFailed
				sub.Error = err.Error()
				out[i] = sub
				return nil
			}
			if err != nil {
				return fmt.Errorf("store submission %s: %w", doc.Ref, err)
			}
			out[i] = saved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("upload submissions: %w", err)
	}
	return out, nil
}

// JobsFor turns stored submissions into grading jobs.
func JobsFor(subs []model.Submission) []Job {
	jobs := make([]Job, len(subs))
	for i, sub := range subs {
		jobs[i] = Job{Submission: sub}
	}
	return jobs
}
