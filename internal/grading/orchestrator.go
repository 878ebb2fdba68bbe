// Package grading coordinates batch grading of submissions against a
// template version.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/grader/internal/extract"
	"github.com/pavelanni/grader/internal/match"
	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/score"
	"github.com/pavelanni/grader/internal/store"
)

// ErrTemplateNotFound fails a whole batch: nothing can be graded without
// its answer key.
var ErrTemplateNotFound = errors.New("template not found")

// Templates is the template store the orchestrator reads and writes.
type Templates interface {
	Create(ctx context.Context, in store.TemplateInput) (model.Template, bool, error)
	Latest(ctx context.Context, id string) (model.Template, error)
	Version(ctx context.Context, id string, version int) (model.Template, error)
	LineageFor(ctx context.Context, sourceRef string) (string, error)
}

// Submissions stores uploaded submissions.
type Submissions interface {
	Save(ctx context.Context, sub model.Submission) (model.Submission, bool, error)
}

// Results stores graded submissions.
type Results interface {
	Upsert(ctx context.Context, gs model.GradedSubmission) error
}

// TemplateRef selects a template. An empty TemplateID means the most
// recently created template; a zero Version means the lineage's latest.
type TemplateRef struct {
	TemplateID string `json:"template_id,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// Job is one submission to grade. When Submission.Records is nil and
// Document is set, the document is extracted first.
type Job struct {
	Submission model.Submission
	Document   *model.Document
}

// Stage names a step of the per-submission state machine.
type Stage string

const (
	StagePending   Stage = "pending"
	StageExtract   Stage = "extract"
	StageMatched   Stage = "matched"
	StageScored    Stage = "scored"
	StagePersisted Stage = "persisted"
)

// StageError records the step at which a submission failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return string(e.Stage) + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator grades batches of submissions.
type Orchestrator struct {
	templates   Templates
	submissions Submissions
	results     Results
	extractor   extract.Extractor
	matcher     *match.Matcher
	scorer      *score.Scorer
	cfg         model.GradingConfig
	now         func() time.Time
	newBatchID  func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExtractor sets the extraction capability. It is wrapped with the
// configured timeout, retries and rate limit.
func WithExtractor(ex extract.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = ex }
}

// WithSubmissions sets where uploaded submissions are stored.
func WithSubmissions(s Submissions) Option {
	return func(o *Orchestrator) { o.submissions = s }
}

// WithClock overrides the clock used for graded_at and completed_at.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMatcher replaces the default matcher.
func WithMatcher(m *match.Matcher) Option {
	return func(o *Orchestrator) { o.matcher = m }
}

// New validates cfg and builds an Orchestrator. An invalid cfg returns a
// *model.ConfigurationError.
func New(templates Templates, results Results, cfg model.GradingConfig, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		templates:  templates,
		results:    results,
		matcher:    match.New(cfg.FuzzyThreshold),
		scorer:     score.New(cfg),
		cfg:        cfg,
		now:        time.Now,
		newBatchID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.extractor != nil {
		o.extractor = extract.NewGuarded(o.extractor, cfg)
	}
	return o, nil
}

// Config returns the validated grading policy.
func (o *Orchestrator) Config() model.GradingConfig { return o.cfg }

// ResolveTemplate loads the template a batch grades against.
func (o *Orchestrator) ResolveTemplate(ctx context.Context, ref TemplateRef) (model.Template, error) {
	var (
		tmpl model.Template
		err  error
	)
	if ref.Version > 0 && ref.TemplateID != "" {
		tmpl, err = o.templates.Version(ctx, ref.TemplateID, ref.Version)
	} else {
		tmpl, err = o.templates.Latest(ctx, ref.TemplateID)
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.Template{}, fmt.Errorf("%w: %w", ErrTemplateNotFound, err)
	case err != nil:
		return model.Template{}, fmt.Errorf("resolve template: %w", err)
	}
	return tmpl, nil
}

type outcome struct {
	id     string
	result *model.GradedSubmission
	err    error
}

// GradeBatch grades every job against one template version. Each
// submission is graded and persisted independently; failures are collected
// in FailedSubmissions and never abort the batch. Only a missing template
// fails the whole call. If ctx is canceled the partial result is returned
// together with ctx.Err(); results already persisted stay in place.
func (o *Orchestrator) GradeBatch(ctx context.Context, ref TemplateRef, jobs []Job) (model.BatchResult, error) {
	tmpl, err := o.ResolveTemplate(ctx, ref)
	if err != nil {
		return model.BatchResult{}, err
	}

	batchID := o.newBatchID()
	log := slog.With("batch_id", batchID, "template_id", tmpl.TemplateID, "template_version", tmpl.Version)
	log.Info("grading batch", "submissions", len(jobs), "concurrency", o.cfg.Concurrency)

	outcomes := make([]outcome, len(jobs))
	prepared := make([]Job, len(jobs))
	seen := make(map[string]int, len(jobs))
	for i := range jobs {
		job := withIdentity(jobs[i])
		prepared[i] = job
		outcomes[i].id = job.Submission.SubmissionID
		if job.Submission.SubmissionID == "" {
			outcomes[i].id = fmt.Sprintf("job-%d", i)
			outcomes[i].err = &StageError{Stage: StagePending, Err: errors.New("missing submission id")}
			continue
		}
		if first, dup := seen[job.Submission.SubmissionID]; dup {
			outcomes[i].err = &StageError{Stage: StagePending, Err: fmt.Errorf("duplicate of job %d in this batch", first)}
			continue
		}
		seen[job.Submission.SubmissionID] = i
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	started := make([]bool, len(jobs))
	for i, job := range prepared {
		if outcomes[i].err != nil {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		started[i] = true
		g.Go(func() error {
			res, err := o.gradeOne(ctx, log, tmpl, job)
			outcomes[i].result, outcomes[i].err = res, err
			return nil
		})
	}
	_ = g.Wait()

	batch := model.BatchResult{
		BatchID:           batchID,
		TemplateID:        tmpl.TemplateID,
		TemplateVersion:   tmpl.Version,
		Results:           []model.GradedSubmission{},
		FailedSubmissions: map[string]string{},
	}
	for i, out := range outcomes {
		switch {
		case out.err != nil:
			batch.FailedSubmissions[out.id] = out.err.Error()
		case !started[i]:
			batch.FailedSubmissions[out.id] = (&StageError{Stage: StagePending, Err: ctx.Err()}).Error()
		default:
			batch.Results = append(batch.Results, *out.result)
		}
	}
	batch.Summary = score.SummarizeBatch(batch.Results, len(batch.FailedSubmissions))
	batch.CompletedAt = o.now().UTC()

	log.Info("batch graded",
		"succeeded", batch.Summary.Succeeded,
		"failed", batch.Summary.Failed,
		"mean_percent", batch.Summary.MeanPercent,
	)
	if err := ctx.Err(); err != nil {
		return batch, fmt.Errorf("grade batch %s: %w", batchID, err)
	}
	return batch, nil
}

func withIdentity(job Job) Job {
	if job.Document == nil {
		return job
	}
	if job.Submission.SubmissionID == "" {
		job.Submission.SubmissionID = SubmissionID(job.Document.Ref)
	}
	if job.Submission.StudentIdentifier == "" {
		job.Submission.StudentIdentifier = StudentIdentifier(job.Document.Ref)
	}
	if job.Submission.SourceDocumentRef == "" {
		job.Submission.SourceDocumentRef = job.Document.Ref
	}
	return job
}

// gradeOne walks one submission through Pending → Matched → Scored →
// Persisted. Any error leaves it Failed at the returned stage.
func (o *Orchestrator) gradeOne(ctx context.Context, log *slog.Logger, tmpl model.Template, job Job) (*model.GradedSubmission, error) {
	sub := job.Submission
	log = log.With("submission_id", sub.SubmissionID)
	if job.Document != nil {
		log = log.With("ref", job.Document.Ref)
	}

	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StagePending, Err: err}
	}
	if sub.Status == model.SubmissionFailed {
		return nil, &StageError{Stage: StageExtract, Err: fmt.Errorf("submission failed extraction: %s", sub.Error)}
	}
	if sub.Records == nil && job.Document != nil {
		recs, err := o.extractRecords(ctx, log, *job.Document)
		if err != nil {
			return nil, &StageError{Stage: StageExtract, Err: err}
		}
		sub.Records = recs
	}
	if len(sub.Records) == 0 {
		return nil, &StageError{Stage: StageExtract, Err: errors.New("submission has no records")}
	}

	matches := o.matcher.Match(tmpl, sub)
	log.Debug("submission advanced", "stage", StageMatched)

	entries := o.scorer.Score(tmpl, sub, matches)
	total, maxPossible := score.Totals(entries)
	gs := model.GradedSubmission{
		SubmissionID:      sub.SubmissionID,
		StudentIdentifier: sub.StudentIdentifier,
		TemplateID:        tmpl.TemplateID,
		TemplateVersion:   tmpl.Version,
		Entries:           entries,
		TotalScore:        total,
		MaxPossibleScore:  maxPossible,
		Summary:           score.Summarize(entries, o.cfg.HelpFlagThreshold),
		GradedAt:          o.now().UTC(),
		IdempotencyKey:    model.IdempotencyKey(sub.SubmissionID, tmpl.TemplateID, tmpl.Version),
	}
	log.Debug("submission advanced", "stage", StageScored, "total", total)

	if err := o.results.Upsert(ctx, gs); err != nil {
		log.Error("persist graded submission", "error", err)
		return nil, &StageError{Stage: StagePersisted, Err: err}
	}
	log.Debug("submission advanced", "stage", StagePersisted)
	return &gs, nil
}

// extractRecords runs extraction and accepts a partially malformed result.
func (o *Orchestrator) extractRecords(ctx context.Context, log *slog.Logger, doc model.Document) ([]model.QuestionAnswerRecord, error) {
	if o.extractor == nil {
		return nil, errors.New("no extractor configured")
	}
	res, err := extract.Records(ctx, o.extractor, doc)
	if extract.IsPartial(err) {
		log.Warn("partially malformed extraction accepted", "error", err, "warnings", res.Warnings)
		return res.Records, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res.Warnings) > 0 {
		log.Warn("extraction warnings", "warnings", res.Warnings)
	}
	return res.Records, nil
}
