package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pavelanni/grader/internal/model"
)

func sortResults(results []model.GradedSubmission) {
	slices.SortFunc(results, func(a, b model.GradedSubmission) int {
		return cmp.Or(
			strings.Compare(a.StudentIdentifier, b.StudentIdentifier),
			strings.Compare(a.SubmissionID, b.SubmissionID),
		)
	})
}

// Export builds export-ready student results for one template version.
// A zero version exports the lineage's latest version.
func (s *Store) Export(ctx context.Context, templateID string, version int, helpThreshold float64) (model.ResultsExport, error) {
	var (
		tmpl model.Template
		err  error
	)
	if version == 0 {
		tmpl, err = s.Templates.Latest(ctx, templateID)
	} else {
		tmpl, err = s.Templates.Version(ctx, templateID, version)
	}
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("resolve template: %w", err)
	}

	graded, err := s.Results.List(ctx, tmpl.TemplateID, tmpl.Version)
	if err != nil {
		return model.ResultsExport{}, err
	}

	questions := make(map[int]string, len(tmpl.Records))
	for _, rec := range tmpl.Records {
		questions[rec.QuestionIndex] = rec.QuestionText
	}

	results := make([]model.StudentResult, 0, len(graded))
	for _, gs := range graded {
		var ref string
		sub, err := s.Submissions.Get(ctx, gs.SubmissionID)
		switch {
		case err == nil:
			ref = sub.SourceDocumentRef
		case !errors.Is(err, ErrNotFound):
			return model.ResultsExport{}, fmt.Errorf("get submission %s: %w", gs.SubmissionID, err)
		}

		sr := model.StudentResult{
			SubmissionID:      gs.SubmissionID,
			StudentIdentifier: gs.StudentIdentifier,
			SourceDocumentRef: ref,
			GradedAt:          gs.GradedAt,
			TotalScore:        gs.TotalScore,
			MaxPossibleScore:  gs.MaxPossibleScore,
			Percent:           gs.Summary.Percent,
		}
		for _, e := range gs.Entries {
			if e.HelpFlagged(helpThreshold) {
				sr.HelpFlagged = true
			}
			sr.Questions = append(sr.Questions, model.QuestionResult{
				Question:        questions[e.TemplateQuestionIndex],
				CorrectAnswer:   e.ExpectedAnswer,
				StudentAnswer:   e.SubmittedAnswer,
				Score:           e.Score,
				MaxScore:        e.MaxScore,
				HelpConfidence:  e.HelpConfidence,
				MatchReason:     e.Match.MatchReason,
				MatchConfidence: e.Match.AlignmentConfidence,
			})
		}
		results = append(results, sr)
	}

	return model.ResultsExport{
		TemplateID:        tmpl.TemplateID,
		TemplateVersion:   tmpl.Version,
		SourceDocumentRef: tmpl.SourceDocumentRef,
		NumQuestions:      len(tmpl.Records),
		ExportedAt:        s.now().UTC(),
		Results:           results,
	}, nil
}
