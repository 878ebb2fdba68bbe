// Package score grades matched answers and aggregates the results.
package score

import (
	"math"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/textutil"
)

// numericSlack absorbs float representation error at the epsilon boundary.
const numericSlack = 1e-12

// Scorer assigns scores and help confidence to matched questions.
type Scorer struct {
	cfg model.GradingConfig
}

// New returns a Scorer for the given policy. cfg is assumed validated.
func New(cfg model.GradingConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score produces one GradeEntry per match, in match order.
func (s *Scorer) Score(tmpl model.Template, sub model.Submission, matches []model.MatchResult) []model.GradeEntry {
	tByIndex := indexRecords(tmpl.Records)
	sByIndex := indexRecords(sub.Records)

	entries := make([]model.GradeEntry, 0, len(matches))
	for _, m := range matches {
		tr := tByIndex[m.TemplateQuestionIndex]
		e := model.GradeEntry{
			TemplateQuestionIndex: m.TemplateQuestionIndex,
			MaxScore:              s.maxFor(tr),
			Match:                 m,
			ExpectedAnswer:        tr.AnswerText,
		}
		if !m.Matched() {
			entries = append(entries, e)
			continue
		}
		sr := sByIndex[*m.SubmissionQuestionIndex]
		e.SubmittedAnswer = sr.AnswerText
		e.HelpConfidence = HelpConfidence(sr.AnswerText, sr.Metadata, s.cfg.HelpMarkers)

		switch {
		case s.Equivalent(tr.AnswerText, sr.AnswerText):
			e.Correct = true
			e.Score = e.MaxScore
		case s.cfg.PartialCredit && s.nearMiss(tr.AnswerText, sr.AnswerText):
			e.Score = e.MaxScore / 2
		}
		entries = append(entries, e)
	}
	return entries
}

// Equivalent reports whether submitted matches expected: equal after
// normalization, or both numeric and within the configured epsilon.
func (s *Scorer) Equivalent(expected, submitted string) bool {
	ne, ns := textutil.Normalize(expected), textutil.Normalize(submitted)
	if ns == "" {
		return ne == ""
	}
	if ne == ns {
		return true
	}
	a, okA := textutil.ParseNumber(expected)
	b, okB := textutil.ParseNumber(submitted)
	if !okA || !okB {
		return false
	}
	return math.Abs(a-b) <= s.cfg.NumericEpsilon+numericSlack
}

// nearMiss reports a numeric answer within the partial credit tolerance.
func (s *Scorer) nearMiss(expected, submitted string) bool {
	a, okA := textutil.ParseNumber(expected)
	b, okB := textutil.ParseNumber(submitted)
	if !okA || !okB || a == 0 {
		return false
	}
	return math.Abs(a-b)/math.Abs(a) <= s.cfg.PartialCreditTolerance+numericSlack
}

func (s *Scorer) maxFor(tr model.QuestionAnswerRecord) float64 {
	if s.cfg.PointsFromKey {
		if pts, ok := textutil.ParsePoints(tr.Metadata[model.MetaPoints]); ok && pts > 0 {
			return pts
		}
	}
	return s.cfg.MaxPerQuestion
}

func indexRecords(recs []model.QuestionAnswerRecord) map[int]model.QuestionAnswerRecord {
	out := make(map[int]model.QuestionAnswerRecord, len(recs))
	for _, r := range recs {
		if _, ok := out[r.QuestionIndex]; !ok {
			out[r.QuestionIndex] = r
		}
	}
	return out
}
