// Package match aligns a submission's records with a template's records.
package match

import (
	"cmp"
	"slices"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/textutil"
)

// Matcher pairs template records with submission records in three passes:
// exact normalized text, fuzzy similarity, then same question index.
type Matcher struct {
	threshold  float64
	similarity Similarity
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithSimilarity replaces the default Dice token similarity.
func WithSimilarity(sim Similarity) Option {
	return func(m *Matcher) { m.similarity = sim }
}

// New returns a Matcher that accepts fuzzy pairs scoring at least threshold.
func New(threshold float64, opts ...Option) *Matcher {
	m := &Matcher{threshold: threshold, similarity: Dice}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type pair struct {
	tpl, sub int
	sim      float64
}

// Match returns exactly one MatchResult per template record, in template
// order. Each submission record is used at most once.
func (m *Matcher) Match(tmpl model.Template, sub model.Submission) []model.MatchResult {
	tRecs, sRecs := tmpl.Records, sub.Records
	results := make([]model.MatchResult, len(tRecs))
	tDone := make([]bool, len(tRecs))
	sUsed := make([]bool, len(sRecs))

	assign := func(ti, si int, reason model.MatchReason, conf float64) {
		idx := sRecs[si].QuestionIndex
		results[ti] = model.MatchResult{
			TemplateQuestionIndex:   tRecs[ti].QuestionIndex,
			SubmissionQuestionIndex: &idx,
			AlignmentConfidence:     conf,
			MatchReason:             reason,
		}
		tDone[ti] = true
		sUsed[si] = true
	}

	sNorm := make([]string, len(sRecs))
	for i, r := range sRecs {
		sNorm[i] = textutil.Normalize(r.QuestionText)
	}

	// Exact pass.
	for ti, tr := range tRecs {
		want := textutil.Normalize(tr.QuestionText)
		for si := range sRecs {
			if !sUsed[si] && sNorm[si] == want {
				assign(ti, si, model.MatchExact, 1)
				break
			}
		}
	}

	// Fuzzy pass: best pairs first, ties to the lowest submission index.
	var cands []pair
	for ti, tr := range tRecs {
		if tDone[ti] {
			continue
		}
		for si, sr := range sRecs {
			if sUsed[si] {
				continue
			}
			sim := m.similarity(tr.QuestionText, sr.QuestionText)
			if sim > 0 && sim >= m.threshold {
				cands = append(cands, pair{tpl: ti, sub: si, sim: sim})
			}
		}
	}
	slices.SortStableFunc(cands, func(a, b pair) int {
		return cmp.Or(
			cmp.Compare(b.sim, a.sim),
			cmp.Compare(sRecs[a.sub].QuestionIndex, sRecs[b.sub].QuestionIndex),
			cmp.Compare(a.tpl, b.tpl),
		)
	})
	for _, c := range cands {
		if tDone[c.tpl] || sUsed[c.sub] {
			continue
		}
		assign(c.tpl, c.sub, model.MatchFuzzy, c.sim)
	}

	// Positional fallback.
	byIndex := make(map[int]int, len(sRecs))
	for si := len(sRecs) - 1; si >= 0; si-- {
		byIndex[sRecs[si].QuestionIndex] = si
	}
	for ti, tr := range tRecs {
		if tDone[ti] {
			continue
		}
		if si, ok := byIndex[tr.QuestionIndex]; ok && !sUsed[si] {
			assign(ti, si, model.MatchPositional, model.PositionalFallbackConfidence)
		}
	}

	for ti, tr := range tRecs {
		if !tDone[ti] {
			results[ti] = model.MatchResult{
				TemplateQuestionIndex: tr.QuestionIndex,
				MatchReason:           model.MatchUnmatched,
			}
		}
	}
	return results
}
