package score

import (
	"math"
	"testing"

	"github.com/pavelanni/grader/internal/match"
	"github.com/pavelanni/grader/internal/model"
)

func pairOf(questions, keyAnswers, subAnswers []string) (model.Template, model.Submission) {
	tmpl := model.Template{TemplateID: "t", Version: 1}
	sub := model.Submission{SubmissionID: "s"}
	for i, q := range questions {
		tmpl.Records = append(tmpl.Records, model.QuestionAnswerRecord{QuestionText: q, AnswerText: keyAnswers[i], QuestionIndex: i})
		sub.Records = append(sub.Records, model.QuestionAnswerRecord{QuestionText: q, AnswerText: subAnswers[i], QuestionIndex: i})
	}
	return tmpl, sub
}

func grade(cfg model.GradingConfig, tmpl model.Template, sub model.Submission) []model.GradeEntry {
	matches := match.New(cfg.FuzzyThreshold).Match(tmpl, sub)
	return New(cfg).Score(tmpl, sub, matches)
}

func TestCaseInsensitiveFullCredit(t *testing.T) {
	cfg := model.DefaultGradingConfig()
	tmpl, sub := pairOf(
		[]string{"2+2", "capital of France"},
		[]string{"4", "Paris"},
		[]string{"4", "paris"},
	)
	entries := grade(cfg, tmpl, sub)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Score != cfg.MaxPerQuestion || !e.Correct {
			t.Errorf("entry %d: expected full credit, got %+v", i, e)
		}
		if e.HelpConfidence > 0.05 {
			t.Errorf("entry %d: expected help confidence near 0, got %v", i, e.HelpConfidence)
		}
	}
	total, maxPossible := Totals(entries)
	if total != 2 || maxPossible != 2 {
		t.Errorf("expected 2/2, got %v/%v", total, maxPossible)
	}
}

func TestBlankAnswer(t *testing.T) {
	cfg := model.DefaultGradingConfig()
	tmpl, sub := pairOf(
		[]string{"2+2", "capital of France"},
		[]string{"4", "Paris"},
		[]string{"", "Lyon"},
	)
	entries := grade(cfg, tmpl, sub)
	blank, wrong := entries[0], entries[1]
	if blank.Score != 0 || wrong.Score != 0 {
		t.Errorf("expected zero scores, got %v and %v", blank.Score, wrong.Score)
	}
	if blank.HelpConfidence <= wrong.HelpConfidence {
		t.Errorf("blank answer help %v should exceed wrong answer help %v", blank.HelpConfidence, wrong.HelpConfidence)
	}
}

func TestUnmatchedScoresZero(t *testing.T) {
	cfg := model.DefaultGradingConfig()
	tmpl := model.Template{Records: []model.QuestionAnswerRecord{{QuestionText: "q", AnswerText: "a", QuestionIndex: 5}}}
	entries := New(cfg).Score(tmpl, model.Submission{}, []model.MatchResult{{TemplateQuestionIndex: 5, MatchReason: model.MatchUnmatched}})
	e := entries[0]
	if e.Score != 0 || e.HelpConfidence != 0 || e.Correct {
		t.Errorf("unexpected unmatched entry %+v", e)
	}
	if e.MaxScore != cfg.MaxPerQuestion || e.ExpectedAnswer != "a" {
		t.Errorf("unmatched entry should still carry max score and key, got %+v", e)
	}
}

func TestNumericEpsilon(t *testing.T) {
	tests := []struct {
		name      string
		epsilon   float64
		expected  string
		submitted string
		want      bool
	}{
		{"exact", 0.005, "0.43", "0.43", true},
		{"within", 0.005, "0.4333333", "0.43", true},
		{"at boundary", 0.005, "0.435", "0.43", true},
		{"beyond", 0.005, "0.436", "0.43", false},
		{"zero epsilon", 0, "1.5", "1.50", true},
		{"zero epsilon differs", 0, "1.5", "1.51", false},
		{"percent", 0.005, "45%", "45", true},
		{"decimal comma", 0.005, "0.5", "0,5", true},
		{"text vs number", 0.005, "four", "4", false},
		{"blank", 0.005, "4", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := model.DefaultGradingConfig()
			cfg.NumericEpsilon = tt.epsilon
			if got := New(cfg).Equivalent(tt.expected, tt.submitted); got != tt.want {
				t.Errorf("Equivalent(%q, %q) = %v, want %v", tt.expected, tt.submitted, got, tt.want)
			}
		})
	}
}

func TestEquivalentText(t *testing.T) {
	s := New(model.DefaultGradingConfig())
	tests := []struct {
		expected, submitted string
		want                bool
	}{
		{"Paris", "  PARIS ", true},
		{"New  York", "new york", true},
		{"Paris", "Lyon", false},
		{"", "", true},
	}
	for _, tt := range tests {
		if got := s.Equivalent(tt.expected, tt.submitted); got != tt.want {
			t.Errorf("Equivalent(%q, %q) = %v, want %v", tt.expected, tt.submitted, got, tt.want)
		}
	}
}

func TestPartialCredit(t *testing.T) {
	cfg := model.DefaultGradingConfig()
	cfg.PartialCredit = true
	cfg.PartialCreditTolerance = 0.05
	tmpl, sub := pairOf(
		[]string{"a", "b", "c"},
		[]string{"100", "100", "Paris"},
		[]string{"104", "110", "Pariss"},
	)
	entries := grade(cfg, tmpl, sub)
	if entries[0].Score != 0.5 || entries[0].Correct {
		t.Errorf("expected half credit within tolerance, got %+v", entries[0])
	}
	if entries[1].Score != 0 {
		t.Errorf("expected no credit beyond tolerance, got %v", entries[1].Score)
	}
	if entries[2].Score != 0 {
		t.Errorf("text answers never get partial credit, got %v", entries[2].Score)
	}

	cfg.PartialCredit = false
	if got := grade(cfg, tmpl, sub)[0].Score; got != 0 {
		t.Errorf("partial credit disabled: expected 0, got %v", got)
	}
}

func TestPointsFromKey(t *testing.T) {
	cfg := model.DefaultGradingConfig()
	cfg.PointsFromKey = true
	tmpl, sub := pairOf([]string{"a", "b"}, []string{"1", "2"}, []string{"1", "2"})
	tmpl.Records[0].Metadata = map[string]string{model.MetaPoints: "2pts"}
	entries := grade(cfg, tmpl, sub)
	if entries[0].MaxScore != 2 || entries[0].Score != 2 {
		t.Errorf("expected 2 points from key, got %+v", entries[0])
	}
	if entries[1].MaxScore != cfg.MaxPerQuestion {
		t.Errorf("missing points should fall back to max per question, got %v", entries[1].MaxScore)
	}
	_, maxPossible := Totals(entries)
	if maxPossible != 3 {
		t.Errorf("expected max possible 3, got %v", maxPossible)
	}
}

func TestMaxPerQuestion(t *testing.T) {
	for _, maxPer := range []float64{0.5, 1, 10} {
		cfg := model.DefaultGradingConfig()
		cfg.MaxPerQuestion = maxPer
		tmpl, sub := pairOf([]string{"a", "b", "c"}, []string{"1", "2", "3"}, []string{"1", "x", "3"})
		total, maxPossible := Totals(grade(cfg, tmpl, sub))
		if total != 2*maxPer || maxPossible != 3*maxPer {
			t.Errorf("max %v: got %v/%v", maxPer, total, maxPossible)
		}
	}
}

func TestHelpConfidence(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		meta   map[string]string
		min    float64
		max    float64
	}{
		{"attempt", "42", nil, 0, 0},
		{"word attempt", "photosynthesis", nil, 0, 0},
		{"blank", "", nil, 0.5, 0.5},
		{"question mark", "is it 4?", nil, 0.35, 0.35},
		{"help phrase", "I don't know", nil, 0.3, 0.3},
		{"curly apostrophe", "I don’t know", nil, 0.3, 0.3},
		{"asking", "Can you explain how to do this?", nil, 0.9, 1},
		{"maybe", "maybe 0.4", nil, 0.3, 0.3},
		{"helpful is not help", "helpful", nil, 0, 0},
		{"russian", "не знаю", nil, 0.3, 0.3},
		{"low confidence", "0.4", map[string]string{model.MetaConfidence: "low"}, 0.4, 0.4},
		{"reason", "0.4", map[string]string{model.MetaReason: "student might be asking a question"}, 0.4, 0.4},
		{"default reason", "0.4", map[string]string{model.MetaReason: "N/A", model.MetaConfidence: "high"}, 0, 0},
		{"clamped", "Not sure, can you help? I'm confused", map[string]string{model.MetaConfidence: "low"}, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HelpConfidence(tt.answer, tt.meta, nil)
			if got < tt.min-1e-9 || got > tt.max+1e-9 {
				t.Errorf("HelpConfidence(%q) = %v, want in [%v, %v]", tt.answer, got, tt.min, tt.max)
			}
		})
	}
}

func TestHelpConfidenceExtraMarkers(t *testing.T) {
	if got := HelpConfidence("pass", nil, nil); got != 0 {
		t.Fatalf("expected 0 without marker, got %v", got)
	}
	if got := HelpConfidence("pass", nil, []string{"Pass"}); math.Abs(got-markerWeight) > 1e-9 {
		t.Errorf("expected custom marker weight, got %v", got)
	}
}

func TestSummaries(t *testing.T) {
	one := 0
	entries := []model.GradeEntry{
		{Score: 1, MaxScore: 1, Correct: true, Match: model.MatchResult{SubmissionQuestionIndex: &one, MatchReason: model.MatchExact}},
		{Score: 0, MaxScore: 1, HelpConfidence: 0.6, Match: model.MatchResult{SubmissionQuestionIndex: &one, MatchReason: model.MatchFuzzy}},
		{Score: 0, MaxScore: 1, Match: model.MatchResult{MatchReason: model.MatchUnmatched}},
	}
	sum := Summarize(entries, 0.5)
	want := model.SubmissionSummary{Correct: 1, Incorrect: 1, Unmatched: 1, HelpFlagged: 1, Percent: 33.33}
	if sum != want {
		t.Errorf("Summarize = %+v, want %+v", sum, want)
	}

	batch := SummarizeBatch([]model.GradedSubmission{
		{TotalScore: 1, Summary: model.SubmissionSummary{Percent: 40, HelpFlagged: 1}},
		{TotalScore: 3, Summary: model.SubmissionSummary{Percent: 100}},
	}, 2)
	wantBatch := model.BatchSummary{Submissions: 4, Succeeded: 2, Failed: 2, MeanScore: 2, MeanPercent: 70, HelpFlaggedSubs: 1}
	if batch != wantBatch {
		t.Errorf("SummarizeBatch = %+v, want %+v", batch, wantBatch)
	}

	if empty := SummarizeBatch(nil, 3); empty.Failed != 3 || empty.MeanScore != 0 {
		t.Errorf("unexpected empty batch summary %+v", empty)
	}
	if Summarize(nil, 0.5).Percent != 0 {
		t.Error("empty submission should be 0 percent")
	}
}
