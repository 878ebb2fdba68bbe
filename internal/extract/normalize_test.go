package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pavelanni/grader/internal/model"
)

func TestNormalizeWellFormed(t *testing.T) {
	for _, n := range []int{1, 2, 5, 20} {
		t.Run(fmt.Sprintf("%d records", n), func(t *testing.T) {
			items := make([]any, n)
			for i := range items {
				items[i] = map[string]any{
					"question": fmt.Sprintf("Question number %d", i),
					"answer":   fmt.Sprintf("%d", i*i),
				}
			}
			res, err := Normalize(map[string]any{"items": items})
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if len(res.Records) != n {
				t.Fatalf("expected %d records, got %d", n, len(res.Records))
			}
			for i, rec := range res.Records {
				if rec.QuestionText != fmt.Sprintf("Question number %d", i) {
					t.Errorf("record %d out of order: %q", i, rec.QuestionText)
				}
				if rec.QuestionIndex != i {
					t.Errorf("record %d: expected index %d, got %d", i, i, rec.QuestionIndex)
				}
			}
			if res.Dropped() != 0 {
				t.Errorf("expected nothing dropped, got %d", res.Dropped())
			}
		})
	}
}

func TestNormalizeModelText(t *testing.T) {
	raw := "Sure! Here is the JSON:\n```json\n" + `{
  "total_points_cell": "2pts",
  "sanity_check_passed": true,
  "items": [
    {"points": "1pt", "question": "How many people prefer dogs?", "answer": 0.4333333, "confidence": "high"},
    {"points": "1pt", "question": "What is the probability that a person prefers cats?", "answer": "I'm not sure, maybe 0.4?", "confidence": "low", "reason": "student might be asking a question"},
  ]
}` + "\n```\nLet me know if you need anything else."

	res, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	first := res.Records[0]
	if first.AnswerText != "0.4333333" {
		t.Errorf("numeric answer should keep its literal form, got %q", first.AnswerText)
	}
	if first.Metadata[model.MetaReason] != "N/A" {
		t.Errorf("missing reason should default to N/A, got %q", first.Metadata[model.MetaReason])
	}
	if first.Metadata[model.MetaPoints] != "1pt" {
		t.Errorf("expected points metadata, got %v", first.Metadata)
	}
	if res.Records[1].Metadata[model.MetaConfidence] != "low" {
		t.Errorf("expected low confidence metadata, got %v", res.Records[1].Metadata)
	}
	if !res.SanityChecked || !res.SanityPassed {
		t.Errorf("expected points sanity check to pass, got checked=%v passed=%v", res.SanityChecked, res.SanityPassed)
	}
}

func TestNormalizeDuplicates(t *testing.T) {
	raw := `[
		{"question": "Capital of France", "answer": "Paris"},
		{"question": "  capital   OF france ", "answer": "Lyon"},
		{"question": "2+2", "answer": "4"}
	]`
	res, err := Normalize(raw)
	if err != nil {
		t.Fatalf("duplicates must not fail extraction: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].AnswerText != "Paris" {
		t.Errorf("first occurrence should win, got %q", res.Records[0].AnswerText)
	}
	if res.Duplicates != 1 || res.Dropped() != 1 {
		t.Errorf("expected 1 duplicate dropped, got duplicates=%d dropped=%d", res.Duplicates, res.Dropped())
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "duplicate") {
		t.Errorf("expected duplicate warning, got %v", res.Warnings)
	}
}

func TestNormalizePartiallyMalformed(t *testing.T) {
	raw := `{"items": [
		{"question": "Q1", "answer": "A1"},
		{"question": "", "answer": "A2"},
		{"question": "Q3"},
		{"question": 42, "answer": "A4"},
		"not an object",
		{"question": "Q6", "answer": ""}
	]}`
	res, err := Normalize(raw)
	var ee *Error
	if !errors.As(err, &ee) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if ee.Reason != PartiallyMalformed {
		t.Errorf("expected PartiallyMalformed, got %s", ee.Reason)
	}
	if ee.ValidCount != 2 || ee.DroppedCount != 4 {
		t.Errorf("expected 2 valid / 4 dropped, got %d / %d", ee.ValidCount, ee.DroppedCount)
	}
	if !IsPartial(err) {
		t.Error("IsPartial should report true")
	}
	if len(res.Records) != 2 {
		t.Fatalf("valid subset should be returned, got %d records", len(res.Records))
	}
	if res.Records[1].AnswerText != "" {
		t.Errorf("empty answer is allowed, got %q", res.Records[1].AnswerText)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  any
	}{
		{"nil", nil},
		{"empty text", "   "},
		{"prose only", "I could not find any questions."},
		{"no items key", `{"questions": []}`},
		{"empty items", `{"items": []}`},
		{"all invalid", `[{"answer": "x"}, {"question": " ", "answer": "y"}]`},
		{"wrong top-level", json.RawMessage(`"just a string"`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			var ee *Error
			if !errors.As(err, &ee) && !errors.Is(err, ErrEmptyOutput) {
				t.Fatalf("expected extraction error, got %v", err)
			}
			if ee != nil && ee.Reason != Malformed {
				t.Errorf("expected Malformed, got %s", ee.Reason)
			}
			if IsPartial(err) {
				t.Error("total failure must not be partial")
			}
		})
	}
}

func TestNormalizeIndices(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int
	}{
		{"absent", `[{"question":"a","answer":"1"},{"question":"b","answer":"2"}]`, []int{0, 1}},
		{"explicit", `[{"question":"a","answer":"1","question_index":5},{"question":"b","answer":"2","question_index":2}]`, []int{5, 2}},
		{"string index", `[{"question":"a","answer":"1","index":"3"}]`, []int{3}},
		{"repeated", `[{"question":"a","answer":"1","question_index":0},{"question":"b","answer":"2","question_index":0}]`, []int{0, 1}},
		{"mixed", `[{"question":"a","answer":"1"},{"question":"b","answer":"2","question_index":0}]`, []int{1, 0}},
		{"invalid", `[{"question":"a","answer":"1","question_index":-1},{"question":"b","answer":"2","question_index":1.5}]`, []int{0, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if len(res.Records) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(res.Records))
			}
			for i, rec := range res.Records {
				if rec.QuestionIndex != tt.want[i] {
					t.Errorf("record %d: index %d, want %d", i, rec.QuestionIndex, tt.want[i])
				}
			}
		})
	}
}

func TestNormalizeFieldAliases(t *testing.T) {
	res, err := Normalize([]map[string]any{
		{"question_text": "Q", "answer_text": "A", "question_index": 7},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	rec := res.Records[0]
	if rec.QuestionText != "Q" || rec.AnswerText != "A" || rec.QuestionIndex != 7 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Metadata != nil {
		t.Errorf("no extra keys means no metadata, got %v", rec.Metadata)
	}
}

func TestNormalizeScalarAnswers(t *testing.T) {
	tests := []struct {
		name   string
		answer any
		want   string
	}{
		{"string", "Paris", "Paris"},
		{"number", 4.5, "4.5"},
		{"integer", 7, "7"},
		{"true", true, "true"},
		{"false", false, "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Normalize([]map[string]any{
				{"question": "Q", "answer": tt.answer},
				{"question": "2+2", "answer": "4"},
			})
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if len(res.Records) != 2 || res.Records[0].AnswerText != tt.want {
				t.Errorf("got %+v, want answer %q", res.Records, tt.want)
			}
		})
	}

	res, err := Normalize(`{"items":[{"question":"Is water wet?","answer":true},{"question":"2+2","answer":"4"}]}`)
	if err != nil || len(res.Records) != 2 || res.Records[0].AnswerText != "true" {
		t.Errorf("boolean answer in model output: %+v, %v", res.Records, err)
	}
}

func TestNormalizePointsSanity(t *testing.T) {
	raw := `{"total_points_cell": "5 pts", "items": [
		{"points": "2pt", "question": "a", "answer": "1"},
		{"points": "2pt", "question": "b", "answer": "2"}
	]}`
	res, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !res.SanityChecked || res.SanityPassed {
		t.Errorf("expected failed sanity check, got checked=%v passed=%v", res.SanityChecked, res.SanityPassed)
	}
	if res.TotalPointsCell != "5 pts" {
		t.Errorf("expected total cell to be kept, got %q", res.TotalPointsCell)
	}
}
