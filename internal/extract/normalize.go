// Package extract turns untrusted extraction output into validated
// question/answer records.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/textutil"
)

// Result is the validated outcome of Normalize.
type Result struct {
	Records         []model.QuestionAnswerRecord
	Warnings        []string
	Malformed       int
	Duplicates      int
	TotalPointsCell string
	SanityChecked   bool
	SanityPassed    bool
}

// Dropped is the number of raw items that did not become records.
func (r Result) Dropped() int {
	return r.Malformed + r.Duplicates
}

// Keys the extractor may use for each field, in order of preference.
var (
	questionKeys = []string{"question_text", "question"}
	answerKeys   = []string{"answer_text", "answer"}
	indexKeys    = []string{"question_index", "index"}
)

const defaultReason = "N/A"

// Normalize validates raw extraction output. raw may be model text
// (string or []byte, fences and prose tolerated), a json.RawMessage, or an
// already decoded value ({"items": [...]} or a bare list).
//
// When every item is usable the error is nil. When some items were dropped
// as malformed the valid subset is returned together with a
// PartiallyMalformed *Error. Duplicate questions are collapsed with a
// warning and never produce an error on their own. When nothing usable
// remains a Malformed *Error is returned.
func Normalize(raw any) (Result, error) {
	var res Result

	doc, err := decode(raw)
	if err != nil {
		return res, err
	}

	items, top, err := itemsOf(doc)
	if err != nil {
		return res, err
	}

	type candidate struct {
		rec      model.QuestionAnswerRecord
		index    int
		hasIndex bool
	}
	var candidates []candidate
	seen := make(map[string]int)

	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			res.Malformed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("item %d: not an object", i))
			continue
		}
		rec, problem := recordFrom(obj)
		if problem != "" {
			res.Malformed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("item %d: %s", i, problem))
			continue
		}
		key := textutil.Normalize(rec.QuestionText)
		if first, dup := seen[key]; dup {
			res.Duplicates++
			res.Warnings = append(res.Warnings, fmt.Sprintf("item %d: duplicate of item %d, dropped", i, first))
			continue
		}
		seen[key] = i

		c := candidate{rec: rec}
		c.index, c.hasIndex = indexFrom(obj)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return res, &Error{Reason: Malformed, DroppedCount: res.Dropped(), Detail: "no valid records"}
	}

	// Explicit indices are kept on first use; missing or repeated ones get
	// the lowest free index at or after their document position.
	reserved := make(map[int]bool)
	for i := range candidates {
		c := &candidates[i]
		if !c.hasIndex {
			continue
		}
		if reserved[c.index] {
			res.Warnings = append(res.Warnings, fmt.Sprintf("question_index %d repeated, reassigned", c.index))
			c.hasIndex = false
			continue
		}
		reserved[c.index] = true
	}
	res.Records = make([]model.QuestionAnswerRecord, 0, len(candidates))
	for pos, c := range candidates {
		if c.hasIndex {
			c.rec.QuestionIndex = c.index
		} else {
			next := pos
			for reserved[next] {
				next++
			}
			reserved[next] = true
			c.rec.QuestionIndex = next
		}
		res.Records = append(res.Records, c.rec)
	}

	checkPoints(&res, top)

	if res.Malformed > 0 {
		return res, &Error{
			Reason:       PartiallyMalformed,
			ValidCount:   len(res.Records),
			DroppedCount: res.Dropped(),
		}
	}
	return res, nil
}

func decode(raw any) (any, error) {
	var data []byte
	switch v := raw.(type) {
	case nil:
		return nil, &Error{Reason: Malformed, Detail: "nil extraction"}
	case string:
		cleaned, err := CleanJSON(v)
		if err != nil {
			return nil, err
		}
		data = []byte(cleaned)
	case json.RawMessage:
		data = v
	case []byte:
		cleaned, err := CleanJSON(string(v))
		if err != nil {
			return nil, err
		}
		data = []byte(cleaned)
	default:
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Reason: Malformed, Detail: "decode: " + err.Error()}
	}
	return doc, nil
}

func itemsOf(doc any) ([]any, map[string]any, error) {
	switch v := doc.(type) {
	case []any:
		return v, nil, nil
	case []map[string]any:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return items, nil, nil
	case map[string]any:
		switch items := v["items"].(type) {
		case []any:
			return items, v, nil
		case []map[string]any:
			out := make([]any, len(items))
			for i := range items {
				out[i] = items[i]
			}
			return out, v, nil
		}
		return nil, nil, &Error{Reason: Malformed, Detail: `missing "items" list`}
	default:
		return nil, nil, &Error{Reason: Malformed, Detail: fmt.Sprintf("unexpected top-level %T", doc)}
	}
}

func recordFrom(obj map[string]any) (model.QuestionAnswerRecord, string) {
	var rec model.QuestionAnswerRecord

	qv, _ := lookup(obj, questionKeys)
	q, ok := qv.(string)
	if !ok {
		return rec, "question_text missing or not a string"
	}
	q = strings.TrimSpace(q)
	if q == "" {
		return rec, "question_text empty"
	}

	av, present := lookup(obj, answerKeys)
	if !present || av == nil {
		return rec, "answer_text absent"
	}
	a, ok := scalarString(av)
	if !ok {
		return rec, fmt.Sprintf("answer_text has unsupported type %T", av)
	}

	rec.QuestionText = q
	rec.AnswerText = strings.TrimSpace(a)

	known := make(map[string]bool)
	for _, group := range [][]string{questionKeys, answerKeys, indexKeys} {
		for _, k := range group {
			known[k] = true
		}
	}
	for k, v := range obj {
		if known[k] || v == nil {
			continue
		}
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string)
		}
		rec.Metadata[k] = metadataString(v)
	}
	if rec.Metadata != nil {
		if _, ok := rec.Metadata[model.MetaReason]; !ok {
			rec.Metadata[model.MetaReason] = defaultReason
		}
	}
	return rec, ""
}

func lookup(obj map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func metadataString(v any) string {
	if s, ok := scalarString(v); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func indexFrom(obj map[string]any) (int, bool) {
	v, ok := lookup(obj, indexKeys)
	if !ok {
		return 0, false
	}
	s, ok := scalarString(v)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f != math.Trunc(f) || f > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// checkPoints compares the declared total with the sum of item points.
func checkPoints(res *Result, top map[string]any) {
	if top == nil {
		return
	}
	cell, ok := scalarString(top["total_points_cell"])
	if !ok || strings.TrimSpace(cell) == "" {
		return
	}
	res.TotalPointsCell = cell
	total, ok := textutil.ParsePoints(cell)
	if !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("total_points_cell %q is not a point value", cell))
		return
	}
	var sum float64
	for _, rec := range res.Records {
		pts, ok := textutil.ParsePoints(rec.Metadata[model.MetaPoints])
		if !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("question %d has no point value", rec.QuestionIndex))
			return
		}
		sum += pts
	}
	res.SanityChecked = true
	res.SanityPassed = math.Abs(sum-total) < 1e-9
	if !res.SanityPassed {
		res.Warnings = append(res.Warnings, fmt.Sprintf("item points sum to %g, total_points_cell says %g", sum, total))
	}
}
