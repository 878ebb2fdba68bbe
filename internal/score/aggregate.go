package score

import (
	"math"

	"github.com/pavelanni/grader/internal/model"
)

// Totals sums entry scores and their maxima.
func Totals(entries []model.GradeEntry) (total, maxPossible float64) {
	for _, e := range entries {
		total += e.Score
		maxPossible += e.MaxScore
	}
	return total, maxPossible
}

// Summarize counts outcomes for one submission. Entries with help
// confidence at or above helpThreshold are flagged.
func Summarize(entries []model.GradeEntry, helpThreshold float64) model.SubmissionSummary {
	var sum model.SubmissionSummary
	for _, e := range entries {
		switch {
		case !e.Match.Matched():
			sum.Unmatched++
		case e.Correct:
			sum.Correct++
		default:
			sum.Incorrect++
		}
		if e.HelpFlagged(helpThreshold) {
			sum.HelpFlagged++
		}
	}
	total, maxPossible := Totals(entries)
	sum.Percent = percent(total, maxPossible)
	return sum
}

// SummarizeBatch aggregates graded submissions and the failure count.
func SummarizeBatch(results []model.GradedSubmission, failed int) model.BatchSummary {
	bs := model.BatchSummary{
		Submissions: len(results) + failed,
		Succeeded:   len(results),
		Failed:      failed,
	}
	if len(results) == 0 {
		return bs
	}
	var scores, pcts float64
	for _, gs := range results {
		scores += gs.TotalScore
		pcts += gs.Summary.Percent
		if gs.Summary.HelpFlagged > 0 {
			bs.HelpFlaggedSubs++
		}
	}
	n := float64(len(results))
	bs.MeanScore = round2(scores / n)
	bs.MeanPercent = round2(pcts / n)
	return bs
}

func percent(total, maxPossible float64) float64 {
	if maxPossible <= 0 {
		return 0
	}
	return round2(total / maxPossible * 100)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
