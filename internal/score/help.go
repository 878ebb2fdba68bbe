package score

import (
	"strings"

	"github.com/pavelanni/grader/internal/model"
	"github.com/pavelanni/grader/internal/textutil"
)

// Weights of the help-request signals.
const (
	blankWeight    = 0.5
	questionWeight = 0.35
	markerWeight   = 0.3
	extractWeight  = 0.4
)

var defaultHelpMarkers = []string{
	"not sure", "don't know", "dont know", "do not know", "no idea",
	"can you", "could you", "help", "explain", "confused", "hint",
	"maybe", "i think", "could it be", "what does",
	"не знаю", "не уверен", "помогите", "подскажите", "объясните",
}

// helpReasonWords in the extractor's reason suggest the cell is a question.
var helpReasonWords = []string{"question", "asking", "help", "unsure"}

// HelpConfidence estimates how likely answer is a request for help rather
// than an attempt. extra adds markers to the built-in list.
func HelpConfidence(answer string, meta map[string]string, extra []string) float64 {
	text := strings.TrimSpace(strings.ReplaceAll(answer, "’", "'"))
	var conf float64
	if text == "" {
		conf += blankWeight
	}
	if strings.HasSuffix(text, "?") {
		conf += questionWeight
	}

	padded := " " + strings.Join(textutil.Tokens(text), " ") + " "
	for _, markers := range [][]string{defaultHelpMarkers, extra} {
		for _, marker := range markers {
			tokens := textutil.Tokens(marker)
			if len(tokens) == 0 {
				continue
			}
			if strings.Contains(padded, " "+strings.Join(tokens, " ")+" ") {
				conf += markerWeight
			}
		}
	}

	if extractorFlagged(meta) {
		conf += extractWeight
	}
	return clamp01(conf)
}

func extractorFlagged(meta map[string]string) bool {
	if meta == nil {
		return false
	}
	if textutil.Normalize(meta[model.MetaConfidence]) == "low" {
		return true
	}
	reason := textutil.Normalize(meta[model.MetaReason])
	for _, w := range helpReasonWords {
		if strings.Contains(reason, w) {
			return true
		}
	}
	return false
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
