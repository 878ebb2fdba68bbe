package match

import "github.com/pavelanni/grader/internal/textutil"

// Similarity scores two question texts. Implementations must be symmetric
// and return values in [0, 1].
type Similarity func(a, b string) float64

// Dice is the Sørensen–Dice coefficient over the sets of word tokens.
func Dice(a, b string) float64 {
	return diceTokens(tokenSet(a), tokenSet(b))
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range textutil.Tokens(s) {
		set[tok] = struct{}{}
	}
	return set
}

func diceTokens(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}
