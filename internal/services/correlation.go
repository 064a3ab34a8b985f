package services

import "strings"

// tokenSet lowercases s and returns its distinct whitespace-separated words.
func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// similarity scores how closely two task descriptions match, from 0 to 1.
// The score is the number of shared distinct words divided by the size of
// the larger word set. Identical strings always score 1.
func similarity(a, b string) float64 {
	if a == b && strings.TrimSpace(a) != "" {
		return 1
	}
	return setSimilarity(tokenSet(a), tokenSet(b))
}

func setSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(large))
}
