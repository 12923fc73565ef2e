// Package matching maps observed meeting display names onto roster identities.
//
// Matching is a pure function over its inputs: names are normalized (see
// Normalize), an exact normalized match short-circuits with a score of 1.0,
// and otherwise an edit-distance similarity weighted at 0.8 is combined with a
// flat bonus for every strongly similar token pair. Only candidates scoring at
// or above the threshold are returned.
package matching

import (
	"strings"
	"unicode/utf8"
)

// Method records how an identity was assigned to a participant.
type Method string

const (
	// MethodNone marks a participant that has not been matched yet.
	MethodNone Method = "none"
	// MethodExactName is an exact match on the normalized full name.
	MethodExactName Method = "exact_name"
	// MethodFuzzy is an edit-distance match that cleared the threshold.
	MethodFuzzy Method = "fuzzy_match"
	// MethodHighConfidence is a non-exact match scoring at or above HighConfidenceScore.
	MethodHighConfidence Method = "high_confidence"
	// MethodManual is an operator override. It is never replaced automatically.
	MethodManual Method = "manual"
)

const (
	// DefaultThreshold is the minimum score a roster entry needs to be a candidate.
	DefaultThreshold = 0.7
	// HighConfidenceScore tags non-exact matches that are almost certainly right.
	HighConfidenceScore = 0.95

	fuzzyWeight        = 0.8
	tokenBonus         = 0.1
	tokenSimilarityMin = 0.85
	tokenMinRuneLength = 3
)

// Entry is one roster identity.
type Entry struct {
	IdentityID  string
	DisplayName string
}

// Result describes the best roster match for an observed name.
type Result struct {
	Entry  Entry
	Score  float64
	Method Method
}

// Valid reports whether the method is one of the known match methods.
func (m Method) Valid() bool {
	switch m {
	case MethodNone, MethodExactName, MethodFuzzy, MethodHighConfidence, MethodManual:
		return true
	}
	return false
}

// Automatic reports whether the method was assigned by the matcher itself.
func (m Method) Automatic() bool {
	return m == MethodExactName || m == MethodFuzzy || m == MethodHighConfidence
}

// Matcher holds the acceptance threshold. The zero value uses DefaultThreshold.
type Matcher struct {
	Threshold float64
}

// NewMatcher returns a matcher using threshold, or DefaultThreshold when the
// value is outside (0, 1].
func NewMatcher(threshold float64) Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return Matcher{Threshold: threshold}
}

// Match runs Match with the matcher threshold.
func (m Matcher) Match(observedName string, roster []Entry) *Result {
	threshold := m.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Match(observedName, roster, threshold)
}

// Match returns the highest scoring roster entry whose score is at least
// threshold, or nil when nothing qualifies. Ties are resolved in roster order.
func Match(observedName string, roster []Entry, threshold float64) *Result {
	observedTokens := Tokens(observedName)
	if len(observedTokens) == 0 || len(roster) == 0 {
		return nil
	}
	observed := joinTokens(observedTokens)

	var best *Result
	for _, entry := range roster {
		candidateTokens := Tokens(entry.DisplayName)
		if len(candidateTokens) == 0 {
			continue
		}
		candidate := joinTokens(candidateTokens)
		if candidate == observed {
			return &Result{Entry: entry, Score: 1.0, Method: MethodExactName}
		}

		score := Score(observedTokens, candidateTokens)
		if score < threshold {
			continue
		}
		if best == nil || score > best.Score {
			method := MethodFuzzy
			if score >= HighConfidenceScore {
				method = MethodHighConfidence
			}
			best = &Result{Entry: entry, Score: score, Method: method}
		}
	}
	return best
}

// Manual builds the result recorded for an operator override.
func Manual(entry Entry) Result {
	return Result{Entry: entry, Score: 1.0, Method: MethodManual}
}

// Score computes the weighted fuzzy score between two token lists that were
// produced by Tokens.
func Score(a, b []string) float64 {
	score := fuzzyWeight * Similarity(joinTokens(a), joinTokens(b))
	for _, ta := range a {
		if utf8.RuneCountInString(ta) < tokenMinRuneLength {
			continue
		}
		for _, tb := range b {
			if utf8.RuneCountInString(tb) < tokenMinRuneLength {
				continue
			}
			if Similarity(ta, tb) > tokenSimilarityMin {
				score += tokenBonus
			}
		}
	}
	return clamp(score)
}

// Similarity returns 1 - distance/maxLen for two strings, measured in runes.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func joinTokens(tokens []string) string {
	return strings.Join(tokens, " ")
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
