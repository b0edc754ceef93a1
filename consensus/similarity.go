package consensus

import (
	"strings"
	"unicode"
)

// ConflictSeverity grades how much a set of responses disagrees.
type ConflictSeverity string

const (
	ConflictNone     ConflictSeverity = "none"
	ConflictMinor    ConflictSeverity = "minor"
	ConflictModerate ConflictSeverity = "moderate"
	ConflictMajor    ConflictSeverity = "major"
)

// tokenize lowercases and splits on non-alphanumeric runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// jaccard computes token-set Jaccard similarity of two texts.
func jaccard(a, b string) float64 {
	return jaccardTokens(tokenize(a), tokenize(b))
}

func jaccardTokens(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[t] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[t] = true
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

// leadingJaccard compares only the first n tokens of each text. Debate
// convergence uses this to ignore trailing elaboration.
func leadingJaccard(a, b string, n int) float64 {
	ta := tokenize(a)
	if len(ta) > n {
		ta = ta[:n]
	}
	tb := tokenize(b)
	if len(tb) > n {
		tb = tb[:n]
	}
	return jaccardTokens(ta, tb)
}

// meanPairwiseSimilarity averages Jaccard over all unordered pairs.
func meanPairwiseSimilarity(texts []string) float64 {
	if len(texts) < 2 {
		return 1
	}
	sum, pairs := 0.0, 0
	for i := 0; i < len(texts); i++ {
		for j := i + 1; j < len(texts); j++ {
			sum += jaccard(texts[i], texts[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// classifyConflict maps mean pairwise similarity to a severity grade.
func classifyConflict(meanSimilarity float64) ConflictSeverity {
	switch {
	case meanSimilarity >= 0.80:
		return ConflictNone
	case meanSimilarity >= 0.60:
		return ConflictMinor
	case meanSimilarity >= 0.40:
		return ConflictModerate
	default:
		return ConflictMajor
	}
}

// normalizeAnswer lowercases and strips punctuation for grouping identical
// answers that differ only in surface form.
func normalizeAnswer(text string) string {
	return strings.Join(tokenize(text), " ")
}
