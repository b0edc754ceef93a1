package strategy

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Answer-extraction markers, scanned case-insensitively. The last marker
// occurrence wins.
var answerMarkers = []string{"final answer:", "therefore:", "thus:", "conclusion:"}

// extractFinalAnswer pulls the concluding answer out of a reasoning trace.
// It takes the text after the last marker occurrence, falling back to the
// last non-empty line.
func extractFinalAnswer(text string) string {
	lower := strings.ToLower(text)
	bestIdx, bestLen := -1, 0
	for _, marker := range answerMarkers {
		if idx := strings.LastIndex(lower, marker); idx > bestIdx {
			bestIdx, bestLen = idx, len(marker)
		}
	}
	if bestIdx >= 0 {
		rest := strings.TrimSpace(text[bestIdx+bestLen:])
		if idx := strings.IndexByte(rest, '\n'); idx > 0 {
			rest = rest[:idx]
		}
		if rest != "" {
			return strings.TrimSpace(rest)
		}
	}

	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return strings.TrimSpace(text)
}

// normalizeAnswer lowercases and strips punctuation so surface variants of
// the same answer group together.
func normalizeAnswer(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

var (
	scoreLabelPattern = regexp.MustCompile(`(?i)(?:score|rating)\s*[:=]?\s*([0-9]+(?:\.[0-9]+)?)`)
	numberPattern     = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)?`)
)

// parseSelfRating reads a 1-10 self-assigned score out of model output,
// preferring an explicit "score:" label and falling back to the last bare
// number. Unparseable output reads as a middling 5.
func parseSelfRating(text string) float64 {
	var raw string
	if m := scoreLabelPattern.FindStringSubmatch(text); m != nil {
		raw = m[1]
	} else if all := numberPattern.FindAllString(text, -1); len(all) > 0 {
		raw = all[len(all)-1]
	} else {
		return 5
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 5
	}
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// critiqueKeywords signal that a critic or verifier found problems.
var critiqueKeywords = []string{"incorrect", "wrong", "error", "mistake", "missing", "incomplete", "fails to"}

// critiqueFoundIssues reports whether a critique flags real problems.
func critiqueFoundIssues(critique string) bool {
	lower := strings.ToLower(critique)
	for _, kw := range critiqueKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// multipleChoicePattern matches option lists like "A) ...", "B. ...".
var multipleChoicePattern = regexp.MustCompile(`(?m)^\s*[A-Ea-e][).]\s+\S`)

// isMultipleChoice reports whether the query presents lettered options.
func isMultipleChoice(query string) bool {
	return len(multipleChoicePattern.FindAllString(query, -1)) >= 2
}

// parseApproachLines splits a brainstorm response into distinct approach
// lines, stripping list markers, keeping at most limit.
func parseApproachLines(text string, limit int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimLeft(trimmed, "-*• \t")
		if len(trimmed) > 2 && trimmed[1] == '.' && trimmed[0] >= '0' && trimmed[0] <= '9' {
			trimmed = strings.TrimSpace(trimmed[2:])
		}
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
		if len(out) == limit {
			break
		}
	}
	return out
}
