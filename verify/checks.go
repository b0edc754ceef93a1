package verify

import (
	"context"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/llmhive/llmhive/core"
)

// Detection patterns. Checks are auto-selected by scanning both the query
// and the answer.
var (
	mathExprPattern    = regexp.MustCompile(`\d+\s*[+\-−×÷/*]\s*\d+`)
	mathEqualsPattern  = regexp.MustCompile(`=\s*\d`)
	mathKeywords       = []string{"calculate", "compute", "sum", "product", "average", "mean", "equation", "formula", "integral", "derivative"}
	codeKeywords       = []string{"def ", "function ", "class ", "import ", "return", "print(", "console.log"}
	fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9+-]*)\n(.*?)```")

	factualPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bin \d{4}\b`),
		regexp.MustCompile(`(?i)\bfounded\b`),
		regexp.MustCompile(`(?i)\bborn\b`),
		regexp.MustCompile(`(?i)\bdied\b`),
		regexp.MustCompile(`(?i)\bdiscovered\b`),
		regexp.MustCompile(`(?i)\baccording to\b`),
		regexp.MustCompile(`(?i)\bstatistics show\b`),
	}

	contradictionPattern = regexp.MustCompile(`(?i)\bboth\s+(\w+)\s+and\s+not\s+(\w+)`)

	logicPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\balways\s+\w+[^.]*\bbut\s+sometimes\b`),
		regexp.MustCompile(`(?i)\bimpossible\b[^.]*\bbut\b[^.]*\bcan\b`),
	}

	// statedEquationPattern matches "<expr> = <number>" where expr is built
	// from digits, arithmetic operators, and parentheses.
	statedEquationPattern = regexp.MustCompile(`([0-9][0-9\s+\-−×÷/*().]*?)\s*=\s*(-?[0-9]+(?:\.[0-9]+)?)`)

	operatorPattern = regexp.MustCompile(`[+\-−×÷/*]`)
)

const mathTolerance = 0.001

func needsMathCheck(query, answer string) bool {
	for _, text := range []string{query, answer} {
		if mathExprPattern.MatchString(text) || mathEqualsPattern.MatchString(text) {
			return true
		}
		lower := strings.ToLower(text)
		for _, kw := range mathKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

func needsCodeCheck(query, answer string) bool {
	if fencedBlockPattern.MatchString(answer) {
		return true
	}
	for _, text := range []string{query, answer} {
		for _, kw := range codeKeywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

func needsFactualCheck(query, answer string) bool {
	for _, text := range []string{query, answer} {
		for _, p := range factualPatterns {
			if p.MatchString(text) {
				return true
			}
		}
	}
	return false
}

func needsLogicCheck(answer string) bool {
	if len(findContradictions(answer)) > 0 {
		return true
	}
	for _, p := range logicPatterns {
		if p.MatchString(answer) {
			return true
		}
	}
	return false
}

// findContradictions returns "both X and not X" matches where the two
// words are actually the same (RE2 has no backreferences).
func findContradictions(answer string) []string {
	var out []string
	for _, m := range contradictionPattern.FindAllStringSubmatch(answer, -1) {
		if strings.EqualFold(m[1], m[2]) {
			out = append(out, m[0])
		}
	}
	return out
}

// checkMath finds stated equations, recomputes each with standard operator
// precedence, and flags mismatches beyond the tolerance. When fix is set
// the returned answer has stated values replaced with computed ones.
func checkMath(answer string, fix bool) (string, float64, []core.VerificationIssue) {
	var issues []core.VerificationIssue
	confidence := 1.0

	corrected := statedEquationPattern.ReplaceAllStringFunc(answer, func(match string) string {
		groups := statedEquationPattern.FindStringSubmatch(match)
		expr := strings.TrimSpace(groups[1])
		statedText := groups[2]

		// A bare "x = 5" is an assignment, not arithmetic to re-check.
		if !operatorPattern.MatchString(expr) {
			return match
		}

		computed, err := evalExpression(expr)
		if err != nil {
			return match
		}
		stated, err := strconv.ParseFloat(statedText, 64)
		if err != nil {
			return match
		}
		if math.Abs(computed-stated) <= mathTolerance {
			return match
		}

		computedText := formatNumber(computed)
		issues = append(issues, core.VerificationIssue{
			Kind:           core.IssueMathError,
			Claim:          strings.TrimSpace(match),
			CorrectionHint: expr + " = " + computedText,
			Priority:       1,
		})
		if fix {
			idx := strings.LastIndex(match, statedText)
			return match[:idx] + computedText + match[idx+len(statedText):]
		}
		return match
	})

	if len(issues) > 0 {
		confidence = 0.7
	}
	if !fix {
		corrected = answer
	}
	return corrected, confidence, issues
}

// formatNumber renders a computed value without trailing zeros, keeping
// integers integral.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// CodeRunner optionally executes a verified code block in a sandbox.
// Absence downgrades code checks to syntax-only.
type CodeRunner interface {
	Run(ctx context.Context, language, code string) error
}

// checkCode validates fenced code blocks. Go blocks get a strict parse;
// other languages get a delimiter balance check. Code issues never mutate
// the answer.
func checkCode(ctx context.Context, answer string, runner CodeRunner) (float64, []core.VerificationIssue) {
	var issues []core.VerificationIssue

	for _, m := range fencedBlockPattern.FindAllStringSubmatch(answer, -1) {
		language := strings.ToLower(m[1])
		code := m[2]

		if language == "go" || language == "golang" || (language == "" && looksLikeGo(code)) {
			if err := parseGo(code); err != nil {
				issues = append(issues, core.VerificationIssue{
					Kind:     core.IssueCodeError,
					Claim:    firstLine(code),
					Evidence: err.Error(),
					Priority: 1,
				})
				continue
			}
		} else if err := checkDelimiterBalance(code); err != nil {
			issues = append(issues, core.VerificationIssue{
				Kind:     core.IssueCodeError,
				Claim:    firstLine(code),
				Evidence: err.Error(),
				Priority: 2,
			})
			continue
		}

		if runner != nil {
			if err := runner.Run(ctx, language, code); err != nil {
				issues = append(issues, core.VerificationIssue{
					Kind:     core.IssueCodeError,
					Claim:    firstLine(code),
					Evidence: "runtime: " + err.Error(),
					Priority: 1,
				})
			}
		}
	}

	confidence := 1.0
	if len(issues) > 0 {
		confidence = 0.75
	}
	return confidence, issues
}

func looksLikeGo(code string) bool {
	return strings.Contains(code, "package ") || strings.Contains(code, "func ")
}

// parseGo parses a block as a full file, wrapping snippets that lack a
// package clause.
func parseGo(code string) error {
	src := code
	if !strings.Contains(code, "package ") {
		src = "package snippet\n\n" + code
	}
	_, err := parser.ParseFile(token.NewFileSet(), "block.go", src, parser.AllErrors)
	return err
}

// checkDelimiterBalance verifies brackets, braces, and parens pair up.
func checkDelimiterBalance(code string) error {
	var stack []byte
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}

	inString := byte(0)
	for i := 0; i < len(code); i++ {
		c := code[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			inString = c
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[c] {
				return &delimiterError{char: c, offset: i}
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return &delimiterError{char: stack[len(stack)-1], offset: len(code)}
	}
	return nil
}

type delimiterError struct {
	char   byte
	offset int
}

func (e *delimiterError) Error() string {
	return "unbalanced delimiter " + string(e.char) + " at offset " + strconv.Itoa(e.offset)
}

func firstLine(code string) string {
	line := strings.TrimSpace(code)
	if idx := strings.IndexByte(line, '\n'); idx > 0 {
		line = line[:idx]
	}
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// checkFactual flags red-flag claims. With a fact checker wired, refuted
// claims become factual errors with evidence; without one, the claims are
// marked unknown and the confidence is penalized.
func checkFactual(ctx context.Context, answer string, checker core.FactChecker) (float64, []core.VerificationIssue) {
	var claims []string
	for _, sentence := range splitSentences(answer) {
		for _, p := range factualPatterns {
			if p.MatchString(sentence) {
				claims = append(claims, sentence)
				break
			}
		}
	}
	if len(claims) == 0 {
		return 1.0, nil
	}

	if checker == nil {
		issues := make([]core.VerificationIssue, 0, len(claims))
		for _, claim := range claims {
			issues = append(issues, core.VerificationIssue{
				Kind:     core.IssueFactualityUnknown,
				Claim:    claim,
				Priority: 3,
			})
		}
		return 0.8, issues
	}

	result, err := checker.Verify(ctx, answer, claims)
	if err != nil {
		// The collaborator failing is not evidence of a factual error.
		issues := []core.VerificationIssue{{
			Kind:     core.IssueFactualityUnknown,
			Claim:    claims[0],
			Evidence: err.Error(),
			Priority: 3,
		}}
		return 0.8, issues
	}

	var issues []core.VerificationIssue
	for _, item := range result.Items {
		if item.Verified {
			continue
		}
		issues = append(issues, core.VerificationIssue{
			Kind:           core.IssueFactualError,
			Claim:          item.Text,
			Evidence:       item.Evidence,
			CorrectionHint: item.Correction,
			Priority:       1,
		})
	}
	confidence := result.VerificationScore
	if len(issues) == 0 && confidence > 1 {
		confidence = 1
	}
	return confidence, issues
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// checkFormat always runs: empty, truncated, or mid-word answers are
// format errors.
func checkFormat(answer string) (float64, []core.VerificationIssue) {
	var issues []core.VerificationIssue
	trimmed := strings.TrimSpace(answer)

	switch {
	case len(trimmed) < 10:
		issues = append(issues, core.VerificationIssue{
			Kind:     core.IssueFormatError,
			Claim:    trimmed,
			Evidence: "answer is shorter than 10 characters",
			Priority: 2,
		})
	case strings.HasSuffix(trimmed, "…"), strings.HasSuffix(trimmed, "..."):
		issues = append(issues, core.VerificationIssue{
			Kind:     core.IssueFormatError,
			Claim:    lastChars(trimmed, 40),
			Evidence: "answer ends with an ellipsis",
			Priority: 2,
		})
	case endsMidWord(trimmed):
		issues = append(issues, core.VerificationIssue{
			Kind:     core.IssueFormatError,
			Claim:    lastChars(trimmed, 40),
			Evidence: "answer appears truncated mid-word",
			Priority: 2,
		})
	}

	confidence := 1.0
	if len(issues) > 0 {
		confidence = 0.75
	}
	return confidence, issues
}

// endsMidWord reports whether the answer stops on a hyphenated fragment or
// a dangling continuation marker.
func endsMidWord(text string) bool {
	if strings.HasSuffix(text, "-") {
		return true
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"continues", "to be continued", "etc."} {
		if strings.HasSuffix(lower, marker) {
			return true
		}
	}
	return false
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// checkLogic flags self-contradictory phrasing.
func checkLogic(answer string) (float64, []core.VerificationIssue) {
	var issues []core.VerificationIssue
	for _, match := range findContradictions(answer) {
		issues = append(issues, core.VerificationIssue{
			Kind:     core.IssueLogicError,
			Claim:    match,
			Priority: 2,
		})
	}
	for _, p := range logicPatterns {
		for _, match := range p.FindAllString(answer, -1) {
			issues = append(issues, core.VerificationIssue{
				Kind:     core.IssueLogicError,
				Claim:    match,
				Priority: 2,
			})
		}
	}
	confidence := 1.0
	if len(issues) > 0 {
		confidence = 0.7
	}
	return confidence, issues
}
