// Package verify runs deterministic answer checks: arithmetic recomputation,
// code parsing, factual red-flag scanning, format and logic heuristics.
package verify

import (
	"context"
	"sort"

	"github.com/llmhive/llmhive/core"
)

// confidencePenaltyCap bounds how far issues can drag confidence below the
// weakest check.
const confidencePenaltyCap = 0.3

// Result is the pipeline's verdict on one answer.
type Result struct {
	FinalAnswer string
	Confidence  float64
	Issues      []core.VerificationIssue
	ChecksRun   []string
}

// Pipeline verifies answers. Checks are selected automatically from the
// query and answer text; format checking always runs.
type Pipeline struct {
	logger      core.Logger
	factChecker core.FactChecker
	runner      CodeRunner
	fixErrors   bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline's logger.
func WithLogger(logger core.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithFactChecker wires the external knowledge collaborator. Without one,
// factual red flags are reported as unknown rather than wrong.
func WithFactChecker(checker core.FactChecker) PipelineOption {
	return func(p *Pipeline) { p.factChecker = checker }
}

// WithCodeRunner wires a sandboxed executor for code blocks. Without one,
// code checks are syntax-only.
func WithCodeRunner(runner CodeRunner) PipelineOption {
	return func(p *Pipeline) { p.runner = runner }
}

// WithFixErrors makes the pipeline rewrite stated arithmetic results with
// their computed values.
func WithFixErrors(fix bool) PipelineOption {
	return func(p *Pipeline) { p.fixErrors = fix }
}

// NewPipeline creates a verification pipeline.
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{logger: &core.NoOpLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Verify runs every applicable check against the answer. Confidence starts
// from the weakest check's confidence and drops a further 0.1 per issue,
// capped at 0.3 total.
func (p *Pipeline) Verify(ctx context.Context, query, answer string) *Result {
	result := &Result{FinalAnswer: answer}
	minConfidence := 1.0

	record := func(name string, conf float64, issues []core.VerificationIssue) {
		result.ChecksRun = append(result.ChecksRun, name)
		result.Issues = append(result.Issues, issues...)
		if conf < minConfidence {
			minConfidence = conf
		}
	}

	if needsMathCheck(query, answer) {
		corrected, conf, issues := checkMath(answer, p.fixErrors)
		result.FinalAnswer = corrected
		record("math", conf, issues)
	}
	if needsCodeCheck(query, answer) {
		conf, issues := checkCode(ctx, result.FinalAnswer, p.runner)
		record("code", conf, issues)
	}
	if needsFactualCheck(query, answer) {
		conf, issues := checkFactual(ctx, result.FinalAnswer, p.factChecker)
		record("factual", conf, issues)
	}
	if needsLogicCheck(answer) {
		conf, issues := checkLogic(result.FinalAnswer)
		record("logic", conf, issues)
	}
	conf, issues := checkFormat(result.FinalAnswer)
	record("format", conf, issues)

	penalty := 0.1 * float64(len(result.Issues))
	if penalty > confidencePenaltyCap {
		penalty = confidencePenaltyCap
	}
	result.Confidence = minConfidence - penalty
	if result.Confidence < 0 {
		result.Confidence = 0
	}

	// Most severe first, stable within priority.
	sort.SliceStable(result.Issues, func(i, j int) bool {
		return result.Issues[i].Priority < result.Issues[j].Priority
	})

	p.logger.Debug("Verification complete", map[string]interface{}{
		"operation":  "verify",
		"checks":     result.ChecksRun,
		"issues":     len(result.Issues),
		"confidence": result.Confidence,
	})
	return result
}
