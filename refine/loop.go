// Package refine iteratively improves an answer: verify, pick a refinement
// strategy, rewrite, and repeat until the score converges or the budget
// runs out.
package refine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/llmhive/llmhive/core"
	"github.com/llmhive/llmhive/verify"
)

// Refinement strategy names.
const (
	StrategyPromptEnhance  = "prompt_enhance"
	StrategyModelSwitch    = "model_switch"
	StrategyWebSearch      = "web_search"
	StrategyDirectCorrect  = "direct_correct"
	StrategyDecompose      = "decompose"
	StrategyChainOfThought = "chain_of_thought"
)

// Terminal statuses.
const (
	StatusPassed        = "passed"
	StatusNoImprovement = "no_improvement"
	StatusMaxIterations = "max_iterations"
)

// defaultPriority is the strategy order tried when the caller does not
// supply one.
var defaultPriority = []string{
	StrategyPromptEnhance,
	StrategyDirectCorrect,
	StrategyChainOfThought,
	StrategyModelSwitch,
	StrategyDecompose,
	StrategyWebSearch,
}

// Caller issues one model call. The provider router satisfies this.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error)
}

// Verifier scores an answer. verify.Pipeline satisfies this.
type Verifier interface {
	Verify(ctx context.Context, query, answer string) *verify.Result
}

// Outcome is one refinement run's full record.
type Outcome struct {
	FinalAnswer        string                     `json:"final_answer"`
	Iterations         []core.RefinementIteration `json:"iterations"`
	FinalStatus        string                     `json:"final_status"`
	FinalScore         float64                    `json:"final_score"`
	TotalIssuesFound   int                        `json:"total_issues_found"`
	IssuesResolved     int                        `json:"issues_resolved"`
	StrategiesUsed     []string                   `json:"strategies_used"`
	ConvergenceHistory []float64                  `json:"convergence_history"`
	TransparencyNotes  []string                   `json:"transparency_notes"`
}

// Loop is the refinement controller.
type Loop struct {
	caller      Caller
	verifier    Verifier
	logger      core.Logger
	sink        core.TelemetrySink
	factChecker core.FactChecker

	maxIterations        int
	convergenceThreshold float64
	minImprovement       float64
	stagnationTolerance  int
	priority             []string
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(logger core.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithTelemetrySink sets the sink receiving iteration events.
func WithTelemetrySink(sink core.TelemetrySink) LoopOption {
	return func(l *Loop) { l.sink = sink }
}

// WithFactChecker enables the web_search strategy.
func WithFactChecker(checker core.FactChecker) LoopOption {
	return func(l *Loop) { l.factChecker = checker }
}

// WithBudget sets the iteration and convergence envelope.
func WithBudget(maxIterations int, convergenceThreshold, minImprovement float64, stagnationTolerance int) LoopOption {
	return func(l *Loop) {
		if maxIterations > 0 {
			l.maxIterations = maxIterations
		}
		if convergenceThreshold > 0 {
			l.convergenceThreshold = convergenceThreshold
		}
		if minImprovement > 0 {
			l.minImprovement = minImprovement
		}
		if stagnationTolerance > 0 {
			l.stagnationTolerance = stagnationTolerance
		}
	}
}

// WithPriority sets the ordered strategy preference list.
func WithPriority(strategies ...string) LoopOption {
	return func(l *Loop) {
		if len(strategies) > 0 {
			l.priority = strategies
		}
	}
}

// New creates a refinement loop.
func New(caller Caller, verifier Verifier, opts ...LoopOption) *Loop {
	l := &Loop{
		caller:               caller,
		verifier:             verifier,
		logger:               &core.NoOpLogger{},
		sink:                 &core.NoOpSink{},
		maxIterations:        3,
		convergenceThreshold: 0.90,
		minImprovement:       0.05,
		stagnationTolerance:  1,
		priority:             defaultPriority,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run refines the answer until verification passes, improvement stalls, or
// the iteration budget is spent.
func (l *Loop) Run(ctx context.Context, query, answer string, models []string) (*Outcome, error) {
	if len(models) == 0 {
		return nil, core.NewHiveError(core.CodeValidation, "no models supplied",
			core.CorrelationIDFromContext(ctx), core.ErrNoModels)
	}
	correlationID := core.CorrelationIDFromContext(ctx)

	outcome := &Outcome{FinalAnswer: answer}
	tried := make(map[string]bool)
	previousScore := -1.0
	stagnantRuns := 0

	for iteration := 0; ; iteration++ {
		check := l.verifier.Verify(ctx, query, outcome.FinalAnswer)
		score := check.Confidence
		outcome.ConvergenceHistory = append(outcome.ConvergenceHistory, score)
		outcome.FinalScore = score
		outcome.TotalIssuesFound += len(check.Issues)
		if check.FinalAnswer != "" {
			outcome.FinalAnswer = check.FinalAnswer
		}

		l.sink.RecordIteration(core.IterationEvent{
			CorrelationID: correlationID,
			Strategy:      lastOr(outcome.StrategiesUsed, "initial"),
			Iteration:     iteration,
			Score:         score,
		})

		if score >= l.convergenceThreshold || len(check.Issues) == 0 {
			outcome.FinalStatus = StatusPassed
			outcome.IssuesResolved = outcome.TotalIssuesFound - len(check.Issues)
			return outcome, nil
		}

		if previousScore >= 0 && score-previousScore < l.minImprovement {
			stagnantRuns++
			if stagnantRuns >= l.stagnationTolerance {
				outcome.FinalStatus = StatusNoImprovement
				outcome.IssuesResolved = outcome.TotalIssuesFound - len(check.Issues)
				outcome.TransparencyNotes = append(outcome.TransparencyNotes,
					fmt.Sprintf("stopped after %d stagnant iteration(s): score %.2f improved by less than %.2f", stagnantRuns, score, l.minImprovement))
				return outcome, nil
			}
		} else {
			stagnantRuns = 0
		}
		previousScore = score

		if len(outcome.Iterations) >= l.maxIterations {
			outcome.FinalStatus = StatusMaxIterations
			outcome.IssuesResolved = outcome.TotalIssuesFound - len(check.Issues)
			return outcome, nil
		}

		strategy := l.selectStrategy(tried)
		if strategy == "" {
			outcome.FinalStatus = StatusNoImprovement
			outcome.IssuesResolved = outcome.TotalIssuesFound - len(check.Issues)
			outcome.TransparencyNotes = append(outcome.TransparencyNotes, "every refinement strategy has been tried")
			return outcome, nil
		}
		tried[strategy] = true

		start := time.Now()
		newAnswer, modelUsed, err := l.apply(ctx, strategy, query, outcome.FinalAnswer, check.Issues, models)
		if err != nil {
			if core.IsCancelled(err) {
				return nil, err
			}
			outcome.TransparencyNotes = append(outcome.TransparencyNotes,
				fmt.Sprintf("strategy %s failed: %v", strategy, err))
			continue // next iteration tries another strategy
		}

		outcome.Iterations = append(outcome.Iterations, core.RefinementIteration{
			Index:             len(outcome.Iterations) + 1,
			InputAnswer:       outcome.FinalAnswer,
			OutputAnswer:      newAnswer,
			VerificationScore: score,
			IssuesFound:       len(check.Issues),
			StrategyUsed:      strategy,
			ModelUsed:         modelUsed,
			DurationMS:        time.Since(start).Milliseconds(),
		})
		outcome.StrategiesUsed = append(outcome.StrategiesUsed, strategy)
		outcome.FinalAnswer = newAnswer

		l.logger.Debug("Refinement iteration applied", map[string]interface{}{
			"operation": "refine_iteration",
			"strategy":  strategy,
			"iteration": len(outcome.Iterations),
			"score":     score,
		})
	}
}

// selectStrategy returns the first untried strategy from the priority
// list, skipping web_search when no fact checker is wired.
func (l *Loop) selectStrategy(tried map[string]bool) string {
	for _, s := range l.priority {
		if tried[s] {
			continue
		}
		if s == StrategyWebSearch && l.factChecker == nil {
			continue
		}
		return s
	}
	return ""
}

func lastOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return items[len(items)-1]
}

// apply runs one refinement strategy and returns the rewritten answer.
func (l *Loop) apply(ctx context.Context, strategy, query, answer string, issues []core.VerificationIssue, models []string) (string, string, error) {
	switch strategy {
	case StrategyPromptEnhance:
		prompt := fmt.Sprintf("%s\n\nIMPORTANT — your previous answer had these problems:\n%s\nAnswer again, avoiding them.",
			query, enumerateIssues(issues))
		return l.callFirst(ctx, models[0], prompt)

	case StrategyModelSwitch:
		model := models[0]
		if len(models) > 1 {
			model = models[1]
		}
		return l.callFirst(ctx, model, query)

	case StrategyWebSearch:
		return l.webSearch(ctx, query, answer, issues, models)

	case StrategyDirectCorrect:
		prompt := fmt.Sprintf("Edit the following answer to fix only the listed problems. Keep everything else unchanged.\n\nAnswer:\n%s\n\nProblems:\n%s",
			answer, enumerateIssues(issues))
		return l.callFirst(ctx, models[0], prompt)

	case StrategyDecompose:
		prompt := fmt.Sprintf("Break this question into sub-questions, answer each briefly, then combine them into one final answer.\n\n%s", query)
		return l.callFirst(ctx, models[0], prompt)

	case StrategyChainOfThought:
		prompt := "Think through this step by step, then state your final answer.\n\n" + query
		return l.callFirst(ctx, models[0], prompt)

	default:
		return "", "", core.NewHiveError(core.CodeValidation,
			fmt.Sprintf("unknown refinement strategy %q", strategy),
			core.CorrelationIDFromContext(ctx), core.ErrInvalidConfiguration)
	}
}

func (l *Loop) callFirst(ctx context.Context, model, prompt string) (string, string, error) {
	resp, err := l.caller.Call(ctx, model, prompt)
	if err != nil {
		return "", "", err
	}
	return resp.Content, resp.ModelID, nil
}

// webSearch fetches external evidence for the flagged claims and asks a
// model to rewrite the answer against it.
func (l *Loop) webSearch(ctx context.Context, query, answer string, issues []core.VerificationIssue, models []string) (string, string, error) {
	claims := make([]string, 0, len(issues))
	for _, issue := range issues {
		if issue.Claim != "" {
			claims = append(claims, issue.Claim)
		}
	}
	facts, err := l.factChecker.Verify(ctx, answer, claims)
	if err != nil {
		return "", "", err
	}

	var evidence strings.Builder
	for _, item := range facts.Items {
		status := "confirmed"
		if !item.Verified {
			status = "refuted"
		}
		fmt.Fprintf(&evidence, "- %s (%s", item.Text, status)
		if item.Correction != "" {
			fmt.Fprintf(&evidence, "; correction: %s", item.Correction)
		}
		evidence.WriteString(")\n")
	}

	prompt := fmt.Sprintf("Question:\n%s\n\nDraft answer:\n%s\n\nExternal evidence:\n%s\nRewrite the answer so it agrees with the evidence.",
		query, answer, evidence.String())
	return l.callFirst(ctx, models[0], prompt)
}

func enumerateIssues(issues []core.VerificationIssue) string {
	var b strings.Builder
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, issue.Kind, issue.Claim)
		if issue.CorrectionHint != "" {
			fmt.Fprintf(&b, " (hint: %s)", issue.CorrectionHint)
		}
		b.WriteString("\n")
	}
	return b.String()
}
