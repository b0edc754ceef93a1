// Package strategy implements the reasoning strategies: single-shot,
// sampling, tree search, reflection, debate, verification, and their
// progressive and mixed combinations.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/llmhive/llmhive/core"
)

// Strategy names as reported in Result.StrategyUsed.
const (
	StrategyDirect          = "direct"
	StrategyChainOfThought  = "chain_of_thought"
	StrategySelfConsistency = "self_consistency"
	StrategyTreeOfThoughts  = "tree_of_thoughts"
	StrategyReflection      = "reflection"
	StrategyDebate          = "debate"
	StrategyStepVerify      = "step_verify"
	StrategyProgressive     = "progressive"
	StrategyBestOfN         = "best_of_n"
	StrategyMixture         = "mixture"
)

// complexQueryLength and complexQuestionMarks define the complexity
// heuristic used during strategy selection.
const (
	complexQueryLength   = 200
	complexQuestionMarks = 2
)

// Caller issues one model call. The provider router satisfies this.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error)
}

// Result is one strategy execution's outcome.
type Result struct {
	Answer                 string
	Confidence             float64
	ReasoningTrace         string
	AlternativesConsidered []string
	ModelsUsed             []string
	Verified               bool
	StrategyUsed           string
}

// Controller selects and executes reasoning strategies.
type Controller struct {
	caller Caller
	logger core.Logger

	defaultSamples      int
	maxDepth            int
	confidenceThreshold float64
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger core.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithSamples sets the sample count for self-consistency and best-of-N.
func WithSamples(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.defaultSamples = n
		}
	}
}

// WithMaxDepth bounds the tree-of-thoughts approach count.
func WithMaxDepth(n int) ControllerOption {
	return func(c *Controller) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithConfidenceThreshold sets the progressive-deepening stop threshold.
func WithConfidenceThreshold(t float64) ControllerOption {
	return func(c *Controller) {
		if t > 0 && t <= 1 {
			c.confidenceThreshold = t
		}
	}
}

// NewController creates a strategy controller.
func NewController(caller Caller, opts ...ControllerOption) *Controller {
	c := &Controller{
		caller:              caller,
		logger:              &core.NoOpLogger{},
		defaultSamples:      5,
		maxDepth:            3,
		confidenceThreshold: 0.85,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SelectStrategy picks a strategy from the request's shape. Callers may
// bypass it by passing a forced strategy to Execute.
func (c *Controller) SelectStrategy(query string, category core.TaskCategory, mode core.Mode) string {
	isComplex := len(query) > complexQueryLength || strings.Count(query, "?") > complexQuestionMarks

	if mode == core.ModeSpeed && !isComplex {
		return StrategyDirect
	}
	switch category {
	case core.TaskMath:
		return StrategyStepVerify
	case core.TaskCoding:
		return StrategyBestOfN
	case core.TaskReasoning:
		return StrategySelfConsistency
	case core.TaskFactual:
		return StrategyDebate
	}
	if isMultipleChoice(query) {
		return StrategySelfConsistency
	}
	if isComplex {
		return StrategyTreeOfThoughts
	}
	if category == core.TaskCreative {
		return StrategyChainOfThought
	}
	if mode == core.ModeAccuracy {
		return StrategyMixture
	}
	return StrategyChainOfThought
}

// Execute runs the named strategy, or the selected one when name is empty.
// models is the ordered candidate list; every strategy uses at least the
// first entry.
func (c *Controller) Execute(ctx context.Context, name, query string, category core.TaskCategory, mode core.Mode, models []string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.NewHiveError(core.CodeValidation, "empty query",
			core.CorrelationIDFromContext(ctx), core.ErrEmptyQuery)
	}
	if len(models) == 0 {
		return nil, core.NewHiveError(core.CodeValidation, "no models supplied",
			core.CorrelationIDFromContext(ctx), core.ErrNoModels)
	}
	if name == "" {
		name = c.SelectStrategy(query, category, mode)
	}

	c.logger.Debug("Executing strategy", map[string]interface{}{
		"operation": "strategy_execute",
		"strategy":  name,
		"category":  string(category),
		"models":    len(models),
	})

	var result *Result
	var err error
	switch name {
	case StrategyDirect:
		result, err = c.direct(ctx, query, models)
	case StrategyChainOfThought:
		result, err = c.chainOfThought(ctx, query, models)
	case StrategySelfConsistency:
		result, err = c.selfConsistency(ctx, query, models, c.defaultSamples)
	case StrategyTreeOfThoughts:
		result, err = c.treeOfThoughts(ctx, query, models)
	case StrategyReflection:
		result, err = c.reflection(ctx, query, models)
	case StrategyDebate:
		result, err = c.debate(ctx, query, models)
	case StrategyStepVerify:
		result, err = c.stepVerify(ctx, query, models)
	case StrategyProgressive:
		result, err = c.progressive(ctx, query, models)
	case StrategyBestOfN:
		result, err = c.bestOfN(ctx, query, models, c.defaultSamples)
	case StrategyMixture:
		result, err = c.mixture(ctx, query, models)
	default:
		return nil, core.NewHiveError(core.CodeValidation,
			fmt.Sprintf("unknown strategy %q", name),
			core.CorrelationIDFromContext(ctx), core.ErrInvalidConfiguration)
	}
	if err != nil {
		return nil, err
	}
	result.StrategyUsed = name
	return result, nil
}
