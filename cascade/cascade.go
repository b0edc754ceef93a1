// Package cascade routes latency- and cost-sensitive queries: classify the
// query, start at the cheapest capable tier, and escalate while the
// response's estimated confidence stays low.
package cascade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/llmhive/llmhive/core"
)

// Complexity grades a query for tier selection.
type Complexity string

const (
	ComplexitySimple    Complexity = "simple"
	ComplexityModerate  Complexity = "moderate"
	ComplexityComplex   Complexity = "complex"
	ComplexityReasoning Complexity = "reasoning"
)

// Tier cost multipliers, indexed by tier. Estimates only; real per-token
// pricing lives with the providers.
var tierCostMultiplier = map[int]float64{1: 1, 2: 5, 3: 15}

const maxTier = 3

// simpleSignals mark lookups and one-fact questions that tier 1 handles.
var simpleSignals = []string{
	"what is", "what's", "who is", "who was", "when was", "when did",
	"where is", "define", "meaning of", "capital of", "how many",
	"translate", "convert",
}

// reasoningSignals mark queries that warrant the premium reasoning tier.
var reasoningSignals = []string{
	"prove", "proof", "derive", "theorem", "step by step", "explain why",
	"reason about", "logic puzzle", "deduce", "optimal strategy",
	"trade-off", "tradeoff",
}

// hedgingPhrases lower estimated confidence when they appear in a response.
var hedgingPhrases = []string{
	"i'm not sure", "i am not sure", "i don't know", "i do not know",
	"might be", "could be", "possibly", "perhaps", "i think", "not certain",
	"hard to say",
}

// Classify grades a query. Reasoning signals outrank the length rules.
func Classify(query string) Complexity {
	lower := strings.ToLower(query)
	for _, signal := range reasoningSignals {
		if strings.Contains(lower, signal) {
			return ComplexityReasoning
		}
	}
	if len(query) < 100 {
		for _, signal := range simpleSignals {
			if strings.Contains(lower, signal) {
				return ComplexitySimple
			}
		}
	}
	if len(query) < 500 {
		return ComplexityModerate
	}
	return ComplexityComplex
}

// startingTier maps a complexity grade to the first tier tried.
func startingTier(c Complexity) int {
	switch c {
	case ComplexityComplex:
		return 2
	case ComplexityReasoning:
		return 3
	default:
		return 1
	}
}

// EstimateConfidence scores a response with cheap text heuristics.
func EstimateConfidence(query, response string) float64 {
	trimmed := strings.TrimSpace(response)
	if len(trimmed) < 20 {
		return 0.3
	}

	confidence := 0.8
	lower := strings.ToLower(trimmed)
	for _, phrase := range hedgingPhrases {
		if strings.Contains(lower, phrase) {
			confidence -= 0.1
		}
	}
	if len(trimmed) < 100 && len(query) > 200 {
		confidence -= 0.2
	}
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		confidence -= 0.3
	}
	if confidence < 0 {
		return 0
	}
	return confidence
}

// Caller issues one model call. The provider router satisfies this.
type Caller interface {
	Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error)
}

// RouteResult is one cascade routing outcome.
type RouteResult struct {
	Response        string  `json:"response"`
	ModelUsed       string  `json:"model_used"`
	TierUsed        int     `json:"tier_used"`
	EscalationCount int     `json:"escalation_count"`
	LatencyMS       int64   `json:"latency_ms"`
	Confidence      float64 `json:"confidence"`
	CostEstimate    float64 `json:"cost_estimate"`
}

// Router is the cascade router. Tier model lists are fixed at creation.
type Router struct {
	caller Caller
	logger core.Logger

	tiers            map[int][]string // tier -> ordered logical model ids
	codingPreference []string         // overrides tiers 1-2 for coding tasks

	minConfidenceToProceed float64
	maxEscalations         int
}

// RouterOption configures a cascade Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger.
func WithLogger(logger core.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithTier sets one tier's ordered model list.
func WithTier(tier int, models ...string) RouterOption {
	return func(r *Router) { r.tiers[tier] = models }
}

// WithCodingPreference sets the models preferred for coding tasks in
// tiers 1 and 2.
func WithCodingPreference(models ...string) RouterOption {
	return func(r *Router) { r.codingPreference = models }
}

// WithEscalationPolicy sets the confidence floor and escalation budget.
func WithEscalationPolicy(minConfidence float64, maxEscalations int) RouterOption {
	return func(r *Router) {
		if minConfidence > 0 {
			r.minConfidenceToProceed = minConfidence
		}
		if maxEscalations >= 0 {
			r.maxEscalations = maxEscalations
		}
	}
}

// New creates a cascade router.
func New(caller Caller, opts ...RouterOption) *Router {
	r := &Router{
		caller:                 caller,
		logger:                 &core.NoOpLogger{},
		tiers:                  make(map[int][]string),
		minConfidenceToProceed: 0.70,
		maxEscalations:         2,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// modelForTier picks the model dispatched at a tier. Coding tasks prefer
// the coding list through tier 2.
func (r *Router) modelForTier(tier int, taskType core.TaskCategory) (string, bool) {
	if taskType == core.TaskCoding && tier <= 2 && len(r.codingPreference) > 0 {
		return r.codingPreference[0], true
	}
	models := r.tiers[tier]
	if len(models) == 0 {
		return "", false
	}
	return models[0], true
}

// Route classifies the query, dispatches at the starting tier, and
// escalates while confidence stays under the floor.
func (r *Router) Route(ctx context.Context, query string, taskType core.TaskCategory) (*RouteResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, core.NewHiveError(core.CodeValidation, "empty query",
			core.CorrelationIDFromContext(ctx), core.ErrEmptyQuery)
	}

	complexity := Classify(query)
	tier := startingTier(complexity)

	r.logger.Debug("Cascade routing", map[string]interface{}{
		"operation":  "cascade_route",
		"complexity": string(complexity),
		"tier":       tier,
	})

	var lastErr error
	var last *RouteResult
	escalations := 0

	for attempt := 0; attempt <= r.maxEscalations; attempt++ {
		model, ok := r.modelForTier(tier, taskType)
		if !ok {
			return nil, core.NewHiveError(core.CodeValidation,
				fmt.Sprintf("no models configured for tier %d", tier),
				core.CorrelationIDFromContext(ctx), core.ErrInvalidConfiguration)
		}

		start := time.Now()
		resp, err := r.caller.Call(ctx, model, query)
		latency := time.Since(start)

		if err != nil {
			if core.IsCancelled(err) {
				return nil, err
			}
			lastErr = err
			if tier < maxTier {
				tier++
				escalations++
				continue
			}
			return nil, err
		}

		confidence := EstimateConfidence(query, resp.Content)
		last = &RouteResult{
			Response:        resp.Content,
			ModelUsed:       resp.ModelID,
			TierUsed:        tier,
			EscalationCount: escalations,
			LatencyMS:       latency.Milliseconds(),
			Confidence:      confidence,
			CostEstimate:    tierCostMultiplier[tier],
		}
		if confidence >= r.minConfidenceToProceed || tier == maxTier {
			return last, nil
		}
		tier++
		escalations++
	}

	if last != nil {
		return last, nil
	}
	return nil, lastErr
}
