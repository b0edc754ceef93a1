package cascade

import (
	"context"
	"strings"
	"testing"

	"github.com/llmhive/llmhive/core"
)

// scriptedCaller returns replies per model id, in order.
type scriptedCaller struct {
	byModel map[string][]string
	calls   []string // model ids in call order
}

func (c *scriptedCaller) Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error) {
	c.calls = append(c.calls, modelID)
	replies := c.byModel[modelID]
	reply := "default reply that is long enough to pass the length heuristics comfortably"
	if len(replies) > 0 {
		reply = replies[0]
		if len(replies) > 1 {
			c.byModel[modelID] = replies[1:]
		}
	}
	return &core.ModelResponse{ModelID: modelID, Content: reply}, nil
}

func newRouter(caller Caller, opts ...RouterOption) *Router {
	base := []RouterOption{
		WithTier(1, "tier1-fast"),
		WithTier(2, "tier2-standard"),
		WithTier(3, "tier3-premium"),
	}
	return New(caller, append(base, opts...)...)
}

func TestClassify(t *testing.T) {
	longText := strings.Repeat("context sentence filling space here ", 15) // >500 chars

	tests := []struct {
		query string
		want  Complexity
	}{
		{"What is the capital of France?", ComplexitySimple},
		{"Define entropy", ComplexitySimple},
		{"Prove that √2 is irrational.", ComplexityReasoning},
		{"Explain why the sky is blue", ComplexityReasoning},
		{"Compare the economic policies of two administrations", ComplexityModerate},
		{longText, ComplexityComplex},
	}
	for _, tt := range tests {
		if got := Classify(tt.query); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestStartingTier(t *testing.T) {
	tests := []struct {
		c    Complexity
		want int
	}{
		{ComplexitySimple, 1},
		{ComplexityModerate, 1},
		{ComplexityComplex, 2},
		{ComplexityReasoning, 3},
	}
	for _, tt := range tests {
		if got := startingTier(tt.c); got != tt.want {
			t.Errorf("startingTier(%v) = %d, want %d", tt.c, got, tt.want)
		}
	}
}

func TestEstimateConfidence(t *testing.T) {
	longQuery := strings.Repeat("details ", 30) // >200 chars
	solid := "The proof proceeds by contradiction. Assume a rational square root exists; then a fraction in lowest terms squares to two, forcing both numerator and denominator even."

	tests := []struct {
		name     string
		query    string
		response string
		want     float64
	}{
		{"solid answer", "prove it", solid, 0.8},
		{"one hedge", "q", "It might be the case that the answer is forty-two, based on the available evidence here.", 0.7},
		{"two hedges", "q", "I think it could be around fifty, though the sources disagree on the exact figure involved.", 0.6},
		{"tiny response", "q", "yes", 0.3},
		{"short for long query", longQuery, "A brief reply without any hedging language at all.", 0.6},
		{"error text", "q", "The request failed with an error while contacting the upstream data service for records.", 0.5},
	}
	for _, tt := range tests {
		got := EstimateConfidence(tt.query, tt.response)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: EstimateConfidence = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestReasoningQueryStartsAtTierThree(t *testing.T) {
	caller := &scriptedCaller{byModel: map[string][]string{
		"tier3-premium": {strings.Repeat("A detailed proof by contradiction follows. ", 15)},
	}}
	r := newRouter(caller)

	result, err := r.Route(context.Background(), "Prove that √2 is irrational.", core.TaskMath)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.TierUsed != 3 {
		t.Errorf("TierUsed = %d, want 3", result.TierUsed)
	}
	if result.EscalationCount != 0 {
		t.Errorf("EscalationCount = %d, want 0", result.EscalationCount)
	}
	if result.Confidence < 0.7 {
		t.Errorf("Confidence = %v, want >= 0.7", result.Confidence)
	}
	if result.Response == "" {
		t.Error("Response empty")
	}
	if result.CostEstimate != 15 {
		t.Errorf("CostEstimate = %v, want the tier-3 multiplier", result.CostEstimate)
	}
}

func TestEscalatesOnLowConfidence(t *testing.T) {
	caller := &scriptedCaller{byModel: map[string][]string{
		"tier1-fast":     {"I'm not sure, it might be one of several options, possibly the second of them."},
		"tier2-standard": {"The answer is the second option, as the eligibility rules exclude the other candidates outright."},
	}}
	r := newRouter(caller)

	result, err := r.Route(context.Background(), "What is the correct option?", core.TaskConversation)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.TierUsed != 2 {
		t.Errorf("TierUsed = %d, want 2 after one escalation", result.TierUsed)
	}
	if result.EscalationCount != 1 {
		t.Errorf("EscalationCount = %d, want 1", result.EscalationCount)
	}
	if result.CostEstimate != 5 {
		t.Errorf("CostEstimate = %v, want the tier-2 multiplier", result.CostEstimate)
	}
}

func TestNeverEscalatesPastConfidentTier(t *testing.T) {
	caller := &scriptedCaller{byModel: map[string][]string{
		"tier1-fast": {"The capital of France is Paris, which has held that role for many centuries."},
	}}
	r := newRouter(caller)

	result, err := r.Route(context.Background(), "What is the capital of France?", core.TaskFactual)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.TierUsed != 1 || result.EscalationCount != 0 {
		t.Errorf("result = %+v, want tier 1 with no escalation", result)
	}
	if len(caller.calls) != 1 {
		t.Errorf("calls = %v, want exactly one", caller.calls)
	}
}

func TestEscalationBudgetExhausted(t *testing.T) {
	hedged := "It might be one thing, possibly another; I'm not sure which of them applies here."
	caller := &scriptedCaller{byModel: map[string][]string{
		"tier1-fast":     {hedged},
		"tier2-standard": {hedged},
		"tier3-premium":  {hedged},
	}}
	r := newRouter(caller)

	result, err := r.Route(context.Background(), "What is the correct option?", core.TaskConversation)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.TierUsed != 3 {
		t.Errorf("TierUsed = %d, want 3 at budget exhaustion", result.TierUsed)
	}
	if result.EscalationCount != 2 {
		t.Errorf("EscalationCount = %d, want 2", result.EscalationCount)
	}
}

func TestCodingPreferenceOverridesLowTiers(t *testing.T) {
	caller := &scriptedCaller{byModel: map[string][]string{
		"coder-model": {"Here is the implementation, complete with error handling and a short usage example below."},
	}}
	r := newRouter(caller, WithCodingPreference("coder-model"))

	result, err := r.Route(context.Background(), "Write a function that parses dates", core.TaskCoding)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if result.ModelUsed != "coder-model" {
		t.Errorf("ModelUsed = %q, want the coding preference", result.ModelUsed)
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	r := newRouter(&scriptedCaller{byModel: map[string][]string{}})
	if _, err := r.Route(context.Background(), "   ", core.TaskFactual); err == nil {
		t.Error("empty query accepted")
	}
}
