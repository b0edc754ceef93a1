package strategy

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/llmhive/llmhive/core"
)

// stubCaller matches prompts by substring and pops scripted replies in
// order; the last reply for a rule repeats. Safe for concurrent use.
type stubCaller struct {
	mu       sync.Mutex
	rules    []stubRule
	fallback string
	calls    []string
}

type stubRule struct {
	substr  string
	replies []string
}

func newStubCaller() *stubCaller {
	return &stubCaller{fallback: "stub"}
}

func (c *stubCaller) respond(substr string, replies ...string) {
	c.rules = append(c.rules, stubRule{substr: substr, replies: replies})
}

func (c *stubCaller) Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, prompt)
	for i := range c.rules {
		r := &c.rules[i]
		if !strings.Contains(prompt, r.substr) {
			continue
		}
		reply := r.replies[0]
		if len(r.replies) > 1 {
			r.replies = r.replies[1:]
		}
		return &core.ModelResponse{ModelID: modelID, Content: reply}, nil
	}
	return &core.ModelResponse{ModelID: modelID, Content: c.fallback}, nil
}

func (c *stubCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

var testModels = []string{"model-a", "model-b", "model-c"}

func TestSelectStrategyTable(t *testing.T) {
	c := NewController(newStubCaller())
	longQuery := strings.Repeat("why does this happen and what follows ", 6) // >200 chars

	tests := []struct {
		name     string
		query    string
		category core.TaskCategory
		mode     core.Mode
		want     string
	}{
		{"speed simple", "quick question?", core.TaskConversation, core.ModeSpeed, StrategyDirect},
		{"math", "what is 2+2?", core.TaskMath, core.ModeBalanced, StrategyStepVerify},
		{"coding", "write a parser", core.TaskCoding, core.ModeBalanced, StrategyBestOfN},
		{"reasoning", "deduce the outcome", core.TaskReasoning, core.ModeBalanced, StrategySelfConsistency},
		{"factual", "who discovered radium?", core.TaskFactual, core.ModeBalanced, StrategyDebate},
		{"multiple choice", "Pick one:\nA) red\nB) blue", core.TaskConversation, core.ModeBalanced, StrategySelfConsistency},
		{"complex long", longQuery, core.TaskConversation, core.ModeBalanced, StrategyTreeOfThoughts},
		{"many questions", "a? b? c? d?", core.TaskConversation, core.ModeBalanced, StrategyTreeOfThoughts},
		{"creative", "write a poem", core.TaskCreative, core.ModeBalanced, StrategyChainOfThought},
		{"accuracy fallback", "summarize this text", core.TaskSummarization, core.ModeAccuracy, StrategyMixture},
		{"default", "tell me about trees", core.TaskConversation, core.ModeBalanced, StrategyChainOfThought},
	}
	for _, tt := range tests {
		if got := c.SelectStrategy(tt.query, tt.category, tt.mode); got != tt.want {
			t.Errorf("%s: SelectStrategy = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestExtractFinalAnswer(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"Step 1: compute.\nFinal answer: 42", "42"},
		{"reasoning here\nTherefore: the cat wins\nmore text\nConclusion: the dog wins", "the dog wins"},
		{"no markers here\n\nlast line stands", "last line stands"},
		{"Final Answer: Paris", "Paris"},
	}
	for _, tt := range tests {
		if got := extractFinalAnswer(tt.text); got != tt.want {
			t.Errorf("extractFinalAnswer(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestDirectConfidence(t *testing.T) {
	caller := newStubCaller()
	caller.fallback = "plain answer"
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyDirect, "hello", core.TaskConversation, core.ModeSpeed, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.7 {
		t.Errorf("Confidence = %v, want 0.7", result.Confidence)
	}
	if result.Answer != "plain answer" {
		t.Errorf("Answer = %q", result.Answer)
	}
}

func TestChainOfThoughtExtractsAnswer(t *testing.T) {
	caller := newStubCaller()
	caller.respond("Think through this step by step",
		"First I consider the options.\nFinal answer: 17")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyChainOfThought, "pick a number", core.TaskConversation, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Answer != "17" {
		t.Errorf("Answer = %q, want 17", result.Answer)
	}
	if result.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8", result.Confidence)
	}
	if result.ReasoningTrace == "" {
		t.Error("ReasoningTrace empty")
	}
}

func TestSelfConsistencyMajority(t *testing.T) {
	caller := newStubCaller()
	caller.respond("Think through this step by step", "391", "391", "391", "391", "380")
	c := NewController(caller, WithSamples(5))

	result, err := c.Execute(context.Background(), StrategySelfConsistency, "What is 17 × 23?", core.TaskMath, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Answer != "391" {
		t.Errorf("Answer = %q, want 391", result.Answer)
	}
	if result.Confidence != 0.80 {
		t.Errorf("Confidence = %v, want 0.80", result.Confidence)
	}
	if len(result.AlternativesConsidered) != 2 {
		t.Errorf("AlternativesConsidered = %v, want the two distinct answers", result.AlternativesConsidered)
	}
	if result.StrategyUsed != StrategySelfConsistency {
		t.Errorf("StrategyUsed = %q", result.StrategyUsed)
	}
}

func TestSelfConsistencyToleratesNothing(t *testing.T) {
	caller := &failingCaller{}
	c := NewController(caller, WithSamples(3))

	_, err := c.Execute(context.Background(), StrategySelfConsistency, "question", core.TaskReasoning, core.ModeBalanced, testModels)
	if err == nil {
		t.Fatal("all samples failed but Execute succeeded")
	}
}

func TestTreeOfThoughtsPicksBestScoredBranch(t *testing.T) {
	caller := newStubCaller()
	caller.respond("List up to", "- try algebra\n- try geometry\n- guess and check")
	caller.respond("using this approach: try algebra", "Algebra reasoning.\nScore: 4")
	caller.respond("using this approach: try geometry", "Geometry reasoning.\nScore: 9")
	caller.respond("using this approach: guess and check", "Guessing.\nScore: 2")
	caller.respond("Given this reasoning", "Final answer: 12 units")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyTreeOfThoughts, "find the side length", core.TaskMath, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Answer != "12 units" {
		t.Errorf("Answer = %q", result.Answer)
	}
	if result.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9 (best score 9/10)", result.Confidence)
	}
	if !strings.Contains(result.ReasoningTrace, "Geometry") {
		t.Errorf("ReasoningTrace = %q, want the winning branch", result.ReasoningTrace)
	}
}

func TestReflectionCleanCritique(t *testing.T) {
	caller := newStubCaller()
	caller.respond("List any problems", "The answer is sound and complete.")
	caller.fallback = "the draft answer"
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyReflection, "question", core.TaskAnalysis, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.90 {
		t.Errorf("Confidence = %v, want 0.90 with a clean critique", result.Confidence)
	}
	if !result.Verified {
		t.Error("Verified = false, want true")
	}
	if result.Answer != "the draft answer" {
		t.Errorf("Answer = %q, want the unmodified draft", result.Answer)
	}
}

func TestReflectionRevisesOnIssues(t *testing.T) {
	caller := newStubCaller()
	caller.respond("List any problems", "The second claim is incorrect.")
	caller.respond("Write an improved answer", "the improved answer")
	caller.fallback = "the draft answer"
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyReflection, "question", core.TaskAnalysis, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85 after revision", result.Confidence)
	}
	if result.Answer != "the improved answer" {
		t.Errorf("Answer = %q", result.Answer)
	}
}

func TestDebateJudgeVerdict(t *testing.T) {
	caller := newStubCaller()
	caller.respond("State your position", "position text")
	caller.respond("Respond to the opposing positions", "rebuttal text")
	caller.respond("judging a debate", "The strongest case: option two.")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyDebate, "which option?", core.TaskFactual, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", result.Confidence)
	}
	if result.Answer != "The strongest case: option two." {
		t.Errorf("Answer = %q", result.Answer)
	}
	if len(result.ModelsUsed) != 3 {
		t.Errorf("ModelsUsed = %v, want all three debaters", result.ModelsUsed)
	}
}

func TestStepVerifyCleanSolution(t *testing.T) {
	caller := newStubCaller()
	caller.respond("Solve the following step by step", "Step 1: multiply.\nFinal answer: 391")
	caller.respond("Check each step", "all steps correct")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyStepVerify, "what is 17 × 23?", core.TaskMath, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want 0.95", result.Confidence)
	}
	if result.Answer != "391" {
		t.Errorf("Answer = %q, want 391", result.Answer)
	}
	if !result.Verified {
		t.Error("Verified = false, want true")
	}
}

func TestStepVerifyResolvesErrors(t *testing.T) {
	caller := newStubCaller()
	caller.respond("Solve the following step by step", "Step 1: add.\nFinal answer: 40")
	caller.respond("Check each step", "Step 1 is incorrect, you multiplied wrong.")
	caller.respond("Solve again", "Step 1: multiply correctly.\nFinal answer: 391")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyStepVerify, "what is 17 × 23?", core.TaskMath, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.75 {
		t.Errorf("Confidence = %v, want 0.75 after correction", result.Confidence)
	}
	if result.Answer != "391" {
		t.Errorf("Answer = %q, want the corrected 391", result.Answer)
	}
	if result.Verified {
		t.Error("Verified = true after a failed check")
	}
}

func TestProgressiveStopsAtThreshold(t *testing.T) {
	caller := newStubCaller()
	// Direct (0.7) and chain-of-thought (0.8) miss the 0.85 threshold;
	// three agreeing self-consistency samples reach 1.0 and stop the climb.
	caller.respond("Think through this step by step", "same answer")
	caller.fallback = "direct answer"
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyProgressive, "question", core.TaskConversation, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0 from unanimous self-consistency", result.Confidence)
	}
	// direct + chain_of_thought + 3 self-consistency samples, no tree.
	if got := caller.callCount(); got != 5 {
		t.Errorf("call count = %d, want 5 (tree-of-thoughts skipped)", got)
	}
}

func TestBestOfNKeepsHighestRated(t *testing.T) {
	caller := newStubCaller()
	caller.respond("Rate this answer", "Score: 3", "Score: 8", "Score: 5")
	caller.respond("generate", "candidate one", "candidate two", "candidate three")
	c := NewController(caller, WithSamples(3))

	result, err := c.Execute(context.Background(), StrategyBestOfN, "generate a name", core.TaskCreative, core.ModeBalanced, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want 0.8 (best score 8/10)", result.Confidence)
	}
	if len(result.AlternativesConsidered) != 2 {
		t.Errorf("AlternativesConsidered = %v, want the two losers", result.AlternativesConsidered)
	}
}

func TestMixtureConfidenceCapped(t *testing.T) {
	caller := newStubCaller()
	// Every component returns the same answer, so the winning group holds
	// all the weight; confidence must still cap at 0.95.
	caller.fallback = "unanimous answer"
	caller.respond("List any problems", "The answer is sound.")
	c := NewController(caller)

	result, err := c.Execute(context.Background(), StrategyMixture, "question", core.TaskAnalysis, core.ModeAccuracy, testModels)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want cap at 0.95", result.Confidence)
	}
	if result.Answer != "unanimous answer" {
		t.Errorf("Answer = %q", result.Answer)
	}
}

func TestExecuteValidation(t *testing.T) {
	c := NewController(newStubCaller())
	if _, err := c.Execute(context.Background(), "", "  ", core.TaskMath, core.ModeBalanced, testModels); err == nil {
		t.Error("empty query accepted")
	}
	if _, err := c.Execute(context.Background(), "", "q", core.TaskMath, core.ModeBalanced, nil); err == nil {
		t.Error("empty model list accepted")
	}
	if _, err := c.Execute(context.Background(), "no_such_strategy", "q", core.TaskMath, core.ModeBalanced, testModels); err == nil {
		t.Error("unknown strategy accepted")
	}
}

func TestParseSelfRating(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"Score: 7", 7},
		{"my rating = 9.5 overall", 9.5},
		{"I'd give it an 8", 8},
		{"Score: 99", 10}, // clamped
		{"no numbers at all", 5},
	}
	for _, tt := range tests {
		if got := parseSelfRating(tt.text); got != tt.want {
			t.Errorf("parseSelfRating(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

// failingCaller always errors.
type failingCaller struct{}

func (f *failingCaller) Call(ctx context.Context, modelID, prompt string) (*core.ModelResponse, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrServer, Message: "down"}
}
