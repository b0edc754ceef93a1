package core

import "time"

// TaskCategory classifies what kind of work a query represents.
// Model skill profiles and strategy selection key off this value.
type TaskCategory string

const (
	TaskCoding        TaskCategory = "coding"
	TaskMath          TaskCategory = "math"
	TaskReasoning     TaskCategory = "reasoning"
	TaskCreative      TaskCategory = "creative"
	TaskFactual       TaskCategory = "factual"
	TaskAnalysis      TaskCategory = "analysis"
	TaskSummarization TaskCategory = "summarization"
	TaskConversation  TaskCategory = "conversation"
	TaskInstruction   TaskCategory = "instruction"
	TaskMultilingual  TaskCategory = "multilingual"
)

// Mode selects the latency/accuracy tradeoff for a request.
type Mode string

const (
	ModeSpeed     Mode = "speed"
	ModeBalanced  Mode = "balanced"
	ModeAccuracy  Mode = "accuracy"
	ModeBenchmark Mode = "benchmark"
)

// Request is one orchestration request as it enters the engine.
type Request struct {
	Query             string       `json:"query"`
	TaskCategory      TaskCategory `json:"task_category"`
	AccuracyLevel     int          `json:"accuracy_level"` // 1..5
	Mode              Mode         `json:"mode"`
	AvailableModelIDs []string     `json:"available_model_ids,omitempty"`
	CorrelationID     string       `json:"correlation_id"`
}

// ModelResponse is the result of one model call. Immutable after creation;
// it lives for the duration of a single request.
type ModelResponse struct {
	ModelID       string     `json:"model_id"`
	Content       string     `json:"content"`
	Tokens        TokenUsage `json:"tokens"`
	LatencyMS     int64      `json:"latency_ms"`
	RawConfidence float64    `json:"raw_confidence"` // [0,1]
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	CorrelationID string     `json:"correlation_id"`
}

// TokenUsage counts tokens consumed by a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ToolCall is a tool invocation requested by a model.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Vote is a single model's answer as seen by the consensus manager.
type Vote struct {
	ModelID        string  `json:"model_id"`
	Answer         string  `json:"answer"`
	Confidence     float64 `json:"confidence"`
	ReasoningTrace string  `json:"reasoning_trace,omitempty"`
}

// ConsensusScore breaks down how a consensus result was rated.
type ConsensusScore struct {
	Overall            float64 `json:"overall"`
	AgreementRate      float64 `json:"agreement_rate"`
	ConfidenceWeighted float64 `json:"confidence_weighted"`
	Quality            float64 `json:"quality"`
}

// ConsensusResult is the merged outcome of multiple model responses.
type ConsensusResult struct {
	FinalAnswer         string         `json:"final_answer"`
	StrategyUsed        string         `json:"strategy_used"`
	ParticipatingModels []string       `json:"participating_models"`
	Score               ConsensusScore `json:"score"`
	KeyAgreements       []string       `json:"key_agreements,omitempty"`
	KeyDisagreements    []string       `json:"key_disagreements,omitempty"`
}

// RefinementIteration records one pass of the refinement loop.
type RefinementIteration struct {
	Index             int     `json:"iteration_index"`
	InputAnswer       string  `json:"input_answer"`
	OutputAnswer      string  `json:"output_answer"`
	VerificationScore float64 `json:"verification_score"`
	IssuesFound       int     `json:"issues_found"`
	IssuesResolved    int     `json:"issues_resolved"`
	StrategyUsed      string  `json:"strategy_used"`
	ModelUsed         string  `json:"model_used"`
	DurationMS        int64   `json:"duration_ms"`
}

// IssueKind categorizes a problem found by the verification pipeline.
type IssueKind string

const (
	IssueFactualError       IssueKind = "factual_error"
	IssueMathError          IssueKind = "math_error"
	IssueCodeError          IssueKind = "code_error"
	IssueLogicError         IssueKind = "logic_error"
	IssueFormatError        IssueKind = "format_error"
	IssueFactualityUnknown  IssueKind = "factuality_unknown"
)

// VerificationIssue is one problem found in an answer.
// Priority 1 is most severe, 3 is least.
type VerificationIssue struct {
	Kind           IssueKind `json:"kind"`
	Claim          string    `json:"claim"`
	Evidence       string    `json:"evidence,omitempty"`
	CorrectionHint string    `json:"correction_hint,omitempty"`
	Priority       int       `json:"priority"` // 1..3
}

// ModelProfile is the stable per-model record the selector scores against.
// Skills are per task category in [0,1]; unknown categories read as 0.5.
type ModelProfile struct {
	ModelID       string                   `json:"model_id"`
	Provider      string                   `json:"provider"`
	Skills        map[TaskCategory]float64 `json:"skills"`
	AvgLatencyMS  float64                  `json:"avg_latency_ms"`
	CostPer1K     float64                  `json:"cost_per_1k"`
	ContextWindow int                      `json:"context_window"`
	SupportsTools bool                     `json:"supports_tools"`
	SupportsVision bool                    `json:"supports_vision"`
}

// Skill returns the clamped skill for a category, defaulting to 0.5
// when the category is unknown to this profile.
func (p *ModelProfile) Skill(category TaskCategory) float64 {
	s, ok := p.Skills[category]
	if !ok {
		return 0.5
	}
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// CallTrace is one routed call as seen by telemetry.
type CallTrace struct {
	CorrelationID string        `json:"correlation_id"`
	Backend       string        `json:"backend"`
	Model         string        `json:"model"`
	Attempt       int           `json:"attempt"`
	Latency       time.Duration `json:"latency"`
	Outcome       string        `json:"outcome"` // success, rate_limited, error, cancelled, skipped
	Stage         string        `json:"stage"`
}

// IterationEvent is one refinement iteration as seen by telemetry.
type IterationEvent struct {
	CorrelationID string  `json:"correlation_id"`
	Strategy      string  `json:"strategy"`
	Iteration     int     `json:"iteration"`
	Score         float64 `json:"score"`
}

// ConsensusEvent is one consensus resolution as seen by telemetry.
type ConsensusEvent struct {
	CorrelationID string   `json:"correlation_id"`
	Strategy      string   `json:"strategy"`
	Participating []string `json:"participating"`
	Score         float64  `json:"score"`
}
