package core

import (
	"context"
	"fmt"
	"time"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional tracing/metrics support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// TelemetrySink receives per-stage events emitted by the engine.
// Implementations must be safe for concurrent use.
type TelemetrySink interface {
	RecordCall(trace CallTrace)
	RecordIteration(event IterationEvent)
	RecordConsensus(event ConsensusEvent)
}

// ChatMessage is one message in a chat completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatParams tunes a single chat completion call.
type ChatParams struct {
	Temperature   float32
	MaxTokens     int
	SystemPrompt  string
	CorrelationID string
	// NoWait makes a rate-limited backend fail immediately instead of
	// blocking on its token bucket, so the router can try the next backend.
	NoWait bool
}

// ChatResult is the provider-neutral result of one completion call.
type ChatResult struct {
	Content      string
	TokensIn     int
	TokensOut    int
	GenerationID string
}

// StreamChunk is one delta of a streaming chat completion.
// Done marks the final chunk; no further chunks follow it.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// ModelInfo describes one model offered by a backend.
type ModelInfo struct {
	ID             string  `json:"id"`
	ContextLength  int     `json:"context_length"`
	PricePer1K     float64 `json:"pricing"`
	SupportsTools  bool    `json:"supports_tools"`
	SupportsVision bool    `json:"supports_vision"`
}

// GenerationStats reports token and cost accounting for a past generation.
type GenerationStats struct {
	Tokens int
	Cost   float64
}

// ProviderClient is the adapter contract every backend implements.
// Adapters are the only code that knows provider payload shapes.
type ProviderClient interface {
	Name() string
	ChatCompletion(ctx context.Context, nativeID string, messages []ChatMessage, params *ChatParams) (*ChatResult, error)
	StreamChat(ctx context.Context, nativeID string, messages []ChatMessage, params *ChatParams) (<-chan StreamChunk, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	GetGeneration(ctx context.Context, generationID string) (*GenerationStats, error)
}

// ProviderErrorKind classifies a backend error for routing decisions.
type ProviderErrorKind string

const (
	ProviderErrRateLimited ProviderErrorKind = "rate_limited"
	ProviderErrClient      ProviderErrorKind = "client_error"
	ProviderErrServer      ProviderErrorKind = "server_error"
	ProviderErrNetwork     ProviderErrorKind = "network"
)

// ProviderError is how backend failures surface out of adapters.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	RetryAfter time.Duration // zero when the backend did not say
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// Unwrap maps provider error kinds onto the sentinel taxonomy so callers
// can use errors.Is without knowing adapter internals.
func (e *ProviderError) Unwrap() error {
	switch e.Kind {
	case ProviderErrRateLimited:
		return ErrRateLimited
	case ProviderErrClient:
		return ErrProviderPermanent
	case ProviderErrServer, ProviderErrNetwork:
		return ErrProviderTransient
	default:
		return nil
	}
}

// FactChecker is the optional external knowledge collaborator used by the
// refinement loop's web_search strategy and the factual verifier.
type FactChecker interface {
	Verify(ctx context.Context, answer string, claims []string) (*FactCheckResult, error)
}

// FactCheckResult is the outcome of one external verification request.
type FactCheckResult struct {
	VerificationScore float64 // [0,1]
	Items             []FactCheckItem
}

// FactCheckItem is one verified (or refuted) claim.
type FactCheckItem struct {
	Text       string
	Verified   bool
	Evidence   string
	Correction string
}

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}

// NoOpSink discards all telemetry events.
type NoOpSink struct{}

func (n *NoOpSink) RecordCall(trace CallTrace)            {}
func (n *NoOpSink) RecordIteration(event IterationEvent)  {}
func (n *NoOpSink) RecordConsensus(event ConsensusEvent)  {}
