// Package providers contains the backend adapters. Adapters are the only
// code in the engine that knows provider payload shapes; everything above
// them speaks core.ProviderClient.
package providers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/llmhive/llmhive/core"
)

// BaseClient provides common functionality for all backend adapters:
// an instrumented HTTP client, structured request/response logging, and
// uniform error classification.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger

	// Default generation settings applied when the caller leaves them unset
	DefaultTemperature float32
	DefaultMaxTokens   int
}

// NewBaseClient creates a base client. The transport is wrapped with
// otelhttp so outbound provider calls show up in distributed traces.
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &BaseClient{
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Logger:             logger,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   1024,
	}
}

// ApplyDefaults fills unset params with the adapter's defaults.
func (b *BaseClient) ApplyDefaults(params *core.ChatParams) *core.ChatParams {
	if params == nil {
		params = &core.ChatParams{}
	}
	if params.Temperature == 0 {
		params.Temperature = b.DefaultTemperature
	}
	if params.MaxTokens == 0 {
		params.MaxTokens = b.DefaultMaxTokens
	}
	return params
}

// Do executes the request with the correlation header attached.
func (b *BaseClient) Do(ctx context.Context, req *http.Request, correlationID string) (*http.Response, error) {
	if correlationID != "" {
		req.Header.Set(core.CorrelationHeader, correlationID)
	}
	resp, err := b.HTTPClient.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewHiveError(core.CodeCancelled, "request cancelled",
				correlationID, core.ErrCancelled)
		}
		return nil, &core.ProviderError{
			Kind:    core.ProviderErrNetwork,
			Message: err.Error(),
		}
	}
	return resp, nil
}

// ClassifyStatus maps an HTTP error response to a ProviderError, reading
// Retry-After on 429 responses.
func (b *BaseClient) ClassifyStatus(resp *http.Response, body []byte) *core.ProviderError {
	pe := &core.ProviderError{
		StatusCode: resp.StatusCode,
		Message:    truncateForLog(string(body), 500),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Kind = core.ProviderErrRateLimited
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				pe.RetryAfter = time.Duration(secs) * time.Second
			}
		}
	case resp.StatusCode >= 500:
		pe.Kind = core.ProviderErrServer
	default:
		pe.Kind = core.ProviderErrClient
	}
	return pe
}

// LogRequest logs an outgoing provider request. Prompts are never logged,
// only their lengths.
func (b *BaseClient) LogRequest(backend, model string, promptLen int, correlationID string) {
	b.Logger.Info("Provider request initiated", map[string]interface{}{
		"operation":      "provider_request",
		"backend":        backend,
		"model":          model,
		"prompt_length":  promptLen,
		"correlation_id": correlationID,
	})
}

// LogResponse logs a completed provider response.
func (b *BaseClient) LogResponse(backend, model string, tokensIn, tokensOut int, duration time.Duration) {
	b.Logger.Info("Provider response received", map[string]interface{}{
		"operation":   "provider_response",
		"backend":     backend,
		"model":       model,
		"tokens_in":   tokensIn,
		"tokens_out":  tokensOut,
		"duration_ms": duration.Milliseconds(),
		"status":      "success",
	})
}

// truncateForLog truncates a string for logging purposes
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
