package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llmhive/llmhive/core"
)

// BackendAnthropic is the direct Anthropic backend name.
const BackendAnthropic = "anthropic"

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicAPIVersion     = "2023-06-01"
)

func init() {
	MustRegister(&anthropicFactory{})
}

type anthropicFactory struct{}

func (f *anthropicFactory) Name() string { return BackendAnthropic }

func (f *anthropicFactory) DetectEnvironment() (int, bool) {
	if apiKeyFromEnv(core.BackendConfig{}, "ANTHROPIC_API_KEY") == "" {
		return 0, false
	}
	return 80, true
}

func (f *anthropicFactory) Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error) {
	apiKey := apiKeyFromEnv(cfg, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for backend anthropic (set ANTHROPIC_API_KEY)",
			core.ErrMissingConfiguration)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicClient{
		BaseClient: NewBaseClient(cfg.ConnectTimeout+cfg.ReadTimeout, logger),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

// AnthropicClient implements core.ProviderClient for the Anthropic Messages API.
type AnthropicClient struct {
	*BaseClient
	baseURL string
	apiKey  string
}

func (c *AnthropicClient) Name() string { return BackendAnthropic }

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []core.ChatMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Temperature float32          `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion implements core.ProviderClient.
func (c *AnthropicClient) ChatCompletion(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ChatResult, error) {
	params = c.ApplyDefaults(params)

	body, err := json.Marshal(anthropicRequest{
		Model:       nativeID,
		System:      params.SystemPrompt,
		Messages:    messages,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	c.LogRequest(BackendAnthropic, nativeID, promptLength(messages), params.CorrelationID)
	start := time.Now()

	resp, err := c.Do(ctx, req, params.CorrelationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.ClassifyStatus(resp, respBody)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed response: " + err.Error()}
	}
	if parsed.Error != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: parsed.Error.Message}
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	c.LogResponse(BackendAnthropic, nativeID, parsed.Usage.InputTokens, parsed.Usage.OutputTokens, time.Since(start))

	return &core.ChatResult{
		Content:      content,
		TokensIn:     parsed.Usage.InputTokens,
		TokensOut:    parsed.Usage.OutputTokens,
		GenerationID: parsed.ID,
	}, nil
}

// StreamChat implements core.ProviderClient. Streaming is not wired for
// this adapter; callers fall back to ChatCompletion.
func (c *AnthropicClient) StreamChat(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (<-chan core.StreamChunk, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "streaming not supported for anthropic adapter"}
}

// ListModels implements core.ProviderClient.
func (c *AnthropicClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.Do(ctx, req, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.ClassifyStatus(resp, respBody)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed model list: " + err.Error()}
	}

	models := make([]core.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, core.ModelInfo{ID: m.ID, SupportsTools: true, SupportsVision: true})
	}
	return models, nil
}

// GetGeneration implements core.ProviderClient. Anthropic reports usage
// inline with each response, so there is nothing to fetch after the fact.
func (c *AnthropicClient) GetGeneration(ctx context.Context, generationID string) (*core.GenerationStats, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "anthropic does not expose generation accounting"}
}
