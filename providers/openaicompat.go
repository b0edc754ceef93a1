package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/llmhive/llmhive/core"
)

// Backend names served by the OpenAI-compatible adapter. The primary
// gateway plus every direct provider that speaks the same wire format.
const (
	BackendPrimaryGateway = "primary_gateway"
	BackendDeepSeek       = "deepseek"
	BackendTogether       = "together"
	BackendGroq           = "groq"
	BackendCerebras       = "cerebras"
	BackendXAI            = "xai"
	BackendHuggingFace    = "huggingface"
)

// openAICompatDefaults maps backend names to their conventional base URL
// and API key environment variable.
var openAICompatDefaults = map[string]struct {
	baseURL string
	keyEnv  string
}{
	BackendPrimaryGateway: {"https://openrouter.ai/api/v1", "OPENROUTER_API_KEY"},
	BackendDeepSeek:       {"https://api.deepseek.com", "DEEPSEEK_API_KEY"},
	BackendTogether:       {"https://api.together.xyz/v1", "TOGETHER_API_KEY"},
	BackendGroq:           {"https://api.groq.com/openai/v1", "GROQ_API_KEY"},
	BackendCerebras:       {"https://api.cerebras.ai/v1", "CEREBRAS_API_KEY"},
	BackendXAI:            {"https://api.x.ai/v1", "XAI_API_KEY"},
	BackendHuggingFace:    {"https://router.huggingface.co/v1", "HF_TOKEN"},
}

func init() {
	for name := range openAICompatDefaults {
		MustRegister(&openAICompatFactory{backend: name})
	}
}

type openAICompatFactory struct {
	backend string
}

func (f *openAICompatFactory) Name() string { return f.backend }

func (f *openAICompatFactory) DetectEnvironment() (int, bool) {
	d := openAICompatDefaults[f.backend]
	if apiKeyFromEnv(core.BackendConfig{}, d.keyEnv) == "" {
		return 0, false
	}
	if f.backend == BackendPrimaryGateway {
		return 100, true
	}
	return 50, true
}

func (f *openAICompatFactory) Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error) {
	d := openAICompatDefaults[f.backend]
	apiKey := apiKeyFromEnv(cfg, d.keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for backend %s (set %s)",
			core.ErrMissingConfiguration, f.backend, d.keyEnv)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = d.baseURL
	}
	return NewOpenAICompatClient(f.backend, baseURL, apiKey, cfg.ConnectTimeout+cfg.ReadTimeout, logger), nil
}

// OpenAICompatClient implements core.ProviderClient for any backend that
// speaks the OpenAI chat completions wire format.
type OpenAICompatClient struct {
	*BaseClient
	backend string
	baseURL string
	apiKey  string
}

// NewOpenAICompatClient creates an adapter for one OpenAI-compatible backend.
func NewOpenAICompatClient(backend, baseURL, apiKey string, timeout time.Duration, logger core.Logger) *OpenAICompatClient {
	return &OpenAICompatClient{
		BaseClient: NewBaseClient(timeout, logger),
		backend:    backend,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
	}
}

func (c *OpenAICompatClient) Name() string { return c.backend }

type oaiChatRequest struct {
	Model       string            `json:"model"`
	Messages    []core.ChatMessage `json:"messages"`
	Temperature float32           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

type oaiChatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ChatCompletion implements core.ProviderClient.
func (c *OpenAICompatClient) ChatCompletion(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ChatResult, error) {
	params = c.ApplyDefaults(params)

	all := messages
	if params.SystemPrompt != "" {
		all = append([]core.ChatMessage{{Role: "system", Content: params.SystemPrompt}}, messages...)
	}

	body, err := json.Marshal(oaiChatRequest{
		Model:       nativeID,
		Messages:    all,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.LogRequest(c.backend, nativeID, promptLength(messages), params.CorrelationID)
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

	var parsed oaiChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed response: " + err.Error()}
	}
	if parsed.Error != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "response contained no choices"}
	}

	c.LogResponse(c.backend, nativeID, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, time.Since(start))

	return &core.ChatResult{
		Content:      parsed.Choices[0].Message.Content,
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		GenerationID: parsed.ID,
	}, nil
}

// StreamChat implements core.ProviderClient using SSE deltas. The returned
// channel is closed after the final chunk (Done=true).
func (c *OpenAICompatClient) StreamChat(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (<-chan core.StreamChunk, error) {
	params = c.ApplyDefaults(params)

	body, err := json.Marshal(oaiChatRequest{
		Model:       nativeID,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.Do(ctx, req, params.CorrelationID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, c.ClassifyStatus(resp, respBody)
	}

	out := make(chan core.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				out <- core.StreamChunk{Done: true}
				return
			}
			var parsed oaiChatResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil {
				continue
			}
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				select {
				case out <- core.StreamChunk{Delta: parsed.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			out <- core.StreamChunk{Err: err, Done: true}
			return
		}
		out <- core.StreamChunk{Done: true}
	}()
	return out, nil
}

type oaiModelList struct {
	Data []struct {
		ID            string `json:"id"`
		ContextLength int    `json:"context_length"`
		Pricing       struct {
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

// ListModels implements core.ProviderClient. This is the idempotent
// discovery read the router may cache.
func (c *OpenAICompatClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var parsed oaiModelList
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed model list: " + err.Error()}
	}

	models := make([]core.ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, core.ModelInfo{
			ID:            m.ID,
			ContextLength: m.ContextLength,
		})
	}
	return models, nil
}

type oaiGeneration struct {
	Data struct {
		TokensCompletion int     `json:"tokens_completion"`
		TokensPrompt     int     `json:"tokens_prompt"`
		TotalCost        float64 `json:"total_cost"`
	} `json:"data"`
}

// GetGeneration implements core.ProviderClient. Only the primary gateway
// exposes per-generation accounting; direct providers report it inline.
func (c *OpenAICompatClient) GetGeneration(ctx context.Context, generationID string) (*core.GenerationStats, error) {
	if c.backend != BackendPrimaryGateway {
		return nil, &core.ProviderError{
			Kind:    core.ProviderErrClient,
			Message: fmt.Sprintf("backend %s does not expose generation accounting", c.backend),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/generation?id="+url.QueryEscape(generationID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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

	var parsed oaiGeneration
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed generation: " + err.Error()}
	}
	return &core.GenerationStats{
		Tokens: parsed.Data.TokensPrompt + parsed.Data.TokensCompletion,
		Cost:   parsed.Data.TotalCost,
	}, nil
}

func promptLength(messages []core.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	return total
}
