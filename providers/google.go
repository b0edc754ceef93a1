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

// BackendGoogle is the direct Google (Gemini) backend name.
const BackendGoogle = "google"

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

func init() {
	MustRegister(&googleFactory{})
}

type googleFactory struct{}

func (f *googleFactory) Name() string { return BackendGoogle }

func (f *googleFactory) DetectEnvironment() (int, bool) {
	if apiKeyFromEnv(core.BackendConfig{}, "GEMINI_API_KEY") == "" {
		return 0, false
	}
	return 70, true
}

func (f *googleFactory) Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error) {
	apiKey := apiKeyFromEnv(cfg, "GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: no API key for backend google (set GEMINI_API_KEY)",
			core.ErrMissingConfiguration)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = googleDefaultBaseURL
	}
	return &GoogleClient{
		BaseClient: NewBaseClient(cfg.ConnectTimeout+cfg.ReadTimeout, logger),
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

// GoogleClient implements core.ProviderClient for the Gemini API.
type GoogleClient struct {
	*BaseClient
	baseURL string
	apiKey  string
}

func (c *GoogleClient) Name() string { return BackendGoogle }

type geminiContent struct {
	Role  string `json:"role,omitempty"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float32 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ChatCompletion implements core.ProviderClient.
func (c *GoogleClient) ChatCompletion(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ChatResult, error) {
	params = c.ApplyDefaults(params)

	var reqBody geminiRequest
	for _, m := range messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role}
		content.Parts = append(content.Parts, struct {
			Text string `json:"text"`
		}{Text: m.Content})
		reqBody.Contents = append(reqBody.Contents, content)
	}
	reqBody.GenerationConfig.Temperature = params.Temperature
	reqBody.GenerationConfig.MaxOutputTokens = params.MaxTokens

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	// The key rides in the query string per the Gemini API convention.
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, nativeID, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.LogRequest(BackendGoogle, nativeID, promptLength(messages), params.CorrelationID)
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

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed response: " + err.Error()}
	}
	if parsed.Error != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: parsed.Error.Message}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "response contained no candidates"}
	}

	var content string
	for _, part := range parsed.Candidates[0].Content.Parts {
		content += part.Text
	}

	c.LogResponse(BackendGoogle, nativeID, parsed.UsageMetadata.PromptTokenCount,
		parsed.UsageMetadata.CandidatesTokenCount, time.Since(start))

	return &core.ChatResult{
		Content:   content,
		TokensIn:  parsed.UsageMetadata.PromptTokenCount,
		TokensOut: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}

// StreamChat implements core.ProviderClient. Not wired for this adapter.
func (c *GoogleClient) StreamChat(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (<-chan core.StreamChunk, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "streaming not supported for google adapter"}
}

// ListModels implements core.ProviderClient.
func (c *GoogleClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	url := fmt.Sprintf("%s/models?key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

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
		Models []struct {
			Name             string `json:"name"`
			InputTokenLimit  int    `json:"inputTokenLimit"`
		} `json:"models"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "malformed model list: " + err.Error()}
	}

	models := make([]core.ModelInfo, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		models = append(models, core.ModelInfo{ID: m.Name, ContextLength: m.InputTokenLimit})
	}
	return models, nil
}

// GetGeneration implements core.ProviderClient.
func (c *GoogleClient) GetGeneration(ctx context.Context, generationID string) (*core.GenerationStats, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "google does not expose generation accounting"}
}
