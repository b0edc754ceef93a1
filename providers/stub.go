package providers

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/llmhive/llmhive/core"
)

// BackendLocalStub is the scriptable in-process backend. It backs tests and
// offline development; it is never auto-detected.
const BackendLocalStub = "local_stub"

func init() {
	MustRegister(&stubFactory{})
}

type stubFactory struct{}

func (f *stubFactory) Name() string { return BackendLocalStub }

func (f *stubFactory) DetectEnvironment() (int, bool) { return 0, false }

func (f *stubFactory) Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error) {
	return NewStubClient(), nil
}

// StubReply scripts one response from the stub.
type StubReply struct {
	Content string
	Err     error
	Delay   time.Duration
}

// StubClient implements core.ProviderClient entirely in memory.
// Responses can be scripted globally (in order) or per prompt substring.
type StubClient struct {
	mu          sync.Mutex
	queue       []StubReply
	byPrompt    map[string]StubReply // matched by substring, checked before queue
	defaultText string

	CallCount   int
	LastPrompt  string
	LastModelID string
	Prompts     []string
}

// NewStubClient creates a stub with a single default response.
func NewStubClient() *StubClient {
	return &StubClient{
		byPrompt:    make(map[string]StubReply),
		defaultText: "stub response",
	}
}

func (c *StubClient) Name() string { return BackendLocalStub }

// Enqueue appends scripted replies, consumed in order.
func (c *StubClient) Enqueue(replies ...StubReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, replies...)
}

// Respond scripts a reply for any prompt containing the given substring.
func (c *StubClient) Respond(promptSubstring string, reply StubReply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPrompt[promptSubstring] = reply
}

// SetDefault changes the fallback response text.
func (c *StubClient) SetDefault(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultText = text
}

func (c *StubClient) nextReply(prompt string) StubReply {
	c.mu.Lock()
	defer c.mu.Unlock()

	for substr, reply := range c.byPrompt {
		if strings.Contains(prompt, substr) {
			return reply
		}
	}
	if len(c.queue) > 0 {
		reply := c.queue[0]
		c.queue = c.queue[1:]
		return reply
	}
	return StubReply{Content: c.defaultText}
}

// ChatCompletion implements core.ProviderClient.
func (c *StubClient) ChatCompletion(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ChatResult, error) {
	prompt := ""
	if len(messages) > 0 {
		prompt = messages[len(messages)-1].Content
	}

	c.mu.Lock()
	c.CallCount++
	c.LastPrompt = prompt
	c.LastModelID = nativeID
	c.Prompts = append(c.Prompts, prompt)
	c.mu.Unlock()

	reply := c.nextReply(prompt)
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, core.NewHiveError(core.CodeCancelled, "request cancelled",
				correlationID(params), core.ErrCancelled)
		case <-timer.C:
		}
	}

	select {
	case <-ctx.Done():
		return nil, core.NewHiveError(core.CodeCancelled, "request cancelled",
			correlationID(params), core.ErrCancelled)
	default:
	}

	if reply.Err != nil {
		return nil, reply.Err
	}
	return &core.ChatResult{
		Content:   reply.Content,
		TokensIn:  len(prompt) / 4,
		TokensOut: len(reply.Content) / 4,
	}, nil
}

// StreamChat implements core.ProviderClient, emitting the scripted reply
// word by word.
func (c *StubClient) StreamChat(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (<-chan core.StreamChunk, error) {
	result, err := c.ChatCompletion(ctx, nativeID, messages, params)
	if err != nil {
		return nil, err
	}

	out := make(chan core.StreamChunk)
	go func() {
		defer close(out)
		for _, word := range strings.SplitAfter(result.Content, " ") {
			select {
			case out <- core.StreamChunk{Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		out <- core.StreamChunk{Done: true}
	}()
	return out, nil
}

// ListModels implements core.ProviderClient.
func (c *StubClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	return []core.ModelInfo{
		{ID: "stub-small", ContextLength: 8192},
		{ID: "stub-large", ContextLength: 32768, SupportsTools: true},
	}, nil
}

// GetGeneration implements core.ProviderClient.
func (c *StubClient) GetGeneration(ctx context.Context, generationID string) (*core.GenerationStats, error) {
	return &core.GenerationStats{Tokens: 0, Cost: 0}, nil
}

func correlationID(params *core.ChatParams) string {
	if params == nil {
		return ""
	}
	return params.CorrelationID
}
