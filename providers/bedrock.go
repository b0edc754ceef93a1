package providers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/llmhive/llmhive/core"
)

// BackendBedrock is the AWS Bedrock backend name. It is not part of the
// default failover chain but can be routed to explicitly.
const BackendBedrock = "bedrock"

func init() {
	MustRegister(&bedrockFactory{})
}

type bedrockFactory struct{}

func (f *bedrockFactory) Name() string { return BackendBedrock }

func (f *bedrockFactory) DetectEnvironment() (int, bool) {
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		return 0, false
	}
	return 40, true
}

func (f *bedrockFactory) Create(cfg core.BackendConfig, logger core.Logger) (core.ProviderClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", core.ErrMissingConfiguration, err)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BedrockClient{
		BaseClient: NewBaseClient(cfg.ConnectTimeout+cfg.ReadTimeout, logger),
		client:     bedrockruntime.NewFromConfig(awsCfg),
	}, nil
}

// BedrockClient implements core.ProviderClient using the Bedrock Converse API.
type BedrockClient struct {
	*BaseClient
	client *bedrockruntime.Client
}

func (c *BedrockClient) Name() string { return BackendBedrock }

// ChatCompletion implements core.ProviderClient.
func (c *BedrockClient) ChatCompletion(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (*core.ChatResult, error) {
	params = c.ApplyDefaults(params)

	converseMessages := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		converseMessages = append(converseMessages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: m.Content},
			},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(nativeID),
		Messages: converseMessages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(params.MaxTokens)),
			Temperature: aws.Float32(params.Temperature),
		},
	}
	if params.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: params.SystemPrompt},
		}
	}

	c.LogRequest(BackendBedrock, nativeID, promptLength(messages), params.CorrelationID)
	start := time.Now()

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.NewHiveError(core.CodeCancelled, "request cancelled",
				params.CorrelationID, core.ErrCancelled)
		}
		return nil, classifyBedrockError(err)
	}

	var content string
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				content += text.Value
			}
		}
	}

	tokensIn, tokensOut := 0, 0
	if output.Usage != nil {
		tokensIn = int(aws.ToInt32(output.Usage.InputTokens))
		tokensOut = int(aws.ToInt32(output.Usage.OutputTokens))
	}

	c.LogResponse(BackendBedrock, nativeID, tokensIn, tokensOut, time.Since(start))

	return &core.ChatResult{
		Content:   content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}, nil
}

// classifyBedrockError maps SDK errors onto the provider error taxonomy.
func classifyBedrockError(err error) *core.ProviderError {
	var throttled *types.ThrottlingException
	var notFound *types.ResourceNotFoundException
	var validation *types.ValidationException

	switch {
	case errors.As(err, &throttled):
		return &core.ProviderError{Kind: core.ProviderErrRateLimited, Message: err.Error()}
	case errors.As(err, &notFound), errors.As(err, &validation):
		return &core.ProviderError{Kind: core.ProviderErrClient, Message: err.Error()}
	default:
		return &core.ProviderError{Kind: core.ProviderErrServer, Message: err.Error()}
	}
}

// StreamChat implements core.ProviderClient via the ConverseStream API.
func (c *BedrockClient) StreamChat(ctx context.Context, nativeID string, messages []core.ChatMessage, params *core.ChatParams) (<-chan core.StreamChunk, error) {
	params = c.ApplyDefaults(params)

	converseMessages := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		converseMessages = append(converseMessages, types.Message{
			Role: role,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: m.Content},
			},
		})
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(nativeID),
		Messages: converseMessages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(int32(params.MaxTokens)),
			Temperature: aws.Float32(params.Temperature),
		},
	}

	output, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(err)
	}

	out := make(chan core.StreamChunk)
	go func() {
		defer close(out)
		stream := output.GetStream()
		defer func() { _ = stream.Close() }()

		for event := range stream.Events() {
			if delta, ok := event.(*types.ConverseStreamOutputMemberContentBlockDelta); ok {
				if text, ok := delta.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					select {
					case out <- core.StreamChunk{Delta: text.Value}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- core.StreamChunk{Err: err, Done: true}
			return
		}
		out <- core.StreamChunk{Done: true}
	}()
	return out, nil
}

// ListModels implements core.ProviderClient. Model discovery needs the
// bedrock control-plane API, which this adapter does not carry.
func (c *BedrockClient) ListModels(ctx context.Context) ([]core.ModelInfo, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "bedrock adapter does not list models"}
}

// GetGeneration implements core.ProviderClient.
func (c *BedrockClient) GetGeneration(ctx context.Context, generationID string) (*core.GenerationStats, error) {
	return nil, &core.ProviderError{Kind: core.ProviderErrClient, Message: "bedrock does not expose generation accounting"}
}
