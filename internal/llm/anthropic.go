package llm

import (
	"context"
	"fmt"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicClient is the default LLMClient backing modify_llm and the
// refusal modify fallback when the triggering rule targets Anthropic,
// modeled on the SDK usage pattern the example pack's Bedrock client wraps.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
}

// NewAnthropicClient builds a client against the public Anthropic API using
// apiKey, or against baseURL when the config supplies a provider override.
func NewAnthropicClient(apiKey, baseURL string, maxTokens int) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...), maxTokens: int64(maxTokens)}
}

func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var system string
	var sdkMessages []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			sdkMessages = append(sdkMessages, anthropic.NewAssistantMessage(block))
		} else {
			sdkMessages = append(sdkMessages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  sdkMessages,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic chat: %w", err)
	}
	var out string
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
