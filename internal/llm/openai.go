package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient is the default LLMClient for providers that speak the
// Chat Completions shape, grounded on the option.WithBaseURL /
// openai.NewClient pattern the example pack's gateway tests exercise.
type OpenAIClient struct {
	client openai.Client
}

func NewOpenAIClient(apiKey, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...)}
}

func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	var sdkMessages []openai.ChatCompletionMessageParamUnion
	for _, m := range messages {
		switch m.Role {
		case "system":
			sdkMessages = append(sdkMessages, openai.SystemMessage(m.Content))
		case "assistant":
			sdkMessages = append(sdkMessages, openai.AssistantMessage(m.Content))
		default:
			sdkMessages = append(sdkMessages, openai.UserMessage(m.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: sdkMessages,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
