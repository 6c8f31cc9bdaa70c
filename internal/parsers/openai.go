package parsers

import (
	"encoding/json"
	"strings"
)

// OpenAIParser parses the OpenAI Chat Completions API shape (and the many
// OpenAI-compatible providers that mirror it): messages with string or
// multi-part content, choices[0].message.tool_calls[], and an SSE stream of
// choices[0].delta fragments.
type OpenAIParser struct{}

func (OpenAIParser) Provider() Provider { return ProviderOpenAI }

func (OpenAIParser) CanParse(host, path string) bool {
	return strings.Contains(host, "api.openai.com") && strings.Contains(path, "/chat/completions")
}

type openaiRequestBody struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openaiToolDef `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role      string           `json:"role"`
	Content   json.RawMessage  `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type openaiToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (OpenAIParser) ParseRequest(raw []byte) (*ParsedRequest, bool) {
	var body openaiRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if body.Model == "" {
		return nil, false
	}
	pr := &ParsedRequest{
		Provider:    ProviderOpenAI,
		Model:       body.Model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		Raw:         raw,
	}
	for _, t := range body.Tools {
		pr.Tools = append(pr.Tools, Tool{Name: t.Function.Name, Description: t.Function.Description, Parameters: t.Function.Parameters})
	}
	for _, m := range body.Messages {
		if m.Role == "system" {
			var s string
			if json.Unmarshal(m.Content, &s) == nil {
				pr.System = s
				continue
			}
		}
		msg := Message{Role: m.Role, Content: openaiDecodeContent(m.Content)}
		for _, tc := range m.ToolCalls {
			cb := ContentBlock{Type: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name}
			_, args := parseOpenAIArguments(tc.Function.Arguments)
			cb.ToolInput = args
			msg.Content = append(msg.Content, cb)
		}
		if m.ToolCallID != "" {
			var s string
			json.Unmarshal(m.Content, &s)
			msg.Content = append(msg.Content, ContentBlock{Type: BlockToolResult, ToolResultFor: m.ToolCallID, ToolResult: s})
		}
		pr.Messages = append(pr.Messages, msg)
	}
	return pr, true
}

func openaiDecodeContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		if asString == "" {
			return nil
		}
		return []ContentBlock{{Type: BlockText, Text: asString}}
	}
	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text,omitempty"`
		ImageURL struct {
			URL string `json:"url,omitempty"`
		} `json:"image_url,omitempty"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	out := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, ContentBlock{Type: BlockText, Text: p.Text})
		case "image_url":
			out = append(out, ContentBlock{Type: BlockImage, ImageData: p.ImageURL.URL})
		}
	}
	return out
}

type openaiResponseBody struct {
	Choices []openaiChoice `json:"choices"`
	Model   string         `json:"model,omitempty"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (OpenAIParser) ParseResponse(raw []byte) (*ParsedResponse, bool) {
	var body openaiResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if len(body.Choices) == 0 {
		return nil, false
	}
	choice := body.Choices[0]
	pr := &ParsedResponse{
		Provider:   ProviderOpenAI,
		Model:      body.Model,
		StopReason: choice.FinishReason,
		Raw:        raw,
	}
	if len(choice.Message.Content) > 0 {
		pr.Content = append(pr.Content, openaiDecodeContent(choice.Message.Content)...)
	}
	for _, tc := range choice.Message.ToolCalls {
		cb := ContentBlock{Type: BlockToolUse, ToolUseID: tc.ID, ToolName: tc.Function.Name}
		_, args := parseOpenAIArguments(tc.Function.Arguments)
		cb.ToolInput = args
		pr.Content = append(pr.Content, cb)
	}
	if body.Usage != nil {
		pr.Usage = &Usage{InputTokens: body.Usage.PromptTokens, OutputTokens: body.Usage.CompletionTokens}
	}
	return pr, true
}

// parseOpenAIArguments handles the `arguments` field which is normally a
// JSON string containing JSON, but some OpenAI-compatible providers emit a
// direct JSON object instead. Returns the raw bytes (for substring matching)
// and the parsed map (for structured matching); either may be nil on a
// parse failure, since a parser must be total rather than erroring out.
func parseOpenAIArguments(raw json.RawMessage) (json.RawMessage, map[string]any) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	switch trimmed[0] {
	case '"':
		var argsStr string
		if err := json.Unmarshal(raw, &argsStr); err != nil {
			return raw, nil
		}
		if argsStr == "" {
			return json.RawMessage("{}"), map[string]any{}
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(argsStr), &args); err == nil {
			return json.RawMessage(argsStr), args
		}
		return json.RawMessage(argsStr), nil
	case '{':
		var args map[string]any
		if err := json.Unmarshal(raw, &args); err == nil {
			return raw, args
		}
		return raw, nil
	default:
		return raw, nil
	}
}

// ParseStreamChunk decodes one OpenAI Chat Completions SSE data payload
// (already stripped of the `data:` prefix). OpenAI has no named event type,
// so eventType is ignored; tool call deltas arrive indexed and must be
// accumulated by the caller the same way the accumulator does for Anthropic.
func (OpenAIParser) ParseStreamChunk(eventType string, data []byte) (*PartialResponse, bool) {
	var evt struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content,omitempty"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id,omitempty"`
					Function struct {
						Name      string `json:"name,omitempty"`
						Arguments string `json:"arguments,omitempty"`
					} `json:"function"`
				} `json:"tool_calls,omitempty"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason,omitempty"`
		} `json:"choices"`
		Model string       `json:"model,omitempty"`
		Usage *openaiUsage `json:"usage,omitempty"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false
	}
	if len(evt.Choices) == 0 {
		if evt.Usage != nil {
			return &PartialResponse{Kind: PartialStop, Usage: &Usage{InputTokens: evt.Usage.PromptTokens, OutputTokens: evt.Usage.CompletionTokens}}, true
		}
		return nil, false
	}
	choice := evt.Choices[0]
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		p := &PartialResponse{Kind: PartialDelta, Index: tc.Index, JSONDelta: tc.Function.Arguments}
		if tc.ID != "" || tc.Function.Name != "" {
			p.Kind = PartialStart
			p.BlockType = BlockToolUse
			p.ToolName = tc.Function.Name
			p.ToolUseID = tc.ID
		}
		return p, true
	}
	if choice.Delta.Content != "" {
		return &PartialResponse{Kind: PartialDelta, Index: 0, TextDelta: choice.Delta.Content}, true
	}
	if choice.FinishReason != nil {
		return &PartialResponse{Kind: PartialStop, StopReason: *choice.FinishReason, Model: evt.Model}, true
	}
	return nil, false
}
