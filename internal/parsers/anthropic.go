package parsers

import (
	"encoding/json"
	"strings"
)

// AnthropicParser parses the Anthropic Messages API shape: requests with a
// top-level content-block array per message, responses with the same block
// vocabulary at the top level, and an SSE stream of typed `content_block_*`
// / `message_*` events.
type AnthropicParser struct{}

func (AnthropicParser) Provider() Provider { return ProviderAnthropic }

func (AnthropicParser) CanParse(host, path string) bool {
	return strings.Contains(host, "anthropic.com") && strings.Contains(path, "/v1/messages")
}

type anthropicRequestBody struct {
	Model       string                  `json:"model"`
	Messages    []anthropicMessage      `json:"messages"`
	System      json.RawMessage         `json:"system,omitempty"`
	MaxTokens   *int                    `json:"max_tokens,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
	Tools       []anthropicToolDef      `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Source    *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

func (AnthropicParser) ParseRequest(raw []byte) (*ParsedRequest, bool) {
	var body anthropicRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if body.Model == "" {
		return nil, false
	}

	pr := &ParsedRequest{
		Provider:    ProviderAnthropic,
		Model:       body.Model,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		Raw:         raw,
	}
	if len(body.System) > 0 {
		var s string
		if json.Unmarshal(body.System, &s) == nil {
			pr.System = s
		}
	}
	for _, t := range body.Tools {
		pr.Tools = append(pr.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	for _, m := range body.Messages {
		pr.Messages = append(pr.Messages, Message{Role: m.Role, Content: anthropicDecodeContent(m.Content)})
	}
	return pr, true
}

// anthropicDecodeContent handles both the plain-string and block-array
// shapes Anthropic accepts for message content.
func anthropicDecodeContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if json.Unmarshal(raw, &asString) == nil {
		return []ContentBlock{{Type: BlockText, Text: asString}}
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	out := make([]ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, anthropicToCommonBlock(b))
	}
	return out
}

func anthropicToCommonBlock(b anthropicContentBlock) ContentBlock {
	switch b.Type {
	case "tool_use":
		cb := ContentBlock{Type: BlockToolUse, ToolUseID: b.ID, ToolName: b.Name}
		if len(b.Input) > 0 {
			var args map[string]any
			if json.Unmarshal(b.Input, &args) == nil {
				cb.ToolInput = args
			}
		}
		return cb
	case "tool_result":
		cb := ContentBlock{Type: BlockToolResult, ToolResultFor: b.ToolUseID, IsError: b.IsError}
		if len(b.Content) > 0 {
			var s string
			if json.Unmarshal(b.Content, &s) == nil {
				cb.ToolResult = s
			} else {
				cb.ToolResult = string(b.Content)
			}
		}
		return cb
	case "thinking":
		return ContentBlock{Type: BlockThinking, Thinking: b.Thinking, Signature: b.Signature}
	case "image":
		cb := ContentBlock{Type: BlockImage}
		if b.Source != nil {
			cb.ImageMediaType = b.Source.MediaType
			cb.ImageData = b.Source.Data
		}
		return cb
	default:
		return ContentBlock{Type: BlockText, Text: b.Text}
	}
}

type anthropicResponseBody struct {
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model,omitempty"`
	StopReason string                  `json:"stop_reason,omitempty"`
	Usage      *anthropicUsage         `json:"usage,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (AnthropicParser) ParseResponse(raw []byte) (*ParsedResponse, bool) {
	var body anthropicResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if body.Content == nil {
		return nil, false
	}
	pr := &ParsedResponse{
		Provider:   ProviderAnthropic,
		Model:      body.Model,
		StopReason: body.StopReason,
		Raw:        raw,
	}
	for _, b := range body.Content {
		pr.Content = append(pr.Content, anthropicToCommonBlock(b))
	}
	if body.Usage != nil {
		pr.Usage = &Usage{InputTokens: body.Usage.InputTokens, OutputTokens: body.Usage.OutputTokens}
	}
	return pr, true
}

// ParseStreamChunk decodes one already-split SSE event (event name + data
// payload) into the three event kinds §4.5 names: start-of-block, delta, stop.
func (AnthropicParser) ParseStreamChunk(eventType string, data []byte) (*PartialResponse, bool) {
	switch eventType {
	case "content_block_start":
		var evt struct {
			Index        int                   `json:"index"`
			ContentBlock anthropicContentBlock `json:"content_block"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, false
		}
		bt := BlockText
		switch evt.ContentBlock.Type {
		case "tool_use":
			bt = BlockToolUse
		case "thinking":
			bt = BlockThinking
		}
		return &PartialResponse{
			Kind:      PartialStart,
			Index:     evt.Index,
			BlockType: bt,
			ToolName:  evt.ContentBlock.Name,
			ToolUseID: evt.ContentBlock.ID,
		}, true

	case "content_block_delta":
		var evt struct {
			Index int `json:"index"`
			Delta struct {
				Type        string `json:"type"`
				Text        string `json:"text,omitempty"`
				Thinking    string `json:"thinking,omitempty"`
				Signature   string `json:"signature,omitempty"`
				PartialJSON string `json:"partial_json,omitempty"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, false
		}
		p := &PartialResponse{Kind: PartialDelta, Index: evt.Index}
		switch evt.Delta.Type {
		case "text_delta":
			p.TextDelta = evt.Delta.Text
		case "thinking_delta":
			p.TextDelta = evt.Delta.Thinking
		case "signature_delta":
			p.Signature = evt.Delta.Signature
		case "input_json_delta":
			p.JSONDelta = evt.Delta.PartialJSON
		default:
			return nil, false
		}
		return p, true

	case "message_delta":
		var evt struct {
			Delta struct {
				StopReason string `json:"stop_reason,omitempty"`
			} `json:"delta"`
			Usage *anthropicUsage `json:"usage,omitempty"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, false
		}
		p := &PartialResponse{Kind: PartialStop, StopReason: evt.Delta.StopReason}
		if evt.Usage != nil {
			p.Usage = &Usage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		}
		return p, true

	case "message_stop":
		return &PartialResponse{Kind: PartialMessageStop}, true

	case "content_block_stop", "message_start", "ping":
		return nil, false

	default:
		return nil, false
	}
}
