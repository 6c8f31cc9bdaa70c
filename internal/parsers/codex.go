package parsers

import (
	"encoding/json"
	"hash/fnv"
	"strings"
)

// codexIndex derives a stable pseudo-index from a Responses API call_id, so
// the accumulator can key function-call blocks by index the same way it
// does for Anthropic/OpenAI, even though Codex correlates by call_id rather
// than a numeric content index.
func codexIndex(callID string) int {
	h := fnv.New32a()
	h.Write([]byte(callID))
	return int(h.Sum32())
}

// CodexParser parses the OpenAI-compatible Responses API shape used by
// Codex-style endpoints: a flat `output[]` array where function calls sit
// alongside message outputs, and a typed SSE stream
// (`response.output_item.added`, `response.function_call_arguments.delta`,
// `response.function_call_arguments.done`, `response.completed`).
type CodexParser struct{}

func (CodexParser) Provider() Provider { return ProviderCodex }

func (CodexParser) CanParse(host, path string) bool {
	return strings.Contains(path, "/responses")
}

type codexRequestBody struct {
	Model       string          `json:"model"`
	Input       json.RawMessage `json:"input,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	MaxTokens   *int            `json:"max_output_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"tools,omitempty"`
}

func (CodexParser) ParseRequest(raw []byte) (*ParsedRequest, bool) {
	var body codexRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if body.Model == "" {
		return nil, false
	}
	pr := &ParsedRequest{
		Provider:    ProviderCodex,
		Model:       body.Model,
		System:      body.Instructions,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		Stream:      body.Stream,
		Raw:         raw,
	}
	for _, t := range body.Tools {
		pr.Tools = append(pr.Tools, Tool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	if len(body.Input) > 0 {
		var asString string
		if json.Unmarshal(body.Input, &asString) == nil {
			pr.Messages = []Message{{Role: "user", Content: []ContentBlock{{Type: BlockText, Text: asString}}}}
		} else {
			var items []struct {
				Role    string          `json:"role,omitempty"`
				Content json.RawMessage `json:"content,omitempty"`
			}
			if json.Unmarshal(body.Input, &items) == nil {
				for _, it := range items {
					role := it.Role
					if role == "" {
						role = "user"
					}
					pr.Messages = append(pr.Messages, Message{Role: role, Content: openaiDecodeContent(it.Content)})
				}
			}
		}
	}
	return pr, true
}

type codexOutputItem struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content,omitempty"`
}

type codexResponseBody struct {
	ID     string            `json:"id"`
	Output []codexOutputItem `json:"output"`
	Status string            `json:"status"`
	Model  string            `json:"model,omitempty"`
	Usage  *openaiUsage      `json:"usage,omitempty"`
}

func (CodexParser) ParseResponse(raw []byte) (*ParsedResponse, bool) {
	var body codexResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if body.Output == nil {
		return nil, false
	}
	pr := &ParsedResponse{Provider: ProviderCodex, Model: body.Model, StopReason: body.Status, Raw: raw}
	for _, item := range body.Output {
		switch item.Type {
		case "function_call":
			callID := item.CallID
			if callID == "" {
				callID = item.ID
			}
			cb := ContentBlock{Type: BlockToolUse, ToolUseID: callID, ToolName: item.Name}
			_, args := parseOpenAIArguments(item.Arguments)
			cb.ToolInput = args
			pr.Content = append(pr.Content, cb)
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					pr.Content = append(pr.Content, ContentBlock{Type: BlockText, Text: c.Text})
				}
			}
		}
	}
	if body.Usage != nil {
		pr.Usage = &Usage{InputTokens: body.Usage.PromptTokens, OutputTokens: body.Usage.CompletionTokens}
	}
	return pr, true
}

// ParseStreamChunk decodes one Codex/Responses SSE event, keyed by its named
// event type rather than any field inside the payload.
func (CodexParser) ParseStreamChunk(eventType string, data []byte) (*PartialResponse, bool) {
	switch eventType {
	case "response.output_item.added":
		var item struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, false
		}
		if item.Type != "function_call" {
			return nil, false
		}
		return &PartialResponse{
			Kind:      PartialStart,
			Index:     codexIndex(item.CallID),
			BlockType: BlockToolUse,
			ToolName:  item.Name,
			ToolUseID: item.CallID,
		}, true

	case "response.function_call_arguments.delta":
		var delta struct {
			CallID string `json:"call_id"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, false
		}
		return &PartialResponse{Kind: PartialDelta, Index: codexIndex(delta.CallID), JSONDelta: delta.Delta}, true

	case "response.function_call_arguments.done":
		// The done event's complete arguments are more reliable than the
		// accumulated deltas, which can have gaps on a slow/timed-out
		// stream, so it replaces rather than appends.
		var done struct {
			CallID    string `json:"call_id"`
			Arguments string `json:"arguments"`
		}
		if err := json.Unmarshal(data, &done); err != nil {
			return nil, false
		}
		return &PartialResponse{Kind: PartialDelta, Index: codexIndex(done.CallID), JSONDelta: done.Arguments, Replace: true}, true

	case "response.output_text.delta":
		var delta struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, false
		}
		return &PartialResponse{Kind: PartialDelta, TextDelta: delta.Delta}, true

	case "response.completed":
		var completed struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &completed); err != nil {
			return nil, false
		}
		return &PartialResponse{Kind: PartialMessageStop, StopReason: completed.Status}, true

	default:
		return nil, false
	}
}
