// Package parsers implements the per-provider request/response/chunk
// parsing (L3) into a common LLM shape. Every parser is total: malformed
// input yields ok=false rather than a panic or an error, so a flow that
// fails to parse simply continues as a non-LLM flow.
package parsers

import "encoding/json"

// Provider names a native LLM API shape.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderCodex     Provider = "codex" // OpenAI-compatible Responses-style endpoint
)

// ContentBlockType enumerates the block kinds a message or response can carry.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockImage      ContentBlockType = "image"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
	BlockThinking   ContentBlockType = "thinking"
)

// ContentBlock is one unit of message/response content, normalized across
// providers.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// tool_result
	ToolResultFor string `json:"tool_result_for,omitempty"`
	ToolResult    string `json:"tool_result,omitempty"`
	IsError       bool   `json:"is_error,omitempty"`

	// image
	ImageMediaType string `json:"image_media_type,omitempty"`
	ImageData      string `json:"image_data,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Message is one turn of conversation content.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Tool is a tool/function definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ParsedRequest is the normalized shape of an LLM API request body.
type ParsedRequest struct {
	Provider    Provider        `json:"provider"`
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Usage is token accounting, when the provider reports it.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ParsedResponse is the normalized shape of an LLM API response body, or of
// a fully-accumulated stream.
type ParsedResponse struct {
	Provider   Provider        `json:"provider"`
	Content    []ContentBlock  `json:"content"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// PartialResponse is one streaming event, decoded into the closest common
// shape the stream accumulator (M2) needs: which content index started,
// which delta kind landed, or that the stream stopped.
type PartialResponse struct {
	Kind       PartialKind
	Index      int
	BlockType  ContentBlockType // set on Kind == PartialStart
	ToolName   string           // Kind == PartialStart, tool_use only
	ToolUseID  string           // Kind == PartialStart, tool_use only
	TextDelta  string           // Kind == PartialDelta, text/thinking
	JSONDelta  string           // Kind == PartialDelta, tool_use input_json accumulation
	Signature  string           // Kind == PartialDelta, thinking signature_delta
	Replace    bool             // Kind == PartialDelta: replace the buffer instead of appending
	                            // (Codex's function_call_arguments.done supersedes its deltas;
	                            // Google's chunk-as-snapshot protocol supersedes every prior chunk)
	StopReason string           // Kind == PartialStop / PartialMessageStop
	Model      string           // set when the provider reports it mid-stream
	Usage      *Usage
}

// PartialKind discriminates the handful of streaming events the
// accumulator understands, mirroring §4.5's "start-of-block, delta, stop".
type PartialKind int

const (
	PartialStart PartialKind = iota
	PartialDelta
	PartialStop
	PartialMessageStop
	PartialIgnored
)

// Parser is implemented once per provider. New providers register another
// implementation; no switch statement outside the registry (§9).
type Parser interface {
	Provider() Provider
	CanParse(host, path string) bool
	ParseRequest(raw []byte) (*ParsedRequest, bool)
	ParseResponse(raw []byte) (*ParsedResponse, bool)
	ParseStreamChunk(eventType string, data []byte) (*PartialResponse, bool)
}
