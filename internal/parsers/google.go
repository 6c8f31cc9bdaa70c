package parsers

import (
	"encoding/json"
	"strings"
)

// GoogleParser parses the Gemini `generateContent` / `streamGenerateContent`
// shape: `contents[].parts[]` with `text` / `functionCall` / `functionResponse`
// / `inlineData` parts, and a response `candidates[0].content.parts[]` with
// the same vocabulary. Streaming responses are whole-JSON-object SSE frames
// rather than typed deltas, so each chunk carries a full (possibly partial)
// candidate that the accumulator folds in as a single delta.
type GoogleParser struct{}

func (GoogleParser) Provider() Provider { return ProviderGoogle }

func (GoogleParser) CanParse(host, path string) bool {
	return strings.Contains(host, "generativelanguage.googleapis.com") || strings.Contains(path, "GenerateContent")
}

type googlePart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *googleFunctionCall `json:"functionCall,omitempty"`
	InlineData   *googleInlineData   `json:"inlineData,omitempty"`
	Thought      bool                `json:"thought,omitempty"`
}

type googleFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts,omitempty"`
}

type googleRequestBody struct {
	Contents         []googleContent `json:"contents"`
	SystemInstruction *googleContent `json:"systemInstruction,omitempty"`
	GenerationConfig *struct {
		MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
		Temperature     *float64 `json:"temperature,omitempty"`
	} `json:"generationConfig,omitempty"`
	Tools []struct {
		FunctionDeclarations []struct {
			Name        string         `json:"name"`
			Description string         `json:"description,omitempty"`
			Parameters  map[string]any `json:"parameters,omitempty"`
		} `json:"functionDeclarations"`
	} `json:"tools,omitempty"`
}

// google does not put the model name in the body; it is a path segment
// (models/gemini-1.5-pro:generateContent). The path is threaded in via
// the host/path-agnostic ParseRequest contract by having the caller (the
// proxy channel, which owns the route) set Model from the route if this
// returns an empty model; here we best-effort extract nothing from the body.
func (GoogleParser) ParseRequest(raw []byte) (*ParsedRequest, bool) {
	var body googleRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if len(body.Contents) == 0 {
		return nil, false
	}
	pr := &ParsedRequest{Provider: ProviderGoogle, Raw: raw}
	if body.GenerationConfig != nil {
		pr.MaxTokens = body.GenerationConfig.MaxOutputTokens
		pr.Temperature = body.GenerationConfig.Temperature
	}
	if body.SystemInstruction != nil {
		for _, p := range body.SystemInstruction.Parts {
			pr.System += p.Text
		}
	}
	for _, t := range body.Tools {
		for _, fd := range t.FunctionDeclarations {
			pr.Tools = append(pr.Tools, Tool{Name: fd.Name, Description: fd.Description, Parameters: fd.Parameters})
		}
	}
	for _, c := range body.Contents {
		role := c.Role
		if role == "" {
			role = "user"
		}
		pr.Messages = append(pr.Messages, Message{Role: role, Content: googleDecodeParts(c.Parts)})
	}
	return pr, true
}

func googleDecodeParts(parts []googlePart) []ContentBlock {
	out := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch {
		case p.FunctionCall != nil:
			out = append(out, ContentBlock{Type: BlockToolUse, ToolName: p.FunctionCall.Name, ToolInput: p.FunctionCall.Args})
		case p.InlineData != nil:
			out = append(out, ContentBlock{Type: BlockImage, ImageMediaType: p.InlineData.MimeType, ImageData: p.InlineData.Data})
		case p.Thought:
			out = append(out, ContentBlock{Type: BlockThinking, Thinking: p.Text})
		default:
			out = append(out, ContentBlock{Type: BlockText, Text: p.Text})
		}
	}
	return out
}

type googleResponseBody struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason,omitempty"`
	} `json:"candidates"`
	ModelVersion string `json:"modelVersion,omitempty"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (GoogleParser) ParseResponse(raw []byte) (*ParsedResponse, bool) {
	var body googleResponseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, false
	}
	if len(body.Candidates) == 0 {
		return nil, false
	}
	cand := body.Candidates[0]
	pr := &ParsedResponse{
		Provider:   ProviderGoogle,
		Model:      body.ModelVersion,
		StopReason: cand.FinishReason,
		Content:    googleDecodeParts(cand.Content.Parts),
		Raw:        raw,
	}
	if body.UsageMetadata != nil {
		pr.Usage = &Usage{InputTokens: body.UsageMetadata.PromptTokenCount, OutputTokens: body.UsageMetadata.CandidatesTokenCount}
	}
	return pr, true
}

// ParseStreamChunk treats each SSE data payload as a full (possibly partial)
// response object, since Gemini's streaming protocol emits whole candidate
// snapshots rather than incremental deltas; the accumulator is expected to
// replace rather than append on PartialDelta for this provider (see the
// Raw field note in the stream accumulator's Google handling).
func (GoogleParser) ParseStreamChunk(eventType string, data []byte) (*PartialResponse, bool) {
	resp, ok := GoogleParser{}.ParseResponse(data)
	if !ok {
		return nil, false
	}
	var text, thinking string
	var toolDelta *ContentBlock
	for _, b := range resp.Content {
		switch b.Type {
		case BlockText:
			text += b.Text
		case BlockThinking:
			thinking += b.Thinking
		case BlockToolUse:
			blk := b
			toolDelta = &blk
		}
	}
	if resp.StopReason != "" {
		return &PartialResponse{Kind: PartialStop, StopReason: resp.StopReason, Model: resp.Model, Usage: resp.Usage}, true
	}
	if toolDelta != nil {
		args, _ := json.Marshal(toolDelta.ToolInput)
		return &PartialResponse{
			Kind:      PartialDelta,
			BlockType: BlockToolUse,
			ToolName:  toolDelta.ToolName,
			JSONDelta: string(args),
			Replace:   true,
		}, true
	}
	if thinking != "" {
		return &PartialResponse{Kind: PartialDelta, TextDelta: thinking, Replace: true}, true
	}
	return &PartialResponse{Kind: PartialDelta, TextDelta: text, Replace: true}, true
}
