package streamaccum

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/follgate/tollbooth/internal/parsers"
)

func sseFrame(event, data string) []byte {
	if event == "" {
		return []byte("data: " + data + "\n\n")
	}
	return []byte("event: " + event + "\ndata: " + data + "\n\n")
}

// TestAnthropicHelloAccumulation reproduces the end-to-end scenario: an
// Anthropic SSE stream with two text deltas "Hel"/"lo" and a message_stop.
// The finalized response must have one text block reading "Hello" and
// raw.streaming == true.
func TestAnthropicHelloAccumulation(t *testing.T) {
	acc := New("flow-1", "api.anthropic.com", "/v1/messages", parsers.AnthropicParser{}, nil)
	base := time.Unix(0, 0)

	acc.Feed(sseFrame("content_block_start", `{"index":0,"content_block":{"type":"text","text":""}}`), base)
	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`), base)
	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"lo"}}`), base)
	acc.Feed(sseFrame("message_stop", `{}`), base)

	resp := acc.Finalize(base)
	if len(resp.Content) != 1 {
		t.Fatalf("expected one content block, got %d", len(resp.Content))
	}
	if resp.Content[0].Text != "Hello" {
		t.Fatalf("expected accumulated text %q, got %q", "Hello", resp.Content[0].Text)
	}

	var rawMeta struct {
		Streaming bool `json:"streaming"`
		Chunks    int  `json:"chunks"`
	}
	if err := json.Unmarshal(resp.Raw, &rawMeta); err != nil {
		t.Fatalf("raw metadata not valid json: %v", err)
	}
	if !rawMeta.Streaming {
		t.Fatalf("expected raw.streaming == true")
	}
	if rawMeta.Chunks != 4 {
		t.Fatalf("expected 4 accounted chunks, got %d", rawMeta.Chunks)
	}
}

func TestAnthropicToolUseAccumulation(t *testing.T) {
	acc := New("flow-2", "api.anthropic.com", "/v1/messages", parsers.AnthropicParser{}, nil)
	base := time.Unix(0, 0)

	acc.Feed(sseFrame("content_block_start", `{"index":0,"content_block":{"type":"tool_use","id":"call_1","name":"search"}}`), base)
	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`), base)
	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"input_json_delta","partial_json":"\"cats\"}"}}`), base)
	acc.Feed(sseFrame("message_stop", `{}`), base)

	resp := acc.Finalize(base)
	if len(resp.Content) != 1 || resp.Content[0].Type != parsers.BlockToolUse {
		t.Fatalf("expected one tool_use block, got %+v", resp.Content)
	}
	block := resp.Content[0]
	if block.ToolName != "search" || block.ToolUseID != "call_1" {
		t.Fatalf("expected tool name/id preserved, got %q/%q", block.ToolName, block.ToolUseID)
	}
	if block.ToolInput["q"] != "cats" {
		t.Fatalf("expected accumulated tool input q=cats, got %v", block.ToolInput)
	}
}

func TestOpenAIToolCallStartAndArgsInSameChunk(t *testing.T) {
	acc := New("flow-3", "api.openai.com", "/v1/chat/completions", parsers.OpenAIParser{}, nil)
	base := time.Unix(0, 0)

	acc.Feed(sseFrame("", `{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_9","function":{"name":"lookup","arguments":"{\"k\":"}}]}}}]}`), base)
	acc.Feed(sseFrame("", `{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}}]}`), base)
	acc.Feed(sseFrame("", `{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`), base)

	resp := acc.Finalize(base)
	if len(resp.Content) != 1 {
		t.Fatalf("expected one accumulated tool call, got %+v", resp.Content)
	}
	b := resp.Content[0]
	if b.ToolName != "lookup" || b.ToolUseID != "call_9" {
		t.Fatalf("expected tool name/id captured from the combined start+args chunk, got %q/%q", b.ToolName, b.ToolUseID)
	}
	if b.ToolInput["k"] != float64(1) {
		t.Fatalf("expected accumulated arguments k=1, got %v", b.ToolInput)
	}
	if resp.StopReason != "tool_calls" {
		t.Fatalf("expected stop reason propagated, got %q", resp.StopReason)
	}
}

func TestPartialEmitThrottled(t *testing.T) {
	var snaps []Snapshot
	acc := New("flow-4", "api.anthropic.com", "/v1/messages", parsers.AnthropicParser{}, func(s Snapshot) {
		snaps = append(snaps, s)
	})
	base := time.Unix(0, 0)

	acc.Feed(sseFrame("content_block_start", `{"index":0,"content_block":{"type":"text","text":""}}`), base)
	if len(snaps) != 1 {
		t.Fatalf("expected first chunk to emit immediately, got %d emits", len(snaps))
	}

	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"a"}}`), base.Add(50*time.Millisecond))
	if len(snaps) != 1 {
		t.Fatalf("expected no emit before the throttle interval elapses, got %d", len(snaps))
	}

	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"b"}}`), base.Add(150*time.Millisecond))
	if len(snaps) != 2 {
		t.Fatalf("expected a second emit once >=100ms has elapsed, got %d", len(snaps))
	}
}

func TestFinalizeAlwaysEmitsEvenWithinThrottleWindow(t *testing.T) {
	var snaps []Snapshot
	acc := New("flow-5", "api.anthropic.com", "/v1/messages", parsers.AnthropicParser{}, func(s Snapshot) {
		snaps = append(snaps, s)
	})
	base := time.Unix(0, 0)
	acc.Feed(sseFrame("content_block_start", `{"index":0,"content_block":{"type":"text","text":""}}`), base)
	acc.Feed(sseFrame("content_block_delta", `{"index":0,"delta":{"type":"text_delta","text":"hi"}}`), base.Add(5*time.Millisecond))
	before := len(snaps)
	acc.Finalize(base.Add(6 * time.Millisecond))
	if len(snaps) != before+1 {
		t.Fatalf("expected Finalize to emit unconditionally regardless of throttle window")
	}
}
