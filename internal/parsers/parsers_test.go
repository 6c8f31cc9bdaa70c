package parsers

import "testing"

func TestAnthropicParseRequest(t *testing.T) {
	body := []byte(`{"model":"claude-3-opus","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	pr, ok := AnthropicParser{}.ParseRequest(body)
	if !ok {
		t.Fatal("expected ok")
	}
	if pr.Model != "claude-3-opus" || len(pr.Messages) != 1 {
		t.Fatalf("unexpected parse: %+v", pr)
	}
	if pr.Messages[0].Content[0].Text != "hi" {
		t.Fatalf("expected text content, got %+v", pr.Messages[0].Content)
	}
}

func TestAnthropicParseMalformedReturnsFalse(t *testing.T) {
	_, ok := AnthropicParser{}.ParseRequest([]byte(`not json`))
	if ok {
		t.Fatal("malformed input must not parse")
	}
	_, ok2 := AnthropicParser{}.ParseRequest([]byte(`{}`))
	if ok2 {
		t.Fatal("missing model must not parse")
	}
}

func TestAnthropicStreamTextDeltaAccumulation(t *testing.T) {
	p := AnthropicParser{}
	start, ok := p.ParseStreamChunk("content_block_start", []byte(`{"index":0,"content_block":{"type":"text","text":""}}`))
	if !ok || start.Kind != PartialStart || start.BlockType != BlockText {
		t.Fatalf("unexpected start event: %+v ok=%v", start, ok)
	}
	d1, ok := p.ParseStreamChunk("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"Hel"}}`))
	if !ok || d1.TextDelta != "Hel" {
		t.Fatalf("unexpected delta: %+v", d1)
	}
	d2, ok := p.ParseStreamChunk("content_block_delta", []byte(`{"index":0,"delta":{"type":"text_delta","text":"lo"}}`))
	if !ok || d2.TextDelta != "lo" {
		t.Fatalf("unexpected delta: %+v", d2)
	}
	stop, ok := p.ParseStreamChunk("message_stop", nil)
	if !ok || stop.Kind != PartialMessageStop {
		t.Fatalf("unexpected stop: %+v", stop)
	}
}

func TestOpenAIParseResponseToolCalls(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","choices":[{"message":{"role":"assistant","tool_calls":[{"id":"call_1","type":"function","function":{"name":"exec","arguments":"{\"cmd\":\"ls\"}"}}]},"finish_reason":"tool_calls"}]}`)
	pr, ok := OpenAIParser{}.ParseResponse(body)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(pr.Content) != 1 || pr.Content[0].ToolName != "exec" {
		t.Fatalf("unexpected content: %+v", pr.Content)
	}
	if pr.Content[0].ToolInput["cmd"] != "ls" {
		t.Fatalf("expected parsed arguments, got %+v", pr.Content[0].ToolInput)
	}
}

func TestCodexParseResponseFunctionCall(t *testing.T) {
	body := []byte(`{"id":"resp_1","status":"completed","output":[{"type":"function_call","call_id":"call_abc","name":"read","arguments":"{\"path\":\"/etc/passwd\"}"}]}`)
	pr, ok := CodexParser{}.ParseResponse(body)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(pr.Content) != 1 || pr.Content[0].ToolUseID != "call_abc" {
		t.Fatalf("unexpected content: %+v", pr.Content)
	}
}

func TestGoogleParseRequestFunctionCall(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}],"tools":[{"functionDeclarations":[{"name":"lookup"}]}]}`)
	pr, ok := GoogleParser{}.ParseRequest(body)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(pr.Tools) != 1 || pr.Tools[0].Name != "lookup" {
		t.Fatalf("unexpected tools: %+v", pr.Tools)
	}
}

func TestRegistrySelectByHostAndPath(t *testing.T) {
	r := NewRegistry()
	if r.Select("api.anthropic.com", "/v1/messages").Provider() != ProviderAnthropic {
		t.Fatal("expected anthropic parser")
	}
	if r.Select("api.openai.com", "/v1/chat/completions").Provider() != ProviderOpenAI {
		t.Fatal("expected openai parser")
	}
	if r.Select("unknown.example.com", "/nope") != nil {
		t.Fatal("expected no match")
	}
}
