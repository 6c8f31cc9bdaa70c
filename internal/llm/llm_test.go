package llm

import (
	"context"
	"testing"
)

type fakeClient struct{ reply string }

func (f fakeClient) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	return f.reply, nil
}

func TestMultiClientDispatchesByProvider(t *testing.T) {
	m := NewMultiClient("anthropic")
	m.Register("anthropic", fakeClient{reply: "from anthropic"})
	m.Register("openai", fakeClient{reply: "from openai"})

	got, err := m.Chat(context.Background(), "openai", "gpt-4", nil)
	if err != nil || got != "from openai" {
		t.Fatalf("expected explicit provider dispatch, got %q err=%v", got, err)
	}

	got, err = m.Chat(context.Background(), "", "claude-3", nil)
	if err != nil || got != "from anthropic" {
		t.Fatalf("expected fallback provider dispatch, got %q err=%v", got, err)
	}
}

func TestMultiClientUnknownProvider(t *testing.T) {
	m := NewMultiClient("anthropic")
	if _, err := m.Chat(context.Background(), "unknown", "m", nil); err == nil {
		t.Fatalf("expected error for unregistered provider")
	}
}
