package correlate

import (
	"testing"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/parsers"
)

type fakeStore struct {
	byFingerprint map[string]*domain.Conversation
}

func newFakeStore() *fakeStore {
	return &fakeStore{byFingerprint: map[string]*domain.Conversation{}}
}

func (s *fakeStore) ConversationByFingerprint(fp string) (*domain.Conversation, bool) {
	c, ok := s.byFingerprint[fp]
	return c, ok
}

func (s *fakeStore) SaveConversation(c *domain.Conversation) {
	s.byFingerprint[c.CorrelationHash] = c
}

func userMsg(text string) parsers.Message {
	return parsers.Message{Role: "user", Content: []parsers.ContentBlock{{Type: parsers.BlockText, Text: text}}}
}

func TestFingerprintStableAcrossGenerationParams(t *testing.T) {
	mt1, mt2 := 100, 200
	r1 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hello")}, MaxTokens: &mt1}
	r2 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hello")}, MaxTokens: &mt2, Temperature: ptrF(0.9), Stream: true}
	if Fingerprint(r1) != Fingerprint(r2) {
		t.Fatalf("fingerprint must ignore max_tokens/temperature/stream")
	}
}

func ptrF(f float64) *float64 { return &f }

func TestOnRequestAppendsTurnWhenGrowing(t *testing.T) {
	store := newFakeStore()
	c := New(store)

	r1 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hi")}}
	conv := c.OnRequest("flow-1", r1, 1000)
	if len(conv.Turns) != 1 {
		t.Fatalf("expected a new conversation with one turn")
	}

	r2 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hi"), userMsg("hi"), {Role: "assistant"}}}
	conv2 := c.OnRequest("flow-2", r2, 1001)
	if conv2.ConversationID != conv.ConversationID {
		t.Fatalf("expected the second request to join the same conversation")
	}
	if len(conv2.Turns) != 2 {
		t.Fatalf("expected a second turn appended, got %d", len(conv2.Turns))
	}
}

func TestOnRequestStartsNewConversationWhenNotGrowing(t *testing.T) {
	store := newFakeStore()
	c := New(store)

	r1 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hi"), userMsg("hi"), {Role: "assistant"}}}
	conv := c.OnRequest("flow-1", r1, 1000)

	r2 := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hi")}}
	conv2 := c.OnRequest("flow-2", r2, 1001)
	if conv2.ConversationID == conv.ConversationID {
		t.Fatalf("expected a non-growing message count to start a new conversation")
	}
}

func TestOnResponseAttachesByFlowID(t *testing.T) {
	store := newFakeStore()
	c := New(store)
	req := &parsers.ParsedRequest{Model: "claude-3", Messages: []parsers.Message{userMsg("hi")}}
	conv := c.OnRequest("flow-1", req, 1000)

	resp := &parsers.ParsedResponse{Provider: parsers.ProviderAnthropic, Content: []parsers.ContentBlock{{Type: parsers.BlockText, Text: "hey"}}}
	c.OnResponse(conv, "flow-1", resp, 1001)

	if conv.Turns[0].Response == nil || conv.Turns[0].Response.Content[0].Text != "hey" {
		t.Fatalf("expected response attached to the matching turn")
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	store := newFakeStore()
	flows := []RebuildableFlow{
		{FlowID: "f2", Timestamp: 200, Request: &parsers.ParsedRequest{Model: "gpt-4", Messages: []parsers.Message{userMsg("a"), userMsg("a"), {Role: "assistant"}}}},
		{FlowID: "f1", Timestamp: 100, Request: &parsers.ParsedRequest{Model: "gpt-4", Messages: []parsers.Message{userMsg("a")}}},
	}
	Rebuild(store, flows)
	first := len(store.byFingerprint)

	Rebuild(store, flows)
	second := len(store.byFingerprint)
	if first != second {
		t.Fatalf("rebuild must be idempotent, got %d then %d conversations", first, second)
	}
}
