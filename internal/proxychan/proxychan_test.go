package proxychan

import (
	"encoding/json"
	"testing"

	"github.com/follgate/tollbooth/internal/correlate"
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/intercept"
	"github.com/follgate/tollbooth/internal/parsers"
	"github.com/follgate/tollbooth/internal/storage"
)

type fakeHandler struct {
	requests  []*domain.Flow
	responses []*domain.Flow
}

func (f *fakeHandler) HandleRequest(flow *domain.Flow)  { f.requests = append(f.requests, flow) }
func (f *fakeHandler) HandleResponse(flow *domain.Flow) { f.responses = append(f.responses, flow) }

type fakeUI struct{ events []string }

func (u *fakeUI) Broadcast(event string, payload any) { u.events = append(u.events, event) }

func newTestChannel(t *testing.T) (*Channel, *storage.Storage, *fakeHandler) {
	t.Helper()
	st, err := storage.New(storage.NewPersister("", false, false, false, false, false, nil), nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	handler := &fakeHandler{}
	ch := New(st, parsers.NewRegistry(), correlate.New(st), handler, &fakeUI{}, nil)
	return ch, st, handler
}

const anthropicRequestBody = `{"model":"claude-3-opus","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`

func TestHandleRequestMessageParsesAndDispatches(t *testing.T) {
	ch, _, handler := newTestChannel(t)

	msg := flowMessage{
		Type: "request",
		Flow: domain.Flow{
			FlowID: "f1",
			Request: domain.Request{
				Host: "api.anthropic.com",
				Path: "/v1/messages",
				Body: anthropicRequestBody,
			},
		},
	}
	data, _ := json.Marshal(msg)
	ch.handleInbound(data)

	if len(handler.requests) != 1 {
		t.Fatalf("expected HandleRequest to be called once, got %d", len(handler.requests))
	}
	got := handler.requests[0]
	if !got.IsLLMAPI {
		t.Fatalf("expected the flow to be recognized as an LLM API call")
	}
	if got.Parsed == nil || got.Parsed.Model != "claude-3-opus" {
		t.Fatalf("expected a parsed request with model claude-3-opus, got %+v", got.Parsed)
	}
}

func TestHandleRequestMessageNonLLMHostSkipsParsing(t *testing.T) {
	ch, _, handler := newTestChannel(t)

	msg := flowMessage{Type: "request", Flow: domain.Flow{FlowID: "f2", Request: domain.Request{Host: "example.com", Path: "/"}}}
	data, _ := json.Marshal(msg)
	ch.handleInbound(data)

	if len(handler.requests) != 1 {
		t.Fatalf("expected dispatch regardless of parse outcome")
	}
	if handler.requests[0].IsLLMAPI {
		t.Fatalf("expected a non-LLM flow to stay unflagged")
	}
}

func TestHandleInboundUnknownTypeDoesNotPanic(t *testing.T) {
	ch, _, handler := newTestChannel(t)
	ch.handleInbound([]byte(`{"type":"something_new"}`))
	if len(handler.requests) != 0 || len(handler.responses) != 0 {
		t.Fatalf("expected an unknown message type to be ignored")
	}
}

func TestStreamChunkAccumulatesThenResponseFinalizes(t *testing.T) {
	ch, st, handler := newTestChannel(t)

	flow := &domain.Flow{FlowID: "stream-1", Request: domain.Request{Host: "api.anthropic.com", Path: "/v1/messages"}}
	st.SaveFlow(flow)

	chunk1 := `event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

`
	chunk2 := `event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

`
	ch.handleInbound(mustMarshal(streamChunkMessage{Type: "stream_chunk", FlowID: "stream-1", Chunk: chunk1}))
	ch.handleInbound(mustMarshal(streamChunkMessage{Type: "stream_chunk", FlowID: "stream-1", Chunk: chunk2}))

	if _, ok := ch.accumulators["stream-1"]; !ok {
		t.Fatalf("expected an accumulator to be created for the streaming flow")
	}

	respMsg := flowMessage{Type: "response", Flow: domain.Flow{
		FlowID:  "stream-1",
		Request: flow.Request,
		Response: &domain.Response{StatusCode: 200},
	}}
	ch.handleInbound(mustMarshal(respMsg))

	if len(handler.responses) != 1 {
		t.Fatalf("expected HandleResponse to be called once, got %d", len(handler.responses))
	}
	got := handler.responses[0]
	if got.ParsedResponse == nil {
		t.Fatalf("expected the accumulator to have produced a parsed response")
	}
	if len(got.ParsedResponse.Content) != 1 || got.ParsedResponse.Content[0].Text != "Hello" {
		t.Fatalf("expected accumulated text %q, got %+v", "Hello", got.ParsedResponse.Content)
	}
	if _, ok := ch.accumulators["stream-1"]; ok {
		t.Fatalf("expected the accumulator to be removed after finalize")
	}
}

func TestRequestModifiedUpdatesStoredFlow(t *testing.T) {
	ch, st, _ := newTestChannel(t)
	flow := &domain.Flow{FlowID: "mod-1", Request: domain.Request{Body: "original"}}
	st.SaveFlow(flow)

	msg := requestModifiedMessage{
		Type:            "request_modified",
		FlowID:          "mod-1",
		OriginalRequest: domain.Request{Body: "original"},
		ModifiedRequest: domain.Request{Body: "modified"},
	}
	ch.handleInbound(mustMarshal(msg))

	got, ok := st.GetFlow("mod-1")
	if !ok {
		t.Fatalf("expected the flow to still exist")
	}
	if got.Request.Body != "modified" {
		t.Fatalf("expected request body %q, got %q", "modified", got.Request.Body)
	}
	if !got.RequestModified {
		t.Fatalf("expected request_modified = true")
	}
	if got.OriginalRequest == nil || got.OriginalRequest.Body != "original" {
		t.Fatalf("expected original_request to be snapshotted")
	}
}

func TestForwardSendsOutboundCommandToActiveSession(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	sess := &session{send: make(chan []byte, 8)}
	ch.mu.Lock()
	ch.session = sess
	ch.mu.Unlock()

	ch.Forward("flow-x")

	select {
	case data := <-sess.send:
		var cmd flowCmd
		if err := json.Unmarshal(data, &cmd); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if cmd.Cmd != "forward" || cmd.FlowID != "flow-x" {
			t.Fatalf("unexpected command: %+v", cmd)
		}
	default:
		t.Fatalf("expected a command to be enqueued")
	}
}

func TestForwardModifiedWithNoActiveSessionDoesNotPanic(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	body := "new body"
	ch.ForwardModified("flow-y", intercept.Modifications{Body: &body})
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
