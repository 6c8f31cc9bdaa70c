package intercept

import (
	"regexp"
	"testing"
	"time"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/storage"
)

type fakeProxy struct {
	forwarded         []string
	forwardedModified []Modifications
	dropped           []string
	responsesForward  []string
	responsesModified []Modifications
}

func (f *fakeProxy) Forward(flowID string) { f.forwarded = append(f.forwarded, flowID) }
func (f *fakeProxy) ForwardModified(flowID string, mods Modifications) {
	f.forwardedModified = append(f.forwardedModified, mods)
}
func (f *fakeProxy) Drop(flowID string) { f.dropped = append(f.dropped, flowID) }
func (f *fakeProxy) ForwardResponse(flowID string) {
	f.responsesForward = append(f.responsesForward, flowID)
}
func (f *fakeProxy) ForwardResponseModified(flowID string, mods Modifications) {
	f.responsesModified = append(f.responsesModified, mods)
}

type fakeUI struct{ events []string }

func (u *fakeUI) Broadcast(event string, payload any) { u.events = append(u.events, event) }

func newTestManager(t *testing.T) (*Manager, *storage.Storage, *fakeProxy) {
	t.Helper()
	st, err := storage.New(storage.NewPersister("", false, false, false, false, false, nil), nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	proxy := &fakeProxy{}
	ui := &fakeUI{}
	mgr := NewManager(st, nil, nil, nil, proxy, ui, "", nil)
	return mgr, st, proxy
}

// Scenario 1: static body replace (§8.1).
func TestStaticBodyReplace(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	r1 := st.AddRule(&domain.Rule{
		Name: "r1", Enabled: true, Direction: domain.DirectionRequest,
		Filter: domain.Filter{Host: &domain.StringPredicate{Value: "api.example.com", Mode: domain.MatchContains}},
		Action: domain.Action{Type: domain.ActionModifyStatic, ReplaceBody: strPtr("{{uuid}}-ok")},
	})

	flow := &domain.Flow{
		FlowID:  "f1",
		Request: domain.Request{Host: "api.example.com", Body: "ignored"},
	}
	mgr.HandleRequest(flow)

	if len(proxy.forwardedModified) != 1 {
		t.Fatalf("expected exactly one forward_modified, got %d", len(proxy.forwardedModified))
	}
	body := *proxy.forwardedModified[0].Body
	if !regexp.MustCompile(`^[0-9a-f-]{36}-ok$`).MatchString(body) {
		t.Fatalf("expected body of form <uuid>-ok, got %q", body)
	}
	if flow.OriginalRequest == nil || flow.OriginalRequest.Body != "ignored" {
		t.Fatalf("expected original_request.body to be preserved as %q", "ignored")
	}
	if !flow.RequestModified {
		t.Fatalf("expected request_modified = true")
	}
	if flow.RequestModifiedByRule == nil || *flow.RequestModifiedByRule != r1.ID {
		t.Fatalf("expected request_modified_by_rule to be %q", r1.ID)
	}
}

// Scenario 2: fall-through of a no-op rule (§8.2).
func TestFallThroughOfNoOpRule(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	st.AddRule(&domain.Rule{
		Name: "A", Enabled: true, Direction: domain.DirectionRequest, Priority: 1,
		Action: domain.Action{Type: domain.ActionModifyStatic, FindReplaces: []domain.FindReplace{{Find: "X", Replace: "X"}}},
	})
	st.AddRule(&domain.Rule{
		Name: "B", Enabled: true, Direction: domain.DirectionRequest, Priority: 2,
		Action: domain.Action{Type: domain.ActionModifyStatic, ReplaceBody: strPtr("Y")},
	})

	flow := &domain.Flow{FlowID: "f2", Request: domain.Request{Body: "Z"}}
	mgr.HandleRequest(flow)

	if len(proxy.forwardedModified) != 1 {
		t.Fatalf("expected exactly one forward_modified, got %d", len(proxy.forwardedModified))
	}
	if got := *proxy.forwardedModified[0].Body; got != "Y" {
		t.Fatalf("expected final body %q, got %q", "Y", got)
	}
}

// Scenario 3: round-robin serve-from-store on the response side (§8.3).
func TestRoundRobinServeFromStoreResponse(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	st.PutStoredResponse(&domain.StoredResponse{Key: "k1", Body: "body-k1", StatusCode: 200}, 0)
	st.PutStoredResponse(&domain.StoredResponse{Key: "k2", Body: "body-k2", StatusCode: 200}, 0)
	st.AddRule(&domain.Rule{
		Name: "r", Enabled: true, Direction: domain.DirectionResponse,
		Action: domain.Action{Type: domain.ActionServeFromStore, StoreKeys: []string{"k1", "k2"}, StoreKeyMode: domain.StoreKeyRoundRobin},
	})

	want := []string{"body-k1", "body-k2", "body-k1"}
	for i, w := range want {
		flow := &domain.Flow{FlowID: "rr" + string(rune('0'+i)), Response: &domain.Response{StatusCode: 200}}
		mgr.HandleResponse(flow)
		got := *proxy.responsesModified[i].Body
		if got != w {
			t.Fatalf("iteration %d: expected body %q, got %q", i, w, got)
		}
	}
}

// Scenario 5: intercept timeout sweep (§8.5).
func TestIntercepTimeoutSweep(t *testing.T) {
	mgr, _, proxy := newTestManager(t)
	flow := &domain.Flow{FlowID: "timeout-1", Request: domain.Request{}}
	mgr.enqueue(flow, domain.PendingRequest)
	pending, _ := mgr.queue.Get("timeout-1")

	// Not yet due: sweeping at t0 leaves the entry in place.
	if got := mgr.queue.Sweep(time.UnixMilli(pending.Timestamp)); len(got) != 0 {
		t.Fatalf("expected no entries swept before the timeout, got %d", len(got))
	}

	swept := mgr.queue.Sweep(time.Now().Add(6 * time.Minute))
	if len(swept) != 1 || swept[0].FlowID != "timeout-1" {
		t.Fatalf("expected the stale entry to be swept, got %+v", swept)
	}
	if _, ok := mgr.queue.Get("timeout-1"); ok {
		t.Fatalf("expected the entry to be gone after sweep")
	}
	_ = proxy
}

// A timeout-immune entry must never be swept (§8's timeout sweep property).
func TestIntercepTimeoutImmuneNeverSwept(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	flow := &domain.Flow{FlowID: "immune-1"}
	mgr.enqueue(flow, domain.PendingResponse)
	mgr.SetTimeoutImmune("immune-1", true)

	swept := mgr.queue.Sweep(time.Now().Add(time.Hour))
	if len(swept) != 0 {
		t.Fatalf("expected immune entry to survive the sweep, got %+v", swept)
	}
}

func TestIntercepModeEntersQueueWhenNoRuleMatches(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	st.SetInterceptMode(domain.ModeInterceptAll)

	flow := &domain.Flow{FlowID: "intercept-all-1"}
	mgr.HandleRequest(flow)

	if len(proxy.forwarded) != 0 {
		t.Fatalf("expected no immediate forward under intercept_all")
	}
	if _, ok := mgr.queue.Get("intercept-all-1"); !ok {
		t.Fatalf("expected the flow to be queued for manual approval")
	}
}

func TestForwardReleasesPendingIntercept(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	st.SetInterceptMode(domain.ModeInterceptAll)

	flow := &domain.Flow{FlowID: "release-1"}
	mgr.HandleRequest(flow)

	if !mgr.Forward("release-1") {
		t.Fatalf("expected Forward to succeed")
	}
	if len(proxy.forwarded) != 1 || proxy.forwarded[0] != "release-1" {
		t.Fatalf("expected the flow to be forwarded, got %+v", proxy.forwarded)
	}
	if _, ok := mgr.queue.Get("release-1"); ok {
		t.Fatalf("expected the pending entry to be gone")
	}
}

func TestAutoHideMarksFlowAfterForwarding(t *testing.T) {
	mgr, st, proxy := newTestManager(t)
	st.AddRule(&domain.Rule{
		Name: "hide", Enabled: true, Direction: domain.DirectionResponse,
		Action: domain.Action{Type: domain.ActionAutoHide},
	})
	flow := &domain.Flow{FlowID: "hide-1", Response: &domain.Response{StatusCode: 200}}
	mgr.HandleResponse(flow)

	if len(proxy.responsesForward) != 1 {
		t.Fatalf("expected the response to be forwarded")
	}
	if !flow.Hidden {
		t.Fatalf("expected the flow to be marked hidden")
	}
}

func strPtr(s string) *string { return &s }
