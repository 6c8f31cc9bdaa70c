package storage

import (
	"os"
	"testing"

	"github.com/follgate/tollbooth/internal/domain"
)

func newMemStorage(t *testing.T) *Storage {
	t.Helper()
	p := NewPersister("", false, false, false, false, false, nil)
	s, err := New(p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFlowRoundTripInMemory(t *testing.T) {
	s := newMemStorage(t)
	f := &domain.Flow{FlowID: "flow-1", Timestamp: 100, Request: domain.Request{Host: "api.anthropic.com", Method: "POST"}}
	s.SaveFlow(f)

	got, ok := s.GetFlow("flow-1")
	if !ok || got.FlowID != "flow-1" {
		t.Fatalf("expected flow-1 to round trip")
	}
	if len(s.ListFlows()) != 1 {
		t.Fatalf("expected 1 flow listed")
	}
	if !s.DeleteFlow("flow-1") {
		t.Fatalf("expected delete to report success")
	}
	if _, ok := s.GetFlow("flow-1"); ok {
		t.Fatalf("expected flow-1 to be gone after delete")
	}
}

func TestQueryFlowsFallsBackToMemoryScanWithoutIndex(t *testing.T) {
	s := newMemStorage(t)
	s.SaveFlow(&domain.Flow{FlowID: "a", Timestamp: 1, IsLLMAPI: true, Request: domain.Request{Host: "api.openai.com"}})
	s.SaveFlow(&domain.Flow{FlowID: "b", Timestamp: 2, IsLLMAPI: false, Request: domain.Request{Host: "example.com"}})

	llm := true
	got := s.QueryFlows(FlowIndexQuery{IsLLMAPI: &llm})
	if len(got) != 1 || got[0].FlowID != "a" {
		t.Fatalf("expected only the llm flow, got %+v", got)
	}
}

func TestRuleAddAssignsShortIDAndSurvivesRemoveWithoutReuse(t *testing.T) {
	s := newMemStorage(t)
	r := s.AddRule(&domain.Rule{Name: "one", Enabled: true, Direction: domain.DirectionRequest})
	if r.ShortID == "" {
		t.Fatalf("expected a short id assigned on add")
	}
	first := r.ShortID

	if !s.RemoveRule(r.ID) {
		t.Fatalf("expected remove to succeed")
	}
	if s.GetRule(r.ID) != nil {
		t.Fatalf("expected rule to be gone")
	}

	r2 := s.AddRule(&domain.Rule{Name: "two", Enabled: true, Direction: domain.DirectionRequest})
	if r2.ShortID == first {
		t.Fatalf("expected a new short id, got reused %q", first)
	}
}

func TestGetRuleAcceptsShortID(t *testing.T) {
	s := newMemStorage(t)
	r := s.AddRule(&domain.Rule{Name: "one", Enabled: true, Direction: domain.DirectionRequest})
	if got := s.GetRule(r.ShortID); got == nil || got.ID != r.ID {
		t.Fatalf("expected lookup by short id %q to resolve", r.ShortID)
	}
}

func TestSettingsDefaultAndMutation(t *testing.T) {
	s := newMemStorage(t)
	if got := s.Settings(); got != domain.DefaultSettings() {
		t.Fatalf("expected default settings, got %+v", got)
	}
	s.SetInterceptMode(domain.ModeInterceptAll)
	s.SetRulesEnabled(false)
	got := s.Settings()
	if got.InterceptMode != domain.ModeInterceptAll || got.RulesEnabled {
		t.Fatalf("expected mutated settings, got %+v", got)
	}
}

func TestConversationByFingerprintImplementsCorrelateStore(t *testing.T) {
	s := newMemStorage(t)
	c := &domain.Conversation{ConversationID: "c1", CorrelationHash: "fp1"}
	s.SaveConversation(c)

	got, ok := s.ConversationByFingerprint("fp1")
	if !ok || got.ConversationID != "c1" {
		t.Fatalf("expected conversation lookup by fingerprint to succeed")
	}
}

func TestStoredRequestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewPersister(dir, false, false, false, false, true, nil)
	s, err := New(p, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	saved := s.PutStoredRequest(&domain.StoredRequest{Key: "login"}, 0)
	if saved.Metadata.ShortID == "" {
		t.Fatalf("expected a short id")
	}

	path := dir + "/store/requests/login.json"
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted file at %s: %v", path, err)
	}

	s2, err := New(NewPersister(dir, false, false, false, false, true, nil), nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if err := s2.LoadStore(); err != nil {
		t.Fatalf("LoadStore: %v", err)
	}
	got, ok := s2.store.GetRequest("login")
	if !ok || got.Metadata.ShortID != saved.Metadata.ShortID {
		t.Fatalf("expected reloaded request to keep its short id")
	}
}

func TestRulesPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s, err := New(NewPersister(dir, false, false, true, false, false, nil), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := s.AddRule(&domain.Rule{Name: "block-x", Enabled: true, Direction: domain.DirectionRequest, Priority: 5})

	s2, err := New(NewPersister(dir, false, false, true, false, false, nil), nil)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if err := s2.LoadRules(); err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	reloaded := s2.GetRule(r.ID)
	if reloaded == nil || reloaded.ShortID != r.ShortID {
		t.Fatalf("expected rule to survive reload with the same short id")
	}
}
