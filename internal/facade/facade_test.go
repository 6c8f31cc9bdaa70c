package facade

import (
	"testing"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/intercept"
	"github.com/follgate/tollbooth/internal/storage"
)

type fakeProxy struct{}

func (fakeProxy) Forward(string)                                 {}
func (fakeProxy) ForwardModified(string, intercept.Modifications) {}
func (fakeProxy) Drop(string)                                     {}
func (fakeProxy) ForwardResponse(string)                          {}
func (fakeProxy) ForwardResponseModified(string, intercept.Modifications) {}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	st, err := storage.New(storage.NewPersister("", false, false, false, false, false, nil), nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	mgr := intercept.NewManager(st, nil, nil, nil, fakeProxy{}, nil, "", nil)
	return New(st, mgr, nil, nil)
}

func TestGetFlowNotFoundReturnsApperr(t *testing.T) {
	f := newTestFacade(t)
	if _, err := f.GetFlow("missing"); err == nil {
		t.Fatalf("expected an error for a missing flow")
	}
}

func TestAddRuleRejectsEmptyName(t *testing.T) {
	f := newTestFacade(t)
	if _, err := f.AddRule(&domain.Rule{}); err == nil {
		t.Fatalf("expected validation error for an empty rule name")
	}
}

func TestAddRuleThenGetRuleRoundTrips(t *testing.T) {
	f := newTestFacade(t)
	added, err := f.AddRule(&domain.Rule{Name: "block-fruit"})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	got, err := f.GetRule(added.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.Name != "block-fruit" {
		t.Fatalf("expected name %q, got %q", "block-fruit", got.Name)
	}
}

func TestRemoveRuleNotFoundReturnsApperr(t *testing.T) {
	f := newTestFacade(t)
	if err := f.RemoveRule("does-not-exist"); err == nil {
		t.Fatalf("expected an error for removing an unknown rule")
	}
}

func TestSetInterceptModeRejectsUnknownMode(t *testing.T) {
	f := newTestFacade(t)
	if err := f.SetInterceptMode(domain.InterceptMode("bogus")); err == nil {
		t.Fatalf("expected a validation error for an unknown mode")
	}
	if err := f.SetInterceptMode(domain.ModeInterceptAll); err != nil {
		t.Fatalf("SetInterceptMode: %v", err)
	}
	if f.Settings().InterceptMode != domain.ModeInterceptAll {
		t.Fatalf("expected the mode to have been applied")
	}
}

func TestForwardWithNoPendingInterceptReturnsApperr(t *testing.T) {
	f := newTestFacade(t)
	if err := f.Forward("no-such-flow"); err == nil {
		t.Fatalf("expected an error forwarding a flow with no pending intercept")
	}
}

func TestPutAndGetStoredRequest(t *testing.T) {
	f := newTestFacade(t)
	f.PutStoredRequest(&domain.StoredRequest{Key: "greeting", Body: "hello"})

	got, err := f.GetStoredRequest("greeting")
	if err != nil {
		t.Fatalf("GetStoredRequest: %v", err)
	}
	if got.Body != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", got.Body)
	}

	if err := f.DeleteStoredRequest("greeting"); err != nil {
		t.Fatalf("DeleteStoredRequest: %v", err)
	}
	if _, err := f.GetStoredRequest("greeting"); err == nil {
		t.Fatalf("expected not-found after delete")
	}
}
