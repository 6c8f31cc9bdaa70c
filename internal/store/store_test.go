package store

import (
	"testing"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/shortid"
)

func TestSanitizeKeyStripsUnsafeChars(t *testing.T) {
	got := SanitizeKey("../etc/passwd")
	want := ".._etc_passwd"
	if got != want {
		t.Fatalf("SanitizeKey(%q) = %q, want %q", "../etc/passwd", got, want)
	}
	if SanitizeKey("my-key_1.json") != "my-key_1.json" {
		t.Fatalf("expected already-safe key to pass through unchanged")
	}
}

func TestPutRequestAssignsShortIDOnce(t *testing.T) {
	s := New(shortid.New())
	r := s.PutRequest(&domain.StoredRequest{Key: "login flow"}, 100)
	if r.Metadata.ShortID == "" {
		t.Fatalf("expected a short id to be assigned")
	}
	first := r.Metadata.ShortID

	r2 := s.PutRequest(&domain.StoredRequest{Key: "login flow"}, 200)
	if r2.Metadata.ShortID != first {
		t.Fatalf("overwrite changed short id: got %q, want %q", r2.Metadata.ShortID, first)
	}
	if r2.Metadata.CreatedAt != 100 {
		t.Fatalf("overwrite changed created_at: got %d, want 100", r2.Metadata.CreatedAt)
	}
}

func TestGetRequestAcceptsShortOrFullID(t *testing.T) {
	s := New(shortid.New())
	r := s.PutRequest(&domain.StoredRequest{Key: "webhook"}, 0)

	byKey, ok := s.GetRequest("webhook")
	if !ok || byKey != r {
		t.Fatalf("expected lookup by sanitized key to succeed")
	}
	byShort, ok := s.GetRequest(r.Metadata.ShortID)
	if !ok || byShort != r {
		t.Fatalf("expected lookup by short id %q to succeed", r.Metadata.ShortID)
	}
}

func TestDeleteRequestNeverReusesShortID(t *testing.T) {
	s := New(shortid.New())
	first := s.PutRequest(&domain.StoredRequest{Key: "one"}, 0)
	if !s.DeleteRequest("one") {
		t.Fatalf("expected delete to succeed")
	}
	if _, ok := s.GetRequest("one"); ok {
		t.Fatalf("expected deleted request to be gone")
	}
	if _, ok := s.GetRequest(first.Metadata.ShortID); ok {
		t.Fatalf("expected deleted request's short id to no longer resolve")
	}

	second := s.PutRequest(&domain.StoredRequest{Key: "two"}, 0)
	if second.Metadata.ShortID == first.Metadata.ShortID {
		t.Fatalf("expected a strictly new short id after delete, got reused %q", second.Metadata.ShortID)
	}
}

func TestResponseNamespaceIsIndependentOfRequests(t *testing.T) {
	s := New(shortid.New())
	req := s.PutRequest(&domain.StoredRequest{Key: "shared"}, 0)
	resp := s.PutResponse(&domain.StoredResponse{Key: "shared"}, 0)
	if req.Metadata.ShortID == resp.Metadata.ShortID {
		t.Fatalf("expected distinct short-id namespaces, got matching id %q", req.Metadata.ShortID)
	}
	if _, ok := s.GetResponse(req.Metadata.ShortID); ok {
		t.Fatalf("expected a request's short id not to resolve in the response namespace")
	}
}

func TestMustGetResponseNotFound(t *testing.T) {
	s := New(shortid.New())
	if _, err := s.MustGetResponse("missing"); err == nil {
		t.Fatalf("expected an error for a missing response")
	}
}

func TestListRequestsAndResponses(t *testing.T) {
	s := New(shortid.New())
	s.PutRequest(&domain.StoredRequest{Key: "a"}, 0)
	s.PutRequest(&domain.StoredRequest{Key: "b"}, 0)
	s.PutResponse(&domain.StoredResponse{Key: "c"}, 0)

	if len(s.ListRequests()) != 2 {
		t.Fatalf("expected 2 stored requests")
	}
	if len(s.ListResponses()) != 1 {
		t.Fatalf("expected 1 stored response")
	}
}
