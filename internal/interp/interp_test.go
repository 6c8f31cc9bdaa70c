package interp

import (
	"strings"
	"testing"
)

func TestExpandRequestFields(t *testing.T) {
	req := RequestContext{
		Method:  "POST",
		Host:    "api.example.com",
		Path:    "/v1/messages",
		URL:     "https://api.example.com/v1/messages",
		Headers: map[string]string{"X-Request-Id": "abc123"},
	}
	got := Expand("{{request.method}} {{request.host}}{{request.path}} id={{request.header:x-request-id}}", req)
	want := "POST api.example.com/v1/messages id=abc123"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestExpandUnknownLeftVerbatim(t *testing.T) {
	got := Expand("prefix {{nonsense}} suffix", RequestContext{})
	if got != "prefix {{nonsense}} suffix" {
		t.Fatalf("unknown expression should be left verbatim, got %q", got)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TOLLBOOTH_TEST_VAR", "hello")
	got := Expand("{{env:TOLLBOOTH_TEST_VAR}}", RequestContext{})
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
	got2 := Expand("{{env:TOLLBOOTH_TEST_VAR_MISSING}}", RequestContext{})
	if got2 != "" {
		t.Fatalf("missing env should expand to empty, got %q", got2)
	}
}

func TestExpandUUID(t *testing.T) {
	got := Expand("{{uuid}}", RequestContext{})
	if len(got) != 36 || strings.Count(got, "-") != 4 {
		t.Fatalf("expected a uuid-shaped string, got %q", got)
	}
}

func TestRandomIntBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := Expand("{{random_int:5:5}}", RequestContext{})
		if got != "5" {
			t.Fatalf("degenerate range should always return 5, got %q", got)
		}
	}
}

func TestTimestampIsNumeric(t *testing.T) {
	got := Expand("{{timestamp}}", RequestContext{})
	for _, r := range got {
		if r < '0' || r > '9' {
			t.Fatalf("timestamp expansion should be all digits, got %q", got)
		}
	}
}
