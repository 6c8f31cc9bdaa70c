package rules

import (
	"math/rand"
	"testing"

	"github.com/follgate/tollbooth/internal/domain"
)

func exactPred(v string) *domain.StringPredicate {
	return &domain.StringPredicate{Value: v, Mode: domain.MatchExact}
}

func containsPred(v string) *domain.StringPredicate {
	return &domain.StringPredicate{Value: v, Mode: domain.MatchContains}
}

func TestNextSkipsDisabledAndWrongDirection(t *testing.T) {
	e := New()
	e.Replace([]*domain.Rule{
		{ID: "a", Enabled: false, Direction: domain.DirectionRequest, Priority: 0},
		{ID: "b", Enabled: true, Direction: domain.DirectionResponse, Priority: 1},
		{ID: "c", Enabled: true, Direction: domain.DirectionRequest, Priority: 2},
	})
	flow := &domain.Flow{}
	r, ok := e.Next(flow, domain.DirectionRequest, map[string]bool{})
	if !ok || r.ID != "c" {
		t.Fatalf("expected rule c, got %+v ok=%v", r, ok)
	}
}

func TestNextPriorityOrderAndExclusion(t *testing.T) {
	e := New()
	e.Replace([]*domain.Rule{
		{ID: "a", Enabled: true, Direction: domain.DirectionRequest, Priority: 5},
		{ID: "b", Enabled: true, Direction: domain.DirectionRequest, Priority: 1},
	})
	flow := &domain.Flow{}
	r, ok := e.Next(flow, domain.DirectionRequest, map[string]bool{})
	if !ok || r.ID != "b" {
		t.Fatalf("expected lowest priority rule b first, got %+v", r)
	}
	excluded := map[string]bool{"b": true}
	r2, ok2 := e.Next(flow, domain.DirectionRequest, excluded)
	if !ok2 || r2.ID != "a" {
		t.Fatalf("expected rule a after excluding b, got %+v", r2)
	}
	excluded["a"] = true
	_, ok3 := e.Next(flow, domain.DirectionRequest, excluded)
	if ok3 {
		t.Fatalf("expected no match once exclusion set exhausts candidates")
	}
}

func TestFilterHostContainsAndMethodExact(t *testing.T) {
	e := New()
	e.Replace([]*domain.Rule{
		{ID: "r1", Enabled: true, Direction: domain.DirectionRequest, Filter: domain.Filter{
			Host:   containsPred("api.example.com"),
			Method: exactPred("POST"),
		}},
	})
	match := &domain.Flow{Request: domain.Request{Host: "sub.api.example.com:443", Method: "POST"}}
	if _, ok := e.Next(match, domain.DirectionRequest, map[string]bool{}); !ok {
		t.Fatalf("expected host-contains + method-exact match")
	}
	noMatch := &domain.Flow{Request: domain.Request{Host: "sub.api.example.com", Method: "GET"}}
	if _, ok := e.Next(noMatch, domain.DirectionRequest, map[string]bool{}); ok {
		t.Fatalf("expected no match for wrong method")
	}
}

func TestFilterResponsePredicateFailsWithoutResponse(t *testing.T) {
	e := New()
	e.Replace([]*domain.Rule{
		{ID: "r1", Enabled: true, Direction: domain.DirectionResponse, Filter: domain.Filter{
			StatusCode: &domain.StatusCodePredicate{Mode: domain.StatusExact, Exact: 200},
		}},
	})
	flow := &domain.Flow{}
	if _, ok := e.Next(flow, domain.DirectionResponse, map[string]bool{}); ok {
		t.Fatalf("response predicate must fail automatically with no response")
	}
}

func TestStatusCodeRangeBands(t *testing.T) {
	c := compileStatus(&domain.StatusCodePredicate{Mode: domain.StatusRange, Range: "5xx"})
	if !c.matches(503) || c.matches(404) {
		t.Fatalf("5xx band matching incorrect")
	}
	c2 := compileStatus(&domain.StatusCodePredicate{Mode: domain.StatusRange, Range: "200-299"})
	if !c2.matches(204) || c2.matches(404) {
		t.Fatalf("LO-HI range matching incorrect")
	}
}

func TestResolveStoreKeyRoundRobin(t *testing.T) {
	r := &domain.Rule{Action: domain.Action{StoreKeys: []string{"k1", "k2"}, StoreKeyMode: domain.StoreKeyRoundRobin}}
	got := []string{
		ResolveStoreKey(r, nil),
		ResolveStoreKey(r, nil),
		ResolveStoreKey(r, nil),
	}
	want := []string{"k1", "k2", "k1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round_robin sequence mismatch: got %v want %v", got, want)
		}
	}
}

func TestResolveStoreKeySequentialSticksAtLast(t *testing.T) {
	r := &domain.Rule{Action: domain.Action{StoreKeys: []string{"k1", "k2"}, StoreKeyMode: domain.StoreKeySequential}}
	got := []string{
		ResolveStoreKey(r, nil),
		ResolveStoreKey(r, nil),
		ResolveStoreKey(r, nil),
	}
	want := []string{"k1", "k2", "k2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequential sequence mismatch: got %v want %v", got, want)
		}
	}
}

func TestResolveStoreKeyRandomConvergesToUniform(t *testing.T) {
	r := &domain.Rule{Action: domain.Action{StoreKeys: []string{"k1", "k2"}, StoreKeyMode: domain.StoreKeyRandom}}
	rng := rand.New(rand.NewSource(1))
	counts := map[string]int{}
	const n = 4000
	for i := 0; i < n; i++ {
		counts[ResolveStoreKey(r, func(k int) int { return rng.Intn(k) })]++
	}
	freq := float64(counts["k1"]) / n
	if freq < 0.4 || freq > 0.6 {
		t.Fatalf("expected roughly uniform frequency, got %f", freq)
	}
}
