package refusal

import (
	"testing"
	"time"

	"github.com/follgate/tollbooth/internal/domain"
)

func TestRegexClassifierBuckets(t *testing.T) {
	c := NewRegexClassifier()
	if got := c.Score("totally fine response"); got != 0 {
		t.Fatalf("expected 0 for no match, got %f", got)
	}
	if got := c.Score("I can't help with that"); got != 0.6 {
		t.Fatalf("expected 0.6 for one match, got %f", got)
	}
	if got := c.Score("I can't help with that. I'm unable to proceed."); got != 0.75 {
		t.Fatalf("expected 0.75 for two matches, got %f", got)
	}
	if got := c.Score("I can't help with that. I'm unable to proceed. I cannot comply."); got != 0.9 {
		t.Fatalf("expected 0.9 for three+ matches, got %f", got)
	}
}

type stubClassifier struct{ score float64 }

func (s stubClassifier) Score(string) float64 { return s.score }

// TestPromptUserScenario implements spec scenario 6: classifier returns 0.85
// against a 0.7 threshold with action prompt_user; the response is held;
// a later modify resolve with a custom body produces a "modified" verdict.
func TestPromptUserScenario(t *testing.T) {
	det := NewDetector(stubClassifier{score: 0.85})
	det.Replace([]*domain.RefusalRule{
		{
			ID:        "rr1",
			Enabled:   true,
			Priority:  0,
			Detection: domain.RefusalDetection{ConfidenceThreshold: 0.7},
			Action:    domain.RefusalActionPromptUser,
		},
	})

	flow := &domain.Flow{FlowID: "flow-1"}
	v := det.Detect(flow, []string{"I cannot help with that request."}, nil)
	if !v.Fired || v.Rule.Action != domain.RefusalActionPromptUser {
		t.Fatalf("expected prompt_user rule to fire, got %+v", v)
	}
	if v.Analysis.Score != 0.85 || v.Analysis.Threshold != 0.7 {
		t.Fatalf("expected score 0.85 / threshold 0.7, got %+v", v.Analysis)
	}

	q := NewQueue()
	q.Enqueue(&domain.PendingRefusal{
		ID:        "pr1",
		FlowID:    "flow-1",
		Timestamp: time.Now().UnixMilli(),
		Flow:      flow,
		Analysis:  v.Analysis,
		Status:    domain.RefusalPending,
	})
	if _, ok := q.Get("flow-1"); !ok {
		t.Fatalf("expected pending refusal enqueued")
	}

	resolved, ok := q.Resolve("flow-1", domain.RefusalModified, &domain.Response{Body: "custom body"})
	if !ok || resolved.Status != domain.RefusalModified || resolved.ModifiedResponse.Body != "custom body" {
		t.Fatalf("expected modified resolve with custom body, got %+v", resolved)
	}
	if _, ok := q.Get("flow-1"); ok {
		t.Fatalf("expected entry removed after resolve")
	}
}

func TestDetectSkipsDisabledAndBelowThreshold(t *testing.T) {
	det := NewDetector(stubClassifier{score: 0.5})
	det.Replace([]*domain.RefusalRule{
		{ID: "r1", Enabled: false, Detection: domain.RefusalDetection{ConfidenceThreshold: 0.1}},
		{ID: "r2", Enabled: true, Detection: domain.RefusalDetection{ConfidenceThreshold: 0.9}},
	})
	v := det.Detect(&domain.Flow{}, []string{"anything"}, nil)
	if v.Fired {
		t.Fatalf("expected no rule to fire, got %+v", v)
	}
}

func TestQueueSweepTimesOutOldEntriesOnly(t *testing.T) {
	q := NewQueue()
	now := time.Now()
	old := now.Add(-6 * time.Minute)
	recent := now.Add(-1 * time.Minute)

	q.Enqueue(&domain.PendingRefusal{FlowID: "old", Timestamp: old.UnixMilli(), Status: domain.RefusalPending})
	q.Enqueue(&domain.PendingRefusal{FlowID: "recent", Timestamp: recent.UnixMilli(), Status: domain.RefusalPending})

	timedOut := q.Sweep(now)
	if len(timedOut) != 1 || timedOut[0].FlowID != "old" {
		t.Fatalf("expected only the old entry to time out, got %+v", timedOut)
	}
	if _, ok := q.Get("old"); ok {
		t.Fatalf("expected timed-out entry removed")
	}
	if _, ok := q.Get("recent"); !ok {
		t.Fatalf("expected recent entry to remain")
	}
}

func TestQueueTimeoutImmuneEquivalentViaNoEnqueue(t *testing.T) {
	// The detector/queue package has no notion of timeout_immune itself —
	// that flag lives on PendingIntercept (T1's concern) — but the sweep
	// must still leave freshly-enqueued entries alone regardless of cadence.
	q := NewQueue()
	q.Enqueue(&domain.PendingRefusal{FlowID: "fresh", Timestamp: time.Now().UnixMilli()})
	if out := q.Sweep(time.Now()); len(out) != 0 {
		t.Fatalf("expected a fresh entry to survive a sweep, got %+v", out)
	}
}
