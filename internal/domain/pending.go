package domain

// PendingType is which side of the flow a PendingIntercept is holding.
type PendingType string

const (
	PendingRequest  PendingType = "request"
	PendingResponse PendingType = "response"
)

// PendingIntercept is a flow held for manual approval (§3). At most one per
// flow id; created by T1, removed on forward/drop/timeout.
type PendingIntercept struct {
	FlowID        string      `json:"flow_id"`
	Timestamp     int64       `json:"timestamp"`
	Flow          *Flow       `json:"flow"`
	Type          PendingType `json:"type"`
	TimeoutImmune bool        `json:"timeout_immune"`
}

// RefusalStatus is the lifecycle state of a PendingRefusal.
type RefusalStatus string

const (
	RefusalPending  RefusalStatus = "pending"
	RefusalApproved RefusalStatus = "approved"
	RefusalRejected RefusalStatus = "rejected"
	RefusalModified RefusalStatus = "modified"
)

// RefusalAnalysis is the classifier's score and the threshold it was
// compared against; the rule that fired is recorded separately on
// PendingRefusal.MatchedRuleRef.
type RefusalAnalysis struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
}

// PendingRefusal is a held response awaiting a refusal-queue resolution
// (§3). At most one per flow; five-minute timeout.
type PendingRefusal struct {
	ID              string          `json:"id"`
	FlowID          string          `json:"flow_id"`
	Timestamp       int64           `json:"timestamp"`
	Flow            *Flow           `json:"flow"`
	Analysis        RefusalAnalysis `json:"analysis"`
	MatchedRuleRef  string          `json:"matched_rule_ref,omitempty"`
	Status          RefusalStatus   `json:"status"`
	OriginalResponse *Response      `json:"original_response"`
	ModifiedResponse *Response      `json:"modified_response,omitempty"`
}
