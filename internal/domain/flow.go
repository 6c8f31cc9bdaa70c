// Package domain defines the shared entities every higher-level package
// operates on: Flow, Conversation, Rule, the two pending queues, stored
// items, and the handful of ambient entities (Settings, ReplayVariant,
// Template, Preset) the persisted-state layout names. Keeping these in one
// leaf package avoids import cycles between storage, rules, intercept, and
// the public facade, all of which need the same vocabulary.
package domain

import "github.com/follgate/tollbooth/internal/parsers"

// Header is an ordered, case-preserving header list, matching the flow
// wire format's "ordered mapping of case-preserving names to values".
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderList looks up headers case-insensitively but preserves order and
// duplicate entries on the wire.
type HeaderList []Header

func (h HeaderList) Get(name string) (string, bool) {
	for _, kv := range h {
		if equalFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Request is the proxy-observed HTTP request side of a flow.
type Request struct {
	Method  string     `json:"method"`
	URL     string     `json:"url"`
	Host    string     `json:"host"`
	Port    int        `json:"port,omitempty"`
	Path    string     `json:"path"`
	Headers HeaderList `json:"headers"`
	Body    string     `json:"body"`
}

// Response is the proxy-observed HTTP response side of a flow.
type Response struct {
	StatusCode int        `json:"status_code"`
	Headers    HeaderList `json:"headers"`
	Body       string     `json:"body"`
}

// Annotation is user-attached metadata on a flow.
type Annotation struct {
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// AddTag inserts tag if not already present, keeping tags unique per flow
// (§3 invariant).
func (a *Annotation) AddTag(tag string) {
	for _, t := range a.Tags {
		if t == tag {
			return
		}
	}
	a.Tags = append(a.Tags, tag)
}

// ReplaySource records that a flow originated from a replayed variant.
type ReplaySource struct {
	VariantID    string `json:"variant_id"`
	ParentFlowID string `json:"parent_flow_id"`
}

// RefusalMeta is the metadata M4 attaches to a flow once classified.
type RefusalMeta struct {
	Score     float64 `json:"score"`
	RuleID    string  `json:"rule_id,omitempty"`
	Action    string  `json:"action"`
	Detected  bool    `json:"detected"`
	Timestamp int64   `json:"timestamp"`
}

// Flow is the central entity: one proxied HTTP transaction.
type Flow struct {
	FlowID    string `json:"flow_id"`
	Timestamp int64  `json:"timestamp"`

	Request  Request   `json:"request"`
	Response *Response `json:"response,omitempty"`

	IsLLMAPI bool                    `json:"is_llm_api"`
	Parsed   *parsers.ParsedRequest  `json:"parsed,omitempty"`
	ParsedResponse *parsers.ParsedResponse `json:"parsed_response,omitempty"`

	OriginalRequest  *Request `json:"original_request,omitempty"`
	OriginalResponse *Response `json:"original_response,omitempty"`
	RequestModified  bool     `json:"request_modified"`
	ResponseModified bool     `json:"response_modified"`
	RequestModifiedByRule  *string `json:"request_modified_by_rule,omitempty"`
	ResponseModifiedByRule *string `json:"response_modified_by_rule,omitempty"`

	Refusal *RefusalMeta `json:"refusal,omitempty"`

	Hidden       bool    `json:"hidden"`
	HiddenAt     int64   `json:"hidden_at,omitempty"`
	HiddenByRule *string `json:"hidden_by_rule,omitempty"`

	Annotation   *Annotation   `json:"annotation,omitempty"`
	ReplaySource *ReplaySource `json:"replay_source,omitempty"`
}

// SnapshotRequestOriginal records the pre-modification request exactly once;
// subsequent calls are no-ops, upholding the modification-immutability
// invariant (§8).
func (f *Flow) SnapshotRequestOriginal() {
	if f.OriginalRequest != nil {
		return
	}
	orig := f.Request
	orig.Headers = append(HeaderList(nil), f.Request.Headers...)
	f.OriginalRequest = &orig
}

// SnapshotResponseOriginal is the response-side analog of
// SnapshotRequestOriginal.
func (f *Flow) SnapshotResponseOriginal() {
	if f.OriginalResponse != nil || f.Response == nil {
		return
	}
	orig := *f.Response
	orig.Headers = append(HeaderList(nil), f.Response.Headers...)
	f.OriginalResponse = &orig
}
