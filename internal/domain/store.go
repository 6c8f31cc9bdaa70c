package domain

// StoredMetadata is common to both stored requests and stored responses.
type StoredMetadata struct {
	CreatedAt   int64  `json:"created_at"`
	Description string `json:"description,omitempty"`
	ShortID     string `json:"short_id"`
}

// StoredRequest is a named, user-editable request template (L4).
type StoredRequest struct {
	Key      string         `json:"key"`
	Metadata StoredMetadata `json:"metadata"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Headers  HeaderList     `json:"headers"`
	Body     string         `json:"body"`
}

// StoredResponse is a named, user-editable response template (L4).
type StoredResponse struct {
	Key        string         `json:"key"`
	Metadata   StoredMetadata `json:"metadata"`
	StatusCode int            `json:"status_code"`
	Headers    HeaderList     `json:"headers"`
	Body       string         `json:"body"`
}

// Settings is the pair of global mutable fields §4.2/§9 call out as fields
// of the storage actor: intercept_mode and rules_enabled.
type Settings struct {
	InterceptMode InterceptMode `json:"intercept_mode"`
	RulesEnabled  bool          `json:"rules_enabled"`
}

// InterceptMode is T1's global base-behavior switch.
type InterceptMode string

const (
	ModePassthrough  InterceptMode = "passthrough"
	ModeInterceptLLM InterceptMode = "intercept_llm"
	ModeInterceptAll InterceptMode = "intercept_all"
)

// DefaultSettings matches the conservative default the teacher ships: rules
// on, traffic flowing.
func DefaultSettings() Settings {
	return Settings{InterceptMode: ModePassthrough, RulesEnabled: true}
}

// ReplayVariant is a user-edited copy of a captured request queued for
// resend through the proxy (§3 SPEC_FULL supplement).
type ReplayVariant struct {
	VariantID         string  `json:"variant_id"`
	ParentFlowID      string  `json:"parent_flow_id"`
	Request           Request `json:"request"`
	InterceptOnReplay bool    `json:"intercept_on_replay"`
	DisplayName       string  `json:"display_name,omitempty"`
	CreatedAt         int64   `json:"created_at"`
}

// Template is a named prompt template the modify_llm action can reference
// by id (§4.6 supplement).
type Template struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Body      string   `json:"body"`
	Variables []string `json:"variables,omitempty"`
}

// Preset is an opaque named bundle a UI-layer client can save and re-apply;
// the core only persists and returns it (§3 supplement).
type Preset struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}
