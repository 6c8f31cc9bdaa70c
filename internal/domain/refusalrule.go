package domain

// RefusalDetection configures how much of a response the classifier sees
// and at what score it counts as a refusal.
type RefusalDetection struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	TokensToAnalyze     int     `json:"tokens_to_analyze"` // 0 = no truncation
}

// RefusalActionType enumerates what happens once a refusal is detected.
type RefusalActionType string

const (
	RefusalActionPassthrough RefusalActionType = "passthrough"
	RefusalActionPromptUser  RefusalActionType = "prompt_user"
	RefusalActionModify      RefusalActionType = "modify"
)

// RefusalFallbackConfig configures the `modify` action's LLM call.
type RefusalFallbackConfig struct {
	Prompt           string `json:"prompt"` // supports {{original_response}}
	ProviderOverride string `json:"provider_override,omitempty"`
}

// RefusalRule is one entry in the refusal detector's ordered rule list (§4.7).
type RefusalRule struct {
	ID         string             `json:"id"`
	Enabled    bool               `json:"enabled"`
	Priority   int                `json:"priority"`
	Detection  RefusalDetection   `json:"detection"`
	Action     RefusalActionType  `json:"action"`
	Fallback   *RefusalFallbackConfig `json:"fallback_config,omitempty"`
	Filter     *Filter            `json:"filter,omitempty"`
}
