package parsers

// Registry holds every registered Parser and selects one by host+path.
// New providers are added by calling Register; no switch statement outside
// this file (§9 "Polymorphism over parsers").
type Registry struct {
	parsers []Parser
}

// NewRegistry returns a registry pre-loaded with the four native parsers.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(AnthropicParser{})
	r.Register(OpenAIParser{})
	r.Register(GoogleParser{})
	r.Register(CodexParser{})
	return r
}

func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Select returns the first registered parser willing to claim host+path, or
// nil if none match — the flow then continues as a non-LLM flow.
func (r *Registry) Select(host, path string) Parser {
	for _, p := range r.parsers {
		if p.CanParse(host, path) {
			return p
		}
	}
	return nil
}

// ByProvider looks a parser up by its declared provider name, used when a
// rule or cached flow already recorded which provider handled it.
func (r *Registry) ByProvider(provider Provider) Parser {
	for _, p := range r.parsers {
		if p.Provider() == provider {
			return p
		}
	}
	return nil
}
