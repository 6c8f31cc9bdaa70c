package domain

import "github.com/follgate/tollbooth/internal/parsers"

// Turn is one request/response pair within a Conversation.
type Turn struct {
	TurnID    string `json:"turn_id"`
	FlowID    string `json:"flow_id"`
	Timestamp int64  `json:"timestamp"`

	Request  *parsers.ParsedRequest  `json:"request"`
	Response *parsers.ParsedResponse `json:"response,omitempty"`
	Streaming bool `json:"streaming"`

	OriginalRequest  *parsers.ParsedRequest  `json:"original_request,omitempty"`
	OriginalResponse *parsers.ParsedResponse `json:"original_response,omitempty"`
	RequestModified  bool `json:"request_modified"`
	ResponseModified bool `json:"response_modified"`
}

// Conversation correlates related requests into a multi-turn exchange (M3).
type Conversation struct {
	ConversationID  string `json:"conversation_id"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
	Model           string `json:"model"`
	Provider        string `json:"provider"`
	Turns           []Turn `json:"turns"`
	MessageCount    int    `json:"message_count"`
	CorrelationHash string `json:"correlation_hash"`
}

// LastTurn returns the most recently appended turn, or nil if empty.
func (c *Conversation) LastTurn() *Turn {
	if len(c.Turns) == 0 {
		return nil
	}
	return &c.Turns[len(c.Turns)-1]
}
