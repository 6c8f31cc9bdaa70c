// Package correlate implements the conversation correlator (M3): it groups
// individual request/response flows into multi-turn conversations by a
// content fingerprint, the way the teacher's audit package chains entries by
// a SHA-256 digest of their identifying fields.
package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/parsers"
)

const fingerprintPreviewLen = 500

// Fingerprint computes the conversation fingerprint for a parsed request:
// sha256(model || ":" || first-user-message-content[:500])[:16], hex-encoded.
// Nothing else enters the hash (not max_tokens/temperature/stream, system,
// tools, or later messages), so requests that differ solely in those fields
// fingerprint identically (§8).
func Fingerprint(req *parsers.ParsedRequest) string {
	var firstUserContent string
	for _, m := range req.Messages {
		if m.Role != "user" {
			continue
		}
		for _, block := range m.Content {
			if block.Type == parsers.BlockText {
				firstUserContent = block.Text
				break
			}
		}
		break
	}
	if len(firstUserContent) > fingerprintPreviewLen {
		firstUserContent = firstUserContent[:fingerprintPreviewLen]
	}

	h := sha256.Sum256([]byte(req.Model + ":" + firstUserContent))
	return hex.EncodeToString(h[:])[:16]
}

// Store is the read/write surface the correlator needs from the storage
// actor (L6); storage implements it directly.
type Store interface {
	ConversationByFingerprint(fingerprint string) (*domain.Conversation, bool)
	SaveConversation(c *domain.Conversation)
}

// Correlator appends turns to conversations, or creates new ones, as flows
// complete. It holds no state of its own beyond the Store it is given.
type Correlator struct {
	store Store
}

func New(store Store) *Correlator {
	return &Correlator{store: store}
}

// OnRequest correlates a newly parsed request with an existing conversation
// or starts a new one, per §4.8: same fingerprint, same model, and a
// strictly growing message count compared to the conversation's last turn.
// Returns the conversation the new turn was attached to (or created).
func (c *Correlator) OnRequest(flowID string, req *parsers.ParsedRequest, now int64) *domain.Conversation {
	fp := Fingerprint(req)
	conv, ok := c.store.ConversationByFingerprint(fp)
	if ok && conv.Model == req.Model {
		last := conv.LastTurn()
		if last == nil || len(req.Messages) > len(last.Request.Messages) {
			conv.Turns = append(conv.Turns, domain.Turn{FlowID: flowID, Request: req, Timestamp: now})
			conv.MessageCount = len(req.Messages)
			conv.UpdatedAt = now
			c.store.SaveConversation(conv)
			return conv
		}
	}

	conv = &domain.Conversation{
		ConversationID:  newConversationID(fp, now),
		CorrelationHash: fp,
		Model:           req.Model,
		Provider:        string(req.Provider),
		CreatedAt:       now,
		UpdatedAt:       now,
		MessageCount:    len(req.Messages),
		Turns:           []domain.Turn{{FlowID: flowID, Request: req, Timestamp: now}},
	}
	c.store.SaveConversation(conv)
	return conv
}

// OnResponse attaches a parsed response to the turn previously opened by
// OnRequest for flowID, looked up by flow id rather than fingerprint (§4.8).
func (c *Correlator) OnResponse(conv *domain.Conversation, flowID string, resp *parsers.ParsedResponse, now int64) {
	for i := range conv.Turns {
		if conv.Turns[i].FlowID == flowID {
			conv.Turns[i].Response = resp
			conv.UpdatedAt = now
			c.store.SaveConversation(conv)
			return
		}
	}
}

func newConversationID(fingerprint string, now int64) string {
	h := sha256.Sum256([]byte(fingerprint + ":" + itoa64(now)))
	return hex.EncodeToString(h[:])[:32]
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// RebuildableFlow is the minimal shape the rebuild operation needs from
// persisted traffic: enough to redrive correlation in timestamp order.
type RebuildableFlow struct {
	FlowID    string
	Timestamp int64
	Request   *parsers.ParsedRequest
	Response  *parsers.ParsedResponse
}

// Rebuild replays request/response correlation over a persisted traffic
// snapshot, sorted by ascending timestamp. It is idempotent: replaying the
// same snapshot against a Store already populated by a prior rebuild
// produces the same conversation set, since OnRequest/OnResponse only ever
// append or attach by flow id. Callers that want a clean rebuild should
// clear conversations in the store first.
func Rebuild(store Store, flows []RebuildableFlow) {
	sorted := make([]RebuildableFlow, len(flows))
	copy(sorted, flows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })

	c := New(store)
	open := make(map[string]*domain.Conversation)
	for _, f := range sorted {
		if f.Request != nil {
			conv := c.OnRequest(f.FlowID, f.Request, f.Timestamp)
			open[f.FlowID] = conv
		}
		if f.Response != nil {
			if conv, ok := open[f.FlowID]; ok {
				c.OnResponse(conv, f.FlowID, f.Response, f.Timestamp)
			}
		}
	}
}
