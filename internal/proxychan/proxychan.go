// Package proxychan implements T2, the proxy control channel: a
// gorilla/websocket-framed JSON protocol that ingests raw traffic from the
// intercepting proxy, parses and correlates it, folds streaming chunks
// through the accumulator, and hands fully-populated flows to the intercept
// manager (T1). Verdicts flow back out the same session as typed commands.
//
// One goroutine (readPump) owns inbound processing for the active session,
// so messages are handled in strict receipt order with no separate dispatch
// queue needed.
package proxychan

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/follgate/tollbooth/internal/correlate"
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/intercept"
	"github.com/follgate/tollbooth/internal/parsers"
	"github.com/follgate/tollbooth/internal/storage"
	"github.com/follgate/tollbooth/internal/streamaccum"
)

// RequestResponseHandler is the subset of intercept.Manager the channel
// drives once a flow is fully parsed and correlated.
type RequestResponseHandler interface {
	HandleRequest(flow *domain.Flow)
	HandleResponse(flow *domain.Flow)
}

// UIBroadcaster pushes named events to dashboard subscribers; internal/
// broadcast.Hub satisfies this structurally.
type UIBroadcaster interface {
	Broadcast(event string, payload any)
}

// Channel owns the single logical proxy session (§4.1) plus the per-flow
// stream accumulators and in-flight conversation handles that bridge a
// `request` message to its eventual `response`.
type Channel struct {
	storage    *storage.Storage
	registry   *parsers.Registry
	correlator *correlate.Correlator
	handler    RequestResponseHandler
	ui         UIBroadcaster
	log        *slog.Logger

	mu            sync.Mutex
	session       *session
	accumulators  map[string]*streamaccum.Accumulator
	conversations map[string]*domain.Conversation
}

// SetHandler wires the RequestResponseHandler after construction, for
// callers that must build the channel before the intercept manager that
// consumes it exists (the manager in turn needs the channel as its
// ProxyNotifier).
func (c *Channel) SetHandler(handler RequestResponseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// New wires a Channel. registry/correlator/ui may be nil (tests exercising
// non-LLM traffic only), in which case the corresponding step is skipped.
func New(st *storage.Storage, registry *parsers.Registry, correlator *correlate.Correlator, handler RequestResponseHandler, ui UIBroadcaster, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		storage:       st,
		registry:      registry,
		correlator:    correlator,
		handler:       handler,
		ui:            ui,
		log:           log,
		accumulators:  make(map[string]*streamaccum.Accumulator),
		conversations: make(map[string]*domain.Conversation),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// session wraps one proxy WebSocket connection.
type session struct {
	ws   *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// ServeHTTP upgrades the request and installs the resulting connection as
// the channel's active session. A new connection replaces any prior one; on
// install the backend immediately re-sends the current intercept mode and
// rules-enabled flag (session re-establishment, §4.1).
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Error("proxy channel upgrade failed", "err", err)
		return
	}
	sess := &session{ws: ws, send: make(chan []byte, 256)}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()

	if c.storage != nil {
		settings := c.storage.Settings()
		c.sendTo(sess, setInterceptModeCmd{Cmd: "set_intercept_mode", Mode: settings.InterceptMode})
		c.sendTo(sess, setRulesEnabledCmd{Cmd: "set_rules_enabled", Enabled: settings.RulesEnabled})
	}

	go c.writePump(sess)
	c.readPump(sess)
}

func (c *Channel) writePump(sess *session) {
	defer sess.ws.Close()
	for msg := range sess.send {
		sess.mu.Lock()
		err := sess.ws.WriteMessage(websocket.TextMessage, msg)
		sess.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump is the single goroutine that processes every inbound message for
// this session, in receipt order, until the connection drops. A dropped
// session loses no state: pending intercepts remain queued and are later
// resolved by the timeout sweep (§4.1 failure model).
func (c *Channel) readPump(sess *session) {
	defer func() {
		c.mu.Lock()
		if c.session == sess {
			c.session = nil
		}
		c.mu.Unlock()
		sess.ws.Close()
	}()
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return
		}
		c.handleInbound(data)
	}
}

func (c *Channel) sendTo(sess *session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("proxy channel: marshal outbound command failed", "err", err)
		return
	}
	select {
	case sess.send <- data:
	default:
		c.log.Warn("proxy channel: session send buffer full, dropping command")
	}
}

func (c *Channel) send(v any) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		c.log.Warn("proxy channel: no active session, dropping outbound command")
		return
	}
	c.sendTo(sess, v)
}

// --- outbound wire shapes (§6) ---

type setInterceptModeCmd struct {
	Cmd  string               `json:"cmd"`
	Mode domain.InterceptMode `json:"mode"`
}

type setRulesEnabledCmd struct {
	Cmd     string `json:"cmd"`
	Enabled bool   `json:"enabled"`
}

type flowCmd struct {
	Cmd    string `json:"cmd"`
	FlowID string `json:"flow_id"`
}

type modificationsPayload struct {
	Body       *string           `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	StatusCode *int              `json:"status_code,omitempty"`
	Drop       bool              `json:"drop,omitempty"`
}

type modifiedCmd struct {
	Cmd           string                `json:"cmd"`
	FlowID        string                `json:"flow_id"`
	Modifications modificationsPayload `json:"modifications"`
}

type replayRequestCmd struct {
	Cmd               string         `json:"cmd"`
	ReplayID          string         `json:"replay_id"`
	VariantID         string         `json:"variant_id"`
	ParentFlowID      string         `json:"parent_flow_id"`
	Request           domain.Request `json:"request"`
	InterceptResponse bool           `json:"intercept_response"`
}

// --- intercept.ProxyNotifier ---

func (c *Channel) Forward(flowID string) { c.send(flowCmd{Cmd: "forward", FlowID: flowID}) }

func (c *Channel) ForwardModified(flowID string, mods intercept.Modifications) {
	c.send(modifiedCmd{Cmd: "forward_modified", FlowID: flowID, Modifications: toWireMods(mods)})
}

func (c *Channel) Drop(flowID string) { c.send(flowCmd{Cmd: "drop", FlowID: flowID}) }

func (c *Channel) ForwardResponse(flowID string) {
	c.send(flowCmd{Cmd: "forward_response", FlowID: flowID})
}

func (c *Channel) ForwardResponseModified(flowID string, mods intercept.Modifications) {
	c.send(modifiedCmd{Cmd: "forward_response_modified", FlowID: flowID, Modifications: toWireMods(mods)})
}

func toWireMods(m intercept.Modifications) modificationsPayload {
	return modificationsPayload{Body: m.Body, Headers: m.Headers, StatusCode: m.StatusCode}
}

// PushInterceptMode and PushRulesEnabled re-announce a global setting change
// to the connected proxy outside of any single flow's verdict.
func (c *Channel) PushInterceptMode(mode domain.InterceptMode) {
	c.send(setInterceptModeCmd{Cmd: "set_intercept_mode", Mode: mode})
}

func (c *Channel) PushRulesEnabled(enabled bool) {
	c.send(setRulesEnabledCmd{Cmd: "set_rules_enabled", Enabled: enabled})
}

// ReplayRequest drives a backend-initiated replay (a user-edited copy of a
// captured request, re-sent through the proxy; see the replay variant
// glossary entry).
func (c *Channel) ReplayRequest(replayID, variantID, parentFlowID string, req domain.Request, interceptResponse bool) {
	c.send(replayRequestCmd{
		Cmd: "replay_request", ReplayID: replayID, VariantID: variantID,
		ParentFlowID: parentFlowID, Request: req, InterceptResponse: interceptResponse,
	})
}

// --- inbound dispatch (§6) ---

type typeTag struct {
	Type string `json:"type"`
}

func (c *Channel) handleInbound(data []byte) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		c.log.Error("proxy channel: malformed inbound message", "err", err)
		return
	}
	switch tag.Type {
	case "request", "intercept_request":
		c.handleRequestMsg(data)
	case "response", "intercept_response":
		c.handleResponseMsg(data)
	case "stream_chunk":
		c.handleStreamChunk(data)
	case "request_modified":
		c.handleRequestModified(data)
	case "replay_response":
		c.handleReplayResponse(data)
	case "replay_complete":
		c.handleReplayComplete(data)
	default:
		c.log.Warn("proxy channel: unknown inbound message type", "type", tag.Type)
	}
}

type flowMessage struct {
	Type string      `json:"type"`
	Flow domain.Flow `json:"flow"`
}

// handleRequestMsg parses and correlates an inbound request before handing
// it to T1. `intercept_request` carries the identical payload (the proxy is
// simply already holding the flow awaiting a verdict, §4.1) so it shares the
// same path.
func (c *Channel) handleRequestMsg(data []byte) {
	var msg flowMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed request message", "err", err)
		return
	}
	flow := msg.Flow
	c.parseRequest(&flow)
	if flow.IsLLMAPI && flow.Parsed != nil && c.correlator != nil {
		conv := c.correlator.OnRequest(flow.FlowID, flow.Parsed, flow.Timestamp)
		c.mu.Lock()
		c.conversations[flow.FlowID] = conv
		c.mu.Unlock()
		if c.ui != nil {
			c.ui.Broadcast("conversation", conv)
		}
	}
	c.handler.HandleRequest(&flow)
}

func (c *Channel) handleResponseMsg(data []byte) {
	var msg flowMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed response message", "err", err)
		return
	}
	flow := msg.Flow
	c.finalizeAccumulator(&flow)
	c.parseResponse(&flow)
	c.attachConversationResponse(&flow)
	c.handler.HandleResponse(&flow)
}

func (c *Channel) parseRequest(flow *domain.Flow) {
	if c.registry == nil || flow.Parsed != nil {
		return
	}
	parser := c.registry.Select(flow.Request.Host, flow.Request.Path)
	if parser == nil {
		return
	}
	parsed, ok := parser.ParseRequest([]byte(flow.Request.Body))
	if !ok {
		// Parser failure degrades to a non-LLM flow rather than aborting it
		// (§7 "parser failure").
		return
	}
	flow.IsLLMAPI = true
	flow.Parsed = parsed
}

func (c *Channel) parseResponse(flow *domain.Flow) {
	if c.registry == nil || flow.Response == nil || flow.ParsedResponse != nil {
		return
	}
	var parser parsers.Parser
	if flow.Parsed != nil {
		parser = c.registry.ByProvider(flow.Parsed.Provider)
	}
	if parser == nil {
		parser = c.registry.Select(flow.Request.Host, flow.Request.Path)
	}
	if parser == nil {
		return
	}
	parsed, ok := parser.ParseResponse([]byte(flow.Response.Body))
	if !ok {
		return
	}
	flow.IsLLMAPI = true
	flow.ParsedResponse = parsed
}

func (c *Channel) attachConversationResponse(flow *domain.Flow) {
	if c.correlator == nil || flow.ParsedResponse == nil {
		return
	}
	c.mu.Lock()
	conv, ok := c.conversations[flow.FlowID]
	delete(c.conversations, flow.FlowID)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.correlator.OnResponse(conv, flow.FlowID, flow.ParsedResponse, flow.Timestamp)
	if c.ui != nil {
		c.ui.Broadcast("conversation", conv)
	}
}

// finalizeAccumulator folds a live streaming accumulator into the flow's
// ParsedResponse. A `response` message is the streaming-completion marker
// for any flow that previously received `stream_chunk`s (§4.1).
func (c *Channel) finalizeAccumulator(flow *domain.Flow) {
	c.mu.Lock()
	acc, ok := c.accumulators[flow.FlowID]
	if ok {
		delete(c.accumulators, flow.FlowID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	flow.IsLLMAPI = true
	flow.ParsedResponse = acc.Finalize(time.Now())
}

type streamChunkMessage struct {
	Type      string `json:"type"`
	FlowID    string `json:"flow_id"`
	Chunk     string `json:"chunk"`
	Timestamp int64  `json:"timestamp"`
}

// handleStreamChunk folds one opaque chunk into the flow's accumulator,
// creating it on first sight. The channel tolerates arbitrarily interleaved
// chunks from multiple concurrent flows (§4.1): each accumulator is keyed by
// flow id and advances independently of every other.
func (c *Channel) handleStreamChunk(data []byte) {
	var msg streamChunkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed stream_chunk message", "err", err)
		return
	}

	c.mu.Lock()
	acc, ok := c.accumulators[msg.FlowID]
	if !ok {
		acc = c.newAccumulatorLocked(msg.FlowID)
		if acc != nil {
			c.accumulators[msg.FlowID] = acc
		}
	}
	c.mu.Unlock()

	if acc == nil {
		c.log.Warn("proxy channel: stream_chunk for unknown or unparseable flow", "flow_id", msg.FlowID)
		return
	}

	ts := time.Now()
	if msg.Timestamp != 0 {
		ts = time.UnixMilli(msg.Timestamp)
	}
	acc.Feed([]byte(msg.Chunk), ts)
}

// newAccumulatorLocked must be called with c.mu held.
func (c *Channel) newAccumulatorLocked(flowID string) *streamaccum.Accumulator {
	if c.registry == nil || c.storage == nil {
		return nil
	}
	flow, found := c.storage.GetFlow(flowID)
	if !found {
		return nil
	}
	parser := c.registry.Select(flow.Request.Host, flow.Request.Path)
	if parser == nil {
		return nil
	}
	return streamaccum.New(flowID, flow.Request.Host, flow.Request.Path, parser, func(snap streamaccum.Snapshot) {
		if c.ui != nil {
			c.ui.Broadcast("stream_update", snap)
		}
	})
}

type requestModifiedMessage struct {
	Type            string         `json:"type"`
	FlowID          string         `json:"flow_id"`
	OriginalRequest domain.Request `json:"original_request"`
	ModifiedRequest domain.Request `json:"modified_request"`
}

// handleRequestModified records a modification the proxy injected out of
// band (e.g. a manual edit made client-side before the backend ever saw the
// original), preserving the same snapshot-once invariant modify_static
// relies on (§8 "modification immutability").
func (c *Channel) handleRequestModified(data []byte) {
	var msg requestModifiedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed request_modified message", "err", err)
		return
	}
	if c.storage == nil {
		return
	}
	flow, ok := c.storage.GetFlow(msg.FlowID)
	if !ok {
		c.log.Warn("proxy channel: request_modified for unknown flow", "flow_id", msg.FlowID)
		return
	}
	flow.SnapshotRequestOriginal()
	flow.Request = msg.ModifiedRequest
	flow.RequestModified = true
	c.storage.SaveFlow(flow)
	if c.ui != nil {
		c.ui.Broadcast("traffic", flow)
	}
}

type replayResponseMessage struct {
	Type      string  `json:"type"`
	ReplayID  string  `json:"replay_id"`
	VariantID string  `json:"variant_id"`
	FlowID    *string `json:"flow_id,omitempty"`
	Error     *string `json:"error,omitempty"`
}

func (c *Channel) handleReplayResponse(data []byte) {
	var msg replayResponseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed replay_response message", "err", err)
		return
	}
	if c.ui != nil {
		c.ui.Broadcast("alternate_generated", msg)
	}
}

type replayCompleteMessage struct {
	Type      string `json:"type"`
	ReplayID  string `json:"replay_id"`
	VariantID string `json:"variant_id"`
	FlowID    string `json:"flow_id"`
	Success   bool   `json:"success"`
}

func (c *Channel) handleReplayComplete(data []byte) {
	var msg replayCompleteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Error("proxy channel: malformed replay_complete message", "err", err)
		return
	}
	if c.ui != nil {
		c.ui.Broadcast("alternate_generated", msg)
	}
}
