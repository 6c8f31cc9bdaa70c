package intercept

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/interp"
	"github.com/follgate/tollbooth/internal/llm"
	"github.com/follgate/tollbooth/internal/modify"
	"github.com/follgate/tollbooth/internal/parsers"
	"github.com/follgate/tollbooth/internal/refusal"
	"github.com/follgate/tollbooth/internal/rules"
	"github.com/follgate/tollbooth/internal/storage"
)

// Modifications is the backend's outbound modification payload, mirroring
// the forward_modified / forward_response_modified message bodies of §6.
type Modifications struct {
	Body        *string
	Headers     map[string]string
	HeaderOrder []string
	StatusCode  *int
}

// ProxyNotifier is the outbound half of the proxy control protocol (§4.1,
// §6): implemented by internal/proxychan.
type ProxyNotifier interface {
	Forward(flowID string)
	ForwardModified(flowID string, mods Modifications)
	Drop(flowID string)
	ForwardResponse(flowID string)
	ForwardResponseModified(flowID string, mods Modifications)
}

// UIBroadcaster is the subset of internal/broadcast.Hub T1 pushes events
// through.
type UIBroadcaster interface {
	Broadcast(event string, payload any)
}

// LLMDispatcher is the subset of *llm.MultiClient the modify_llm action and
// the refusal detector's modify fallback need: dispatch a single-turn chat
// call to a named (or fallback) provider.
type LLMDispatcher interface {
	Chat(ctx context.Context, provider, model string, messages []llm.Message) (string, error)
}

// Manager is the intercept manager (T1): the single actor deciding, per
// flow, whether to forward, modify, serve from store, or hold a request or
// response for a human verdict.
type Manager struct {
	storage  *storage.Storage
	detector *refusal.Detector
	refusals *refusal.Queue
	llmc     LLMDispatcher
	proxy    ProxyNotifier
	ui       UIBroadcaster
	log      *slog.Logger

	queue *Queue

	// defaultModel is the model string sent to the LLM dispatcher when a
	// rule doesn't otherwise specify one; neither modify_llm nor the refusal
	// fallback carry a per-call model field (§4.6/§4.7), so one default is
	// configured for the whole manager.
	defaultModel string

	cacheMu sync.Mutex
	cache   map[string]string // in-process generate_once cache, keyed by cache_key
}

// NewManager wires the collaborators T1 needs. detector/llmc/proxy/ui may be
// nil in tests that don't exercise those paths.
func NewManager(st *storage.Storage, detector *refusal.Detector, refusals *refusal.Queue, llmc LLMDispatcher, proxy ProxyNotifier, ui UIBroadcaster, defaultModel string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		storage:      st,
		detector:     detector,
		refusals:     refusals,
		llmc:         llmc,
		proxy:        proxy,
		ui:           ui,
		defaultModel: defaultModel,
		log:          log,
		queue:        NewQueue(),
		cache:        make(map[string]string),
	}
}

func (m *Manager) ensureAnnotation(flow *domain.Flow) *domain.Annotation {
	now := time.Now().UnixMilli()
	if flow.Annotation == nil {
		flow.Annotation = &domain.Annotation{CreatedAt: now}
	}
	flow.Annotation.UpdatedAt = now
	return flow.Annotation
}

func (m *Manager) randomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.Intn(n)
}

// --- request arrival path (§4.2) ---

// HandleRequest runs the rules fall-through loop against an inbound
// request, then either forwards it, applies a modification and forwards the
// result, or enqueues it for manual approval.
func (m *Manager) HandleRequest(flow *domain.Flow) {
	settings := m.storage.Settings()
	if settings.RulesEnabled {
		excluded := map[string]bool{}
		for {
			rule, ok := m.storage.Rules().Next(flow, domain.DirectionRequest, excluded)
			if !ok {
				break
			}
			excluded[rule.ID] = true
			for _, tag := range rule.Action.Tags {
				m.ensureAnnotation(flow).AddTag(tag)
			}
			if m.applyRequestAction(flow, rule) {
				return
			}
		}
	}
	if settings.InterceptMode == domain.ModePassthrough {
		m.forwardRequest(flow)
		return
	}
	m.enqueue(flow, domain.PendingRequest)
}

// applyRequestAction returns true once the rule's action has produced a
// terminal verdict (forward, forward_modified, or intercept); false means
// the rule was a fall-through no-op and the next candidate should run.
func (m *Manager) applyRequestAction(flow *domain.Flow, rule *domain.Rule) bool {
	switch rule.Action.Type {
	case domain.ActionPassthrough:
		m.forwardRequest(flow)
		return true
	case domain.ActionIntercept:
		m.enqueue(flow, domain.PendingRequest)
		return true
	case domain.ActionModifyStatic:
		return m.applyModifyStaticRequest(flow, rule)
	case domain.ActionServeFromStore:
		m.applyServeFromStoreRequest(flow, rule)
		return true
	case domain.ActionModifyLLM:
		m.applyModifyLLMRequest(flow, rule)
		return true
	default:
		// auto_hide/auto_clear only have defined semantics on the response
		// side (§4.2); treat them as passthrough here rather than loop.
		m.forwardRequest(flow)
		return true
	}
}

func (m *Manager) applyModifyStaticRequest(flow *domain.Flow, rule *domain.Rule) bool {
	ctx := requestContext(flow)
	bodyMod := modify.BodyMod{ReplaceBody: rule.Action.ReplaceBody, FindReplaces: toModifyFindReplaces(rule.Action.FindReplaces)}
	newBody, bodyChanged := modify.ApplyBody(bodyMod, flow.Request.Body, ctx)

	origHeaders, order := headerMap(flow.Request.Headers)
	newHeaders, newOrder, headersChanged := modify.ApplyHeaders(toModifyHeaderOps(rule.Action.HeaderOps), order, origHeaders, ctx)

	if !bodyChanged && !headersChanged {
		return false // fall-through safety (§8)
	}

	flow.SnapshotRequestOriginal()
	flow.Request.Body = newBody
	flow.Request.Headers = headersFromMap(newOrder, newHeaders)
	flow.RequestModified = true
	id := rule.ID
	flow.RequestModifiedByRule = &id

	if rule.Action.AllowIntercept {
		m.enqueue(flow, domain.PendingRequest)
		return true
	}

	m.storage.SaveFlow(flow)
	m.proxy.ForwardModified(flow.FlowID, Modifications{Body: &newBody, Headers: newHeaders, HeaderOrder: newOrder})
	return true
}

func (m *Manager) applyServeFromStoreRequest(flow *domain.Flow, rule *domain.Rule) {
	key := rules.ResolveStoreKey(rule, m.randomIndex)
	m.storage.PersistRules()
	if key == "" {
		m.forwardRequest(flow)
		return
	}
	stored, ok := m.storage.Store().GetRequest(key)
	if !ok {
		m.forwardRequest(flow)
		return
	}

	ctx := requestContext(flow)
	body := interp.Expand(stored.Body, ctx)
	storedHeaders, storedOrder := headerMap(stored.Headers)

	var headers map[string]string
	var order []string
	if rule.Action.RequestMergeMode == domain.RequestMergeReplace {
		headers, order = storedHeaders, storedOrder
	} else {
		origHeaders, origOrder := headerMap(flow.Request.Headers)
		headers = make(map[string]string, len(origHeaders)+len(storedHeaders))
		order = append([]string(nil), origOrder...)
		for k, v := range origHeaders {
			headers[k] = v
		}
		for _, k := range storedOrder {
			if _, exists := headers[k]; !exists {
				order = append(order, k)
			}
			headers[k] = storedHeaders[k]
		}
	}

	flow.SnapshotRequestOriginal()
	flow.Request.Body = body
	flow.Request.Headers = headersFromMap(order, headers)
	flow.RequestModified = true
	id := rule.ID
	flow.RequestModifiedByRule = &id
	m.storage.SaveFlow(flow)
	m.proxy.ForwardModified(flow.FlowID, Modifications{Body: &body, Headers: headers, HeaderOrder: order})
}

func (m *Manager) applyModifyLLMRequest(flow *domain.Flow, rule *domain.Rule) {
	newBody, ok := m.runModifyLLM(flow, rule)
	if !ok {
		if rule.Action.AllowIntercept && !rule.Action.SkipInterceptOnLLMFailure {
			m.enqueue(flow, domain.PendingRequest)
			return
		}
		m.forwardRequest(flow)
		return
	}
	flow.SnapshotRequestOriginal()
	flow.Request.Body = newBody
	flow.RequestModified = true
	id := rule.ID
	flow.RequestModifiedByRule = &id
	m.storage.SaveFlow(flow)
	m.proxy.ForwardModified(flow.FlowID, Modifications{Body: &newBody})
}

// --- response arrival path (§4.2) ---

type verdictKind int

const (
	vForward verdictKind = iota
	vForwardModified
	vIntercept
	vAutoHide
	vAutoClear
)

type responseVerdict struct {
	kind   verdictKind
	mods   Modifications
	ruleID *string
}

// HandleResponse runs the rules fall-through loop against a response, then
// the replay-forced-intercept check and the refusal detector, before
// committing a final verdict.
func (m *Manager) HandleResponse(flow *domain.Flow) {
	settings := m.storage.Settings()
	verdict := m.decideResponseVerdict(flow, settings)

	switch verdict.kind {
	case vIntercept:
		m.enqueue(flow, domain.PendingResponse)
		return
	case vAutoHide:
		m.forwardResponse(flow)
		flow.Hidden = true
		flow.HiddenAt = time.Now().UnixMilli()
		flow.HiddenByRule = verdict.ruleID
		m.storage.SaveFlow(flow)
		return
	case vAutoClear:
		m.forwardResponse(flow)
		// Open question in §9: the source clears after a small fixed delay
		// to let the forward drain; until the proxy channel can ack a
		// forward explicitly, approximate that with a short grace period.
		go m.clearAfterGrace(flow.FlowID)
		return
	}

	if m.shouldForceResponseIntercept(flow) {
		m.enqueue(flow, domain.PendingResponse)
		return
	}
	if flow.IsLLMAPI && flow.Response != nil && m.detector != nil {
		if m.runRefusalDetection(flow, verdict) {
			return
		}
	}
	m.commitResponseVerdict(flow, verdict)
}

func (m *Manager) decideResponseVerdict(flow *domain.Flow, settings domain.Settings) responseVerdict {
	if settings.RulesEnabled {
		excluded := map[string]bool{}
		for {
			rule, ok := m.storage.Rules().Next(flow, domain.DirectionResponse, excluded)
			if !ok {
				break
			}
			excluded[rule.ID] = true
			for _, tag := range rule.Action.Tags {
				m.ensureAnnotation(flow).AddTag(tag)
			}
			if v, handled := m.applyResponseAction(flow, rule); handled {
				return v
			}
		}
	}
	if settings.InterceptMode == domain.ModePassthrough {
		return responseVerdict{kind: vForward}
	}
	return responseVerdict{kind: vIntercept}
}

func (m *Manager) applyResponseAction(flow *domain.Flow, rule *domain.Rule) (responseVerdict, bool) {
	switch rule.Action.Type {
	case domain.ActionPassthrough:
		return responseVerdict{kind: vForward}, true
	case domain.ActionIntercept:
		return responseVerdict{kind: vIntercept}, true
	case domain.ActionModifyStatic:
		return m.applyModifyStaticResponse(flow, rule)
	case domain.ActionServeFromStore:
		return m.applyServeFromStoreResponse(flow, rule), true
	case domain.ActionModifyLLM:
		return m.applyModifyLLMResponse(flow, rule), true
	case domain.ActionAutoHide:
		id := rule.ID
		return responseVerdict{kind: vAutoHide, ruleID: &id}, true
	case domain.ActionAutoClear:
		return responseVerdict{kind: vAutoClear}, true
	default:
		return responseVerdict{kind: vForward}, true
	}
}

func (m *Manager) applyModifyStaticResponse(flow *domain.Flow, rule *domain.Rule) (responseVerdict, bool) {
	if flow.Response == nil {
		return responseVerdict{}, false
	}
	ctx := requestContext(flow)
	bodyMod := modify.BodyMod{ReplaceBody: rule.Action.ReplaceBody, FindReplaces: toModifyFindReplaces(rule.Action.FindReplaces)}
	newBody, bodyChanged := modify.ApplyBody(bodyMod, flow.Response.Body, ctx)
	origHeaders, order := headerMap(flow.Response.Headers)
	newHeaders, newOrder, headersChanged := modify.ApplyHeaders(toModifyHeaderOps(rule.Action.HeaderOps), order, origHeaders, ctx)

	if !bodyChanged && !headersChanged {
		return responseVerdict{}, false
	}

	flow.SnapshotResponseOriginal()
	flow.Response.Body = newBody
	flow.Response.Headers = headersFromMap(newOrder, newHeaders)
	flow.ResponseModified = true
	id := rule.ID
	flow.ResponseModifiedByRule = &id

	if rule.Action.AllowIntercept {
		return responseVerdict{kind: vIntercept}, true
	}
	return responseVerdict{kind: vForwardModified, mods: Modifications{Body: &newBody, Headers: newHeaders, HeaderOrder: newOrder}, ruleID: &id}, true
}

func (m *Manager) applyServeFromStoreResponse(flow *domain.Flow, rule *domain.Rule) responseVerdict {
	key := rules.ResolveStoreKey(rule, m.randomIndex)
	m.storage.PersistRules()
	if key == "" {
		return responseVerdict{kind: vForward}
	}
	stored, ok := m.storage.Store().GetResponse(key)
	if !ok {
		return responseVerdict{kind: vForward}
	}

	ctx := requestContext(flow)
	body := interp.Expand(stored.Body, ctx)
	headers, order := headerMap(stored.Headers)

	flow.SnapshotResponseOriginal()
	status := stored.StatusCode
	flow.Response = &domain.Response{StatusCode: status, Headers: headersFromMap(order, headers), Body: body}
	flow.ResponseModified = true
	id := rule.ID
	flow.ResponseModifiedByRule = &id

	return responseVerdict{kind: vForwardModified, mods: Modifications{Body: &body, Headers: headers, HeaderOrder: order, StatusCode: &status}, ruleID: &id}
}

func (m *Manager) applyModifyLLMResponse(flow *domain.Flow, rule *domain.Rule) responseVerdict {
	newBody, ok := m.runModifyLLM(flow, rule)
	if !ok {
		if rule.Action.AllowIntercept && !rule.Action.SkipInterceptOnLLMFailure {
			return responseVerdict{kind: vIntercept}
		}
		return responseVerdict{kind: vForward}
	}
	flow.SnapshotResponseOriginal()
	flow.Response.Body = newBody
	flow.ResponseModified = true
	id := rule.ID
	flow.ResponseModifiedByRule = &id
	return responseVerdict{kind: vForwardModified, mods: Modifications{Body: &newBody}, ruleID: &id}
}

// shouldForceResponseIntercept implements "a flow originating from a replay
// whose variant was created with intercept_on_replay forces a response
// intercept regardless of mode" (§4.2).
func (m *Manager) shouldForceResponseIntercept(flow *domain.Flow) bool {
	if flow.ReplaySource == nil {
		return false
	}
	v, ok := m.storage.GetReplayVariant(flow.ReplaySource.VariantID)
	return ok && v.InterceptOnReplay
}

// runRefusalDetection runs the detector on an LLM response; when a rule
// fires, it decides (and may override) the forwarding verdict, returning
// true. Returns false when nothing fired, leaving verdict to commit as-is.
func (m *Manager) runRefusalDetection(flow *domain.Flow, verdict responseVerdict) bool {
	if flow.ParsedResponse == nil {
		return false
	}
	var texts, thinks []string
	for _, b := range flow.ParsedResponse.Content {
		switch b.Type {
		case parsers.BlockText:
			texts = append(texts, b.Text)
		case parsers.BlockThinking:
			thinks = append(thinks, b.Thinking)
		}
	}
	v := m.detector.Detect(flow, texts, thinks)
	if !v.Fired {
		return false
	}

	flow.Refusal = &domain.RefusalMeta{
		Score:     v.Analysis.Score,
		RuleID:    v.Rule.ID,
		Action:    string(v.Rule.Action),
		Detected:  true,
		Timestamp: time.Now().UnixMilli(),
	}
	m.storage.SaveFlow(flow)

	switch v.Rule.Action {
	case domain.RefusalActionPassthrough:
		// Metadata only; the planned verdict still commits (§4.7).
		return false
	case domain.RefusalActionPromptUser:
		pr := &domain.PendingRefusal{
			ID:               uuid.NewString(),
			FlowID:           flow.FlowID,
			Timestamp:        time.Now().UnixMilli(),
			Flow:             flow,
			Analysis:         v.Analysis,
			MatchedRuleRef:   v.Rule.ID,
			Status:           domain.RefusalPending,
			OriginalResponse: flow.Response,
		}
		m.refusals.Enqueue(pr)
		if m.ui != nil {
			m.ui.Broadcast("pending_refusal", pr)
		}
		return true
	case domain.RefusalActionModify:
		if v.Rule.Fallback == nil || m.llmc == nil {
			return false // degrade to passthrough: commit the planned verdict
		}
		prompt := strings.ReplaceAll(v.Rule.Fallback.Prompt, "{{original_response}}", flow.Response.Body)
		prompt = interp.Expand(prompt, requestContext(flow))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result, err := m.llmc.Chat(ctx, v.Rule.Fallback.ProviderOverride, m.defaultModel, []llm.Message{{Role: "user", Content: prompt}})
		if err != nil {
			m.log.Error("refusal modify call failed", "flow_id", flow.FlowID, "err", err)
			return false
		}
		flow.SnapshotResponseOriginal()
		flow.Response.Body = result
		flow.ResponseModified = true
		m.storage.SaveFlow(flow)
		m.proxy.ForwardResponseModified(flow.FlowID, Modifications{Body: &result})
		return true
	}
	return false
}

func (m *Manager) commitResponseVerdict(flow *domain.Flow, v responseVerdict) {
	switch v.kind {
	case vForward:
		m.forwardResponse(flow)
	case vForwardModified:
		m.storage.SaveFlow(flow)
		m.proxy.ForwardResponseModified(flow.FlowID, v.mods)
	}
}

func (m *Manager) clearAfterGrace(flowID string) {
	time.Sleep(2 * time.Second)
	flow, ok := m.storage.GetFlow(flowID)
	if !ok {
		return
	}
	m.storage.DeleteFlow(flowID)
	if m.ui != nil {
		m.ui.Broadcast("traffic_deleted", map[string]string{"flow_id": flow.FlowID})
	}
}

// --- shared forwarding helpers ---

func (m *Manager) forwardRequest(flow *domain.Flow) {
	m.storage.SaveFlow(flow)
	m.proxy.Forward(flow.FlowID)
}

func (m *Manager) forwardResponse(flow *domain.Flow) {
	m.storage.SaveFlow(flow)
	m.proxy.ForwardResponse(flow.FlowID)
}

func (m *Manager) enqueue(flow *domain.Flow, typ domain.PendingType) {
	p := &domain.PendingIntercept{FlowID: flow.FlowID, Timestamp: time.Now().UnixMilli(), Flow: flow, Type: typ}
	m.queue.Enqueue(p)
	m.storage.SaveFlow(flow)
	if m.ui != nil {
		m.ui.Broadcast("intercept", p)
	}
}

// --- pending intercept queue operations (§4.2) ---

// Forward releases a pending intercept unmodified.
func (m *Manager) Forward(flowID string) bool {
	p, ok := m.queue.Remove(flowID)
	if !ok {
		return false
	}
	if p.Type == domain.PendingRequest {
		m.proxy.Forward(flowID)
	} else {
		m.proxy.ForwardResponse(flowID)
	}
	if m.ui != nil {
		m.ui.Broadcast("intercept_completed", p)
	}
	return true
}

// ForwardModified releases a pending intercept with user-supplied
// modifications, recording which rule (if any) is credited.
func (m *Manager) ForwardModified(flowID string, mods Modifications, ruleRef *string) bool {
	p, ok := m.queue.Remove(flowID)
	if !ok {
		return false
	}
	if ruleRef != nil {
		if p.Type == domain.PendingRequest {
			p.Flow.RequestModifiedByRule = ruleRef
		} else {
			p.Flow.ResponseModifiedByRule = ruleRef
		}
		m.storage.SaveFlow(p.Flow)
	}
	if p.Type == domain.PendingRequest {
		m.proxy.ForwardModified(flowID, mods)
	} else {
		m.proxy.ForwardResponseModified(flowID, mods)
	}
	if m.ui != nil {
		m.ui.Broadcast("intercept_completed", p)
	}
	return true
}

// Drop releases a pending intercept by discarding the flow.
func (m *Manager) Drop(flowID string) bool {
	p, ok := m.queue.Remove(flowID)
	if !ok {
		return false
	}
	m.storage.DeleteFlow(flowID)
	m.proxy.Drop(flowID)
	if m.ui != nil {
		m.ui.Broadcast("intercept_dropped", p)
	}
	return true
}

// SetTimeoutImmune marks a pending intercept as exempt (or not) from the
// timeout sweep.
func (m *Manager) SetTimeoutImmune(flowID string, immune bool) bool {
	return m.queue.SetTimeoutImmune(flowID, immune)
}

// PendingIntercepts returns a snapshot of every flow awaiting a forward/drop
// verdict, for the UI broadcast's init payload (§6).
func (m *Manager) PendingIntercepts() []*domain.PendingIntercept {
	return m.queue.List()
}

// PendingRefusals returns a snapshot of every response awaiting a refusal
// verdict, for the UI broadcast's init payload (§6).
func (m *Manager) PendingRefusals() []*domain.PendingRefusal {
	if m.refusals == nil {
		return nil
	}
	return m.refusals.List()
}

// ResolveRefusal applies a user verdict to a pending refusal, forwarding
// (approve), dropping (reject), or forwarding with a replacement body
// (modify) (§8's refusal pending queue property).
func (m *Manager) ResolveRefusal(flowID string, status domain.RefusalStatus, modified *domain.Response) bool {
	pr, ok := m.refusals.Resolve(flowID, status, modified)
	if !ok {
		return false
	}
	switch status {
	case domain.RefusalApproved:
		m.proxy.ForwardResponse(flowID)
	case domain.RefusalRejected:
		m.storage.DeleteFlow(flowID)
		m.proxy.Drop(flowID)
	case domain.RefusalModified:
		var body *string
		if modified != nil {
			pr.Flow.Response = modified
			pr.Flow.ResponseModified = true
			m.storage.SaveFlow(pr.Flow)
			b := modified.Body
			body = &b
		}
		m.proxy.ForwardResponseModified(flowID, Modifications{Body: body})
	}
	if m.ui != nil {
		m.ui.Broadcast("refusal_resolved", pr)
	}
	return true
}

// --- modify_llm shared logic (§4.6) ---

func (m *Manager) buildPrompt(flow *domain.Flow, rule *domain.Rule) string {
	ctx := requestContext(flow)
	if rule.Action.TemplateID != "" {
		if tmpl, ok := m.storage.GetTemplate(rule.Action.TemplateID); ok {
			body := tmpl.Body
			for k, v := range rule.Action.TemplateVars {
				body = strings.ReplaceAll(body, "{{"+k+"}}", v)
			}
			return interp.Expand(body, ctx)
		}
	}
	return interp.Expand(rule.Action.RawPrompt, ctx)
}

func (m *Manager) runModifyLLM(flow *domain.Flow, rule *domain.Rule) (string, bool) {
	if m.llmc == nil {
		m.log.Error("modify_llm: no LLM client configured", "rule_id", rule.ID)
		return "", false
	}
	cacheKey := rule.Action.CacheKey
	if cacheKey == "" {
		cacheKey = "llm_cache_" + rule.ID
	}
	if rule.Action.CacheMode == "generate_once" {
		if cached, ok := m.lookupCache(cacheKey); ok {
			return cached, true
		}
	}
	prompt := m.buildPrompt(flow, rule)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := m.llmc.Chat(ctx, rule.Action.ProviderOverride, m.defaultModel, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		m.log.Error("modify_llm call failed", "rule_id", rule.ID, "flow_id", flow.FlowID, "err", err)
		return "", false
	}
	if rule.Action.CacheMode == "generate_once" {
		m.storeCache(cacheKey, result)
	}
	return result, true
}

func (m *Manager) lookupCache(key string) (string, bool) {
	m.cacheMu.Lock()
	v, ok := m.cache[key]
	m.cacheMu.Unlock()
	if ok {
		return v, true
	}
	if stored, ok := m.storage.Store().GetResponse(key); ok {
		m.cacheMu.Lock()
		m.cache[key] = stored.Body
		m.cacheMu.Unlock()
		return stored.Body, true
	}
	return "", false
}

func (m *Manager) storeCache(key, value string) {
	m.cacheMu.Lock()
	m.cache[key] = value
	m.cacheMu.Unlock()
	m.storage.PutStoredResponse(&domain.StoredResponse{Key: key, Body: value, StatusCode: 200}, time.Now().Unix())
}

// ClearLLMCache implements manual invalidation of the modify_llm cache
// (§4.6): clears one key, or every cached entry when key is empty.
func (m *Manager) ClearLLMCache(key string) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if key == "" {
		m.cache = make(map[string]string)
		return
	}
	delete(m.cache, key)
}

// RunSweeper drives both the pending-intercept and pending-refusal timeout
// sweeps on their shared one-minute cadence, until ctx is cancelled (§5).
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(SweepCadence())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, p := range m.queue.Sweep(now) {
				m.log.Warn("pending intercept timed out, auto-forwarding", "flow_id", p.FlowID, "type", p.Type)
				if p.Type == domain.PendingRequest {
					m.proxy.Forward(p.FlowID)
				} else {
					m.proxy.ForwardResponse(p.FlowID)
				}
				if m.ui != nil {
					m.ui.Broadcast("intercept_completed", p)
				}
			}
			if m.refusals != nil {
				for _, pr := range m.refusals.Sweep(now) {
					m.log.Warn("pending refusal timed out, auto-approving", "flow_id", pr.FlowID)
					m.proxy.ForwardResponse(pr.FlowID)
					if m.ui != nil {
						m.ui.Broadcast("refusal_resolved", pr)
					}
				}
			}
		}
	}
}
