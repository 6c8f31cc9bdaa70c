// Package facade is the public surface (T4): the in-process Go API an
// out-of-core REST host would call into. It is not itself an HTTP server —
// every method is a plain Go call returning (result, error), leaving
// request decoding and response encoding to whatever binds
// RestChannelAddress.
package facade

import (
	"log/slog"
	"time"

	"github.com/follgate/tollbooth/internal/apperr"
	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/intercept"
	"github.com/follgate/tollbooth/internal/refusal"
	"github.com/follgate/tollbooth/internal/storage"
	"github.com/follgate/tollbooth/internal/store"
)

// Facade wires storage, the intercept manager, and the refusal detector
// behind one call surface. Every method either returns a value or an
// *apperr.Error — never a bare error or a panic — per §7.
type Facade struct {
	storage  *storage.Storage
	manager  *intercept.Manager
	detector *refusal.Detector
	log      *slog.Logger
}

func New(st *storage.Storage, manager *intercept.Manager, detector *refusal.Detector, log *slog.Logger) *Facade {
	if log == nil {
		log = slog.Default()
	}
	return &Facade{storage: st, manager: manager, detector: detector, log: log}
}

// --- Flows -----------------------------------------------------------------

func (f *Facade) ListFlows() []*domain.Flow {
	return f.storage.ListFlows()
}

func (f *Facade) QueryFlows(q storage.FlowIndexQuery) []*domain.Flow {
	return f.storage.QueryFlows(q)
}

func (f *Facade) GetFlow(flowID string) (*domain.Flow, error) {
	flow, ok := f.storage.GetFlow(flowID)
	if !ok {
		return nil, apperr.NotFound("flow " + flowID + " not found")
	}
	return flow, nil
}

func (f *Facade) DeleteFlow(flowID string) error {
	if !f.storage.DeleteFlow(flowID) {
		return apperr.NotFound("flow " + flowID + " not found")
	}
	return nil
}

func (f *Facade) ClearFlows() {
	f.storage.ClearFlows()
}

// --- Conversations -----------------------------------------------------------

func (f *Facade) ListConversations() []*domain.Conversation {
	return f.storage.ListConversations()
}

func (f *Facade) ClearConversations() {
	f.storage.ClearConversations()
}

// --- Settings ----------------------------------------------------------------

func (f *Facade) Settings() domain.Settings {
	return f.storage.Settings()
}

func (f *Facade) SetInterceptMode(mode domain.InterceptMode) error {
	switch mode {
	case domain.ModePassthrough, domain.ModeInterceptLLM, domain.ModeInterceptAll:
		f.storage.SetInterceptMode(mode)
		return nil
	default:
		return apperr.Validation("unknown intercept mode " + string(mode))
	}
}

func (f *Facade) SetRulesEnabled(enabled bool) {
	f.storage.SetRulesEnabled(enabled)
}

// --- Rules ---------------------------------------------------------------------

func (f *Facade) ListRules() []*domain.Rule {
	return f.storage.ListRules()
}

func (f *Facade) GetRule(idOrShort string) (*domain.Rule, error) {
	r := f.storage.GetRule(idOrShort)
	if r == nil {
		return nil, apperr.NotFound("rule " + idOrShort + " not found")
	}
	return r, nil
}

func (f *Facade) AddRule(r *domain.Rule) (*domain.Rule, error) {
	if r.Name == "" {
		return nil, apperr.Validation("rule name must not be empty")
	}
	return f.storage.AddRule(r), nil
}

func (f *Facade) RemoveRule(idOrShort string) error {
	if !f.storage.RemoveRule(idOrShort) {
		return apperr.NotFound("rule " + idOrShort + " not found")
	}
	return nil
}

func (f *Facade) ReplaceRules(rs []*domain.Rule) {
	f.storage.ReplaceRules(rs)
}

// --- Refusal rules ---------------------------------------------------------------

func (f *Facade) ListRefusalRules() []*domain.RefusalRule {
	return f.storage.ListRefusalRules()
}

func (f *Facade) ReplaceRefusalRules(rs []*domain.RefusalRule) {
	f.storage.ReplaceRefusalRules(rs)
	if f.detector != nil {
		f.detector.Replace(rs)
	}
}

// --- Pending intercepts and refusals, and their verdicts ------------------------

func (f *Facade) PendingIntercepts() []*domain.PendingIntercept {
	return f.manager.PendingIntercepts()
}

func (f *Facade) PendingRefusals() []*domain.PendingRefusal {
	return f.manager.PendingRefusals()
}

func (f *Facade) Forward(flowID string) error {
	if !f.manager.Forward(flowID) {
		return apperr.NotFound("no pending intercept for flow " + flowID)
	}
	return nil
}

func (f *Facade) ForwardModified(flowID string, mods intercept.Modifications, ruleRef *string) error {
	if !f.manager.ForwardModified(flowID, mods, ruleRef) {
		return apperr.NotFound("no pending intercept for flow " + flowID)
	}
	return nil
}

func (f *Facade) Drop(flowID string) error {
	if !f.manager.Drop(flowID) {
		return apperr.NotFound("no pending intercept for flow " + flowID)
	}
	return nil
}

func (f *Facade) SetTimeoutImmune(flowID string, immune bool) error {
	if !f.manager.SetTimeoutImmune(flowID, immune) {
		return apperr.NotFound("no pending intercept for flow " + flowID)
	}
	return nil
}

func (f *Facade) ResolveRefusal(flowID string, status domain.RefusalStatus, modified *domain.Response) error {
	if !f.manager.ResolveRefusal(flowID, status, modified) {
		return apperr.NotFound("no pending refusal for flow " + flowID)
	}
	return nil
}

// --- Store (named request/response templates) ------------------------------------

func (f *Facade) PutStoredRequest(r *domain.StoredRequest) *domain.StoredRequest {
	return f.storage.PutStoredRequest(r, time.Now().Unix())
}

func (f *Facade) GetStoredRequest(idOrKey string) (*domain.StoredRequest, error) {
	r, ok := f.storage.Store().GetRequest(idOrKey)
	if !ok {
		return nil, apperr.NotFound("stored request " + idOrKey + " not found")
	}
	return r, nil
}

func (f *Facade) DeleteStoredRequest(idOrKey string) error {
	if !f.storage.DeleteStoredRequest(idOrKey) {
		return apperr.NotFound("stored request " + idOrKey + " not found")
	}
	return nil
}

func (f *Facade) ListStoredRequests() []*domain.StoredRequest {
	return f.storage.Store().ListRequests()
}

func (f *Facade) PutStoredResponse(r *domain.StoredResponse) *domain.StoredResponse {
	return f.storage.PutStoredResponse(r, time.Now().Unix())
}

func (f *Facade) GetStoredResponse(idOrKey string) (*domain.StoredResponse, error) {
	r, err := f.storage.Store().MustGetResponse(idOrKey)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (f *Facade) DeleteStoredResponse(idOrKey string) error {
	if !f.storage.DeleteStoredResponse(idOrKey) {
		return apperr.NotFound("stored response " + idOrKey + " not found")
	}
	return nil
}

func (f *Facade) ListStoredResponses() []*domain.StoredResponse {
	return f.storage.Store().ListResponses()
}

// SanitizeStoreKey exposes the store's key-sanitizing rule (§4.9) so a REST
// host can show the caller the key a Put will actually use.
func (f *Facade) SanitizeStoreKey(key string) string {
	return store.SanitizeKey(key)
}

// --- Replay variants ---------------------------------------------------------------

func (f *Facade) SaveReplayVariant(v *domain.ReplayVariant) {
	f.storage.SaveReplayVariant(v)
}

func (f *Facade) GetReplayVariant(id string) (*domain.ReplayVariant, error) {
	v, ok := f.storage.GetReplayVariant(id)
	if !ok {
		return nil, apperr.NotFound("replay variant " + id + " not found")
	}
	return v, nil
}

func (f *Facade) DeleteReplayVariant(id string) error {
	if !f.storage.DeleteReplayVariant(id) {
		return apperr.NotFound("replay variant " + id + " not found")
	}
	return nil
}

func (f *Facade) ListReplayVariants() []*domain.ReplayVariant {
	return f.storage.ListReplayVariants()
}

// --- Templates and presets -----------------------------------------------------------

func (f *Facade) SaveTemplate(t *domain.Template) {
	f.storage.SaveTemplate(t)
}

func (f *Facade) GetTemplate(id string) (*domain.Template, error) {
	t, ok := f.storage.GetTemplate(id)
	if !ok {
		return nil, apperr.NotFound("template " + id + " not found")
	}
	return t, nil
}

func (f *Facade) DeleteTemplate(id string) error {
	if !f.storage.DeleteTemplate(id) {
		return apperr.NotFound("template " + id + " not found")
	}
	return nil
}

func (f *Facade) ListTemplates() []*domain.Template {
	return f.storage.ListTemplates()
}

func (f *Facade) SavePreset(p *domain.Preset) {
	f.storage.SavePreset(p)
}

func (f *Facade) GetPreset(id string) (*domain.Preset, error) {
	p, ok := f.storage.GetPreset(id)
	if !ok {
		return nil, apperr.NotFound("preset " + id + " not found")
	}
	return p, nil
}

func (f *Facade) DeletePreset(id string) error {
	if !f.storage.DeletePreset(id) {
		return apperr.NotFound("preset " + id + " not found")
	}
	return nil
}

func (f *Facade) ListPresets() []*domain.Preset {
	return f.storage.ListPresets()
}

// --- LLM-modification cache --------------------------------------------------------

func (f *Facade) ClearLLMCache(key string) {
	f.manager.ClearLLMCache(key)
}
