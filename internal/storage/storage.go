// Package storage implements the hot-state owner (L6) and its persistence
// mirror (L7): the single in-process owner of every persistent entity named
// in §3 (flows, conversations, rules, the data store, replay variants,
// templates, presets, refusal rules, settings). Other components hold
// read-only snapshots or mutate only through Storage's methods, matching
// §5's "storage owns all hot-state mutation".
package storage

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/rules"
	"github.com/follgate/tollbooth/internal/shortid"
	"github.com/follgate/tollbooth/internal/store"
)

// Storage is the single actor owning flows, conversations, rules, settings,
// the data store, and the smaller ambient categories (replay variants,
// templates, presets, refusal rules). Every mutation is serialized behind
// mu, the RWMutex-guarded-struct equivalent of the teacher's single-
// goroutine-owns-state actor (§5).
type Storage struct {
	mu sync.RWMutex

	flows         map[string]*domain.Flow
	conversations map[string]*domain.Conversation
	convByFP      map[string]*domain.Conversation

	settings domain.Settings

	replayVariants     map[string]*domain.ReplayVariant
	replayDisplayNames map[string]string
	templates          map[string]*domain.Template
	presets            map[string]*domain.Preset
	refusalRules       []*domain.RefusalRule

	rules *rules.Engine
	ids   *shortid.Registry
	store *store.Store

	persist *Persister
	index   *flowIndex

	log *slog.Logger
}

// New constructs a Storage with empty hot state. Call Load to rehydrate
// from persist (if persistence is enabled) before serving traffic.
func New(persist *Persister, log *slog.Logger) (*Storage, error) {
	if log == nil {
		log = slog.Default()
	}
	ids := shortid.New()
	s := &Storage{
		flows:              make(map[string]*domain.Flow),
		conversations:      make(map[string]*domain.Conversation),
		convByFP:           make(map[string]*domain.Conversation),
		settings:           domain.DefaultSettings(),
		replayVariants:     make(map[string]*domain.ReplayVariant),
		replayDisplayNames: make(map[string]string),
		templates:          make(map[string]*domain.Template),
		presets:            make(map[string]*domain.Preset),
		rules:              rules.New(),
		ids:                ids,
		store:              store.New(ids),
		persist:            persist,
		log:                log,
	}
	if persist.Enabled() {
		idx, err := openFlowIndex(filepath.Join(persist.root, "index.db"))
		if err != nil {
			return nil, err
		}
		s.index = idx
	}
	return s, nil
}

// Close releases the flow index's database handle, if one was opened.
func (s *Storage) Close() error {
	if s.index != nil {
		return s.index.close()
	}
	return nil
}

// Rules returns the underlying rules engine for read access (filter
// evaluation); mutation goes through AddRule/UpdateRule/RemoveRule so the
// short-id registry and persistence stay in sync.
func (s *Storage) Rules() *rules.Engine {
	return s.rules
}

// Store returns the underlying data store (L4) for read access; writes go
// through PutStoredRequest/PutStoredResponse so persistence stays in sync.
func (s *Storage) Store() *store.Store {
	return s.store
}

// --- Flows ---

// SaveFlow inserts or overwrites a flow and mirrors it to persistence and
// the flow index.
func (s *Storage) SaveFlow(f *domain.Flow) {
	s.mu.Lock()
	s.flows[f.FlowID] = f
	s.mu.Unlock()

	s.persist.SaveFlow(f)
	if s.index != nil {
		row := FlowIndexRow{
			FlowID:   f.FlowID,
			Timestamp: f.Timestamp,
			Host:     f.Request.Host,
			Path:     f.Request.Path,
			Method:   f.Request.Method,
			IsLLMAPI: f.IsLLMAPI,
			Hidden:   f.Hidden,
		}
		if f.Response != nil {
			row.StatusCode = f.Response.StatusCode
		}
		s.index.upsert(row)
	}
}

func (s *Storage) GetFlow(flowID string) (*domain.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[flowID]
	return f, ok
}

// DeleteFlow removes a flow from hot state, persistence, and the index.
func (s *Storage) DeleteFlow(flowID string) bool {
	s.mu.Lock()
	_, ok := s.flows[flowID]
	delete(s.flows, flowID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.persist.DeleteFlow(flowID)
	if s.index != nil {
		s.index.delete(flowID)
	}
	return true
}

// ClearFlows removes every flow from hot state, persistence, and the index.
func (s *Storage) ClearFlows() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.flows))
	for id := range s.flows {
		ids = append(ids, id)
	}
	s.flows = make(map[string]*domain.Flow)
	s.mu.Unlock()

	for _, id := range ids {
		s.persist.DeleteFlow(id)
	}
	if s.index != nil {
		s.index.clear()
	}
}

// ListFlows returns every flow in undefined order; callers that need
// pagination/filtering should prefer QueryFlows when persistence (and
// therefore the index) is enabled.
func (s *Storage) ListFlows() []*domain.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, f)
	}
	return out
}

// QueryFlows filters/paginates via the SQLite index when available,
// falling back to an in-memory scan otherwise.
func (s *Storage) QueryFlows(q FlowIndexQuery) []*domain.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index != nil {
		ids, err := s.index.query(q)
		if err != nil {
			s.log.Error("flow index query failed", "err", err)
		} else {
			out := make([]*domain.Flow, 0, len(ids))
			for _, id := range ids {
				if f, ok := s.flows[id]; ok {
					out = append(out, f)
				}
			}
			return out
		}
	}

	var out []*domain.Flow
	for _, f := range s.flows {
		if q.Host != "" && f.Request.Host != q.Host {
			continue
		}
		if q.IsLLMAPI != nil && f.IsLLMAPI != *q.IsLLMAPI {
			continue
		}
		if q.Hidden != nil && f.Hidden != *q.Hidden {
			continue
		}
		if q.Since > 0 && f.Timestamp < q.Since {
			continue
		}
		out = append(out, f)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// LoadFlows rehydrates hot state and the flow index from persisted
// documents. Call once at startup, before serving traffic.
func (s *Storage) LoadFlows() error {
	flows, err := s.persist.LoadFlows()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, f := range flows {
		s.flows[f.FlowID] = f
	}
	s.mu.Unlock()
	if s.index != nil {
		for _, f := range flows {
			row := FlowIndexRow{FlowID: f.FlowID, Timestamp: f.Timestamp, Host: f.Request.Host, Path: f.Request.Path, Method: f.Request.Method, IsLLMAPI: f.IsLLMAPI, Hidden: f.Hidden}
			if f.Response != nil {
				row.StatusCode = f.Response.StatusCode
			}
			s.index.upsert(row)
		}
	}
	return nil
}

// --- Conversations (implements internal/correlate.Store) ---

func (s *Storage) ConversationByFingerprint(fingerprint string) (*domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convByFP[fingerprint]
	return c, ok
}

func (s *Storage) SaveConversation(c *domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ConversationID] = c
	s.convByFP[c.CorrelationHash] = c
}

func (s *Storage) ListConversations() []*domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}

// ClearConversations removes every conversation, e.g. before a rebuild
// (§4.8's "optionally clears conversations first").
func (s *Storage) ClearConversations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*domain.Conversation)
	s.convByFP = make(map[string]*domain.Conversation)
}

// --- Settings ---

func (s *Storage) Settings() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Storage) SetInterceptMode(mode domain.InterceptMode) {
	s.mu.Lock()
	s.settings.InterceptMode = mode
	snap := s.settings
	s.mu.Unlock()
	s.persist.SaveSettings(snap)
}

func (s *Storage) SetRulesEnabled(enabled bool) {
	s.mu.Lock()
	s.settings.RulesEnabled = enabled
	snap := s.settings
	s.mu.Unlock()
	s.persist.SaveSettings(snap)
}

// LoadSettings rehydrates settings from persistence, if any were saved.
func (s *Storage) LoadSettings() {
	if loaded, ok := s.persist.LoadSettings(); ok {
		s.mu.Lock()
		s.settings = loaded
		s.mu.Unlock()
	}
}

// --- Rules ---

// AddRule assigns an id/short id if missing, installs the rule, and
// persists the full aggregate.
func (s *Storage) AddRule(r *domain.Rule) *domain.Rule {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.ShortID == "" {
		r.ShortID = s.ids.Assign(shortid.KindRule, r.ID)
	}
	s.rules.Add(r)
	s.persistRules()
	return r
}

// RemoveRule deletes a rule by id or short id.
func (s *Storage) RemoveRule(idOrShort string) bool {
	full, ok := s.ids.Resolve(shortid.KindRule, idOrShort)
	if !ok {
		full = idOrShort
	}
	if !s.rules.Remove(full) {
		return false
	}
	s.ids.Forget(shortid.KindRule, full)
	s.persistRules()
	return true
}

// GetRule resolves either a short or full rule id.
func (s *Storage) GetRule(idOrShort string) *domain.Rule {
	full, ok := s.ids.Resolve(shortid.KindRule, idOrShort)
	if !ok {
		full = idOrShort
	}
	return s.rules.Get(full)
}

func (s *Storage) ListRules() []*domain.Rule {
	return s.rules.List()
}

// ReplaceRules installs an entirely new rule set, assigning short ids to
// any rule missing one.
func (s *Storage) ReplaceRules(rs []*domain.Rule) {
	for _, r := range rs {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if short, ok := s.ids.ShortOf(shortid.KindRule, r.ID); ok {
			r.ShortID = short
		} else {
			r.ShortID = s.ids.Assign(shortid.KindRule, r.ID)
		}
	}
	s.rules.Replace(rs)
	s.persistRules()
}

func (s *Storage) persistRules() {
	s.persist.SaveRules(s.rules.List())
}

// PersistRules writes the current rule set to persistence immediately. T1
// calls this after ResolveStoreKey advances a rule's StoreKeyCursor, since
// that mutation happens in place on the live rule pointer (§4.2).
func (s *Storage) PersistRules() {
	s.persistRules()
}

// LoadRules rehydrates the rules engine (and the rule short-id namespace)
// from persistence.
func (s *Storage) LoadRules() error {
	rs, err := s.persist.LoadRules()
	if err != nil {
		return err
	}
	for _, r := range rs {
		s.ids.Seed(shortid.KindRule, r.ID, r.ShortID)
	}
	s.rules.Replace(rs)
	return nil
}

// --- Refusal rules ---

func (s *Storage) ReplaceRefusalRules(rs []*domain.RefusalRule) {
	s.mu.Lock()
	s.refusalRules = rs
	s.mu.Unlock()
	s.persist.SaveRefusalRules(rs)
}

func (s *Storage) ListRefusalRules() []*domain.RefusalRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.RefusalRule(nil), s.refusalRules...)
}

func (s *Storage) LoadRefusalRules() error {
	rs, err := s.persist.LoadRefusalRules()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.refusalRules = rs
	s.mu.Unlock()
	return nil
}

// --- Data store (stored requests/responses) ---

func (s *Storage) PutStoredRequest(r *domain.StoredRequest, now int64) *domain.StoredRequest {
	saved := s.store.PutRequest(r, now)
	s.persist.SaveStoredRequest(saved)
	return saved
}

func (s *Storage) DeleteStoredRequest(idOrKey string) bool {
	key := s.resolveStoreKeyForDelete(idOrKey, true)
	if !s.store.DeleteRequest(idOrKey) {
		return false
	}
	s.persist.DeleteStoredRequest(key)
	return true
}

func (s *Storage) PutStoredResponse(r *domain.StoredResponse, now int64) *domain.StoredResponse {
	saved := s.store.PutResponse(r, now)
	s.persist.SaveStoredResponse(saved)
	return saved
}

func (s *Storage) DeleteStoredResponse(idOrKey string) bool {
	key := s.resolveStoreKeyForDelete(idOrKey, false)
	if !s.store.DeleteResponse(idOrKey) {
		return false
	}
	s.persist.DeleteStoredResponse(key)
	return true
}

// resolveStoreKeyForDelete recovers the sanitized key before the entry is
// removed from hot state, so the persisted file can be found by name.
func (s *Storage) resolveStoreKeyForDelete(idOrKey string, isRequest bool) string {
	if isRequest {
		if r, ok := s.store.GetRequest(idOrKey); ok {
			return r.Key
		}
	} else {
		if r, ok := s.store.GetResponse(idOrKey); ok {
			return r.Key
		}
	}
	return idOrKey
}

// LoadStore rehydrates stored requests/responses and seeds their short-id
// namespaces from persistence.
func (s *Storage) LoadStore() error {
	reqs, err := s.persist.LoadStoredRequests()
	if err != nil {
		return err
	}
	for _, r := range reqs {
		s.ids.Seed(shortid.KindRequest, r.Key, r.Metadata.ShortID)
		s.store.PutRequest(r, r.Metadata.CreatedAt)
	}
	resps, err := s.persist.LoadStoredResponses()
	if err != nil {
		return err
	}
	for _, r := range resps {
		s.ids.Seed(shortid.KindResponse, r.Key, r.Metadata.ShortID)
		s.store.PutResponse(r, r.Metadata.CreatedAt)
	}
	return nil
}

// --- Replay variants ---

func (s *Storage) SaveReplayVariant(v *domain.ReplayVariant) {
	s.mu.Lock()
	s.replayVariants[v.VariantID] = v
	if v.DisplayName != "" {
		s.replayDisplayNames[v.VariantID] = v.DisplayName
	}
	names := cloneStringMap(s.replayDisplayNames)
	s.mu.Unlock()
	s.persist.SaveReplayVariant(v)
	s.persist.SaveReplayDisplayNames(names)
}

func (s *Storage) GetReplayVariant(id string) (*domain.ReplayVariant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.replayVariants[id]
	return v, ok
}

func (s *Storage) DeleteReplayVariant(id string) bool {
	s.mu.Lock()
	_, ok := s.replayVariants[id]
	delete(s.replayVariants, id)
	delete(s.replayDisplayNames, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.persist.DeleteReplayVariant(id)
	return true
}

func (s *Storage) ListReplayVariants() []*domain.ReplayVariant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.ReplayVariant, 0, len(s.replayVariants))
	for _, v := range s.replayVariants {
		out = append(out, v)
	}
	return out
}

func (s *Storage) LoadReplayVariants() error {
	vs, err := s.persist.LoadReplayVariants()
	if err != nil {
		return err
	}
	names := s.persist.LoadReplayDisplayNames()
	s.mu.Lock()
	for _, v := range vs {
		s.replayVariants[v.VariantID] = v
	}
	for id, name := range names {
		s.replayDisplayNames[id] = name
	}
	s.mu.Unlock()
	return nil
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- Templates ---

func (s *Storage) SaveTemplate(t *domain.Template) {
	s.mu.Lock()
	s.templates[t.ID] = t
	all := s.templateListLocked()
	s.mu.Unlock()
	s.persist.SaveTemplates(all)
}

func (s *Storage) GetTemplate(id string) (*domain.Template, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	return t, ok
}

func (s *Storage) DeleteTemplate(id string) bool {
	s.mu.Lock()
	_, ok := s.templates[id]
	delete(s.templates, id)
	all := s.templateListLocked()
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.persist.SaveTemplates(all)
	return true
}

func (s *Storage) ListTemplates() []*domain.Template {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.templateListLocked()
}

func (s *Storage) templateListLocked() []*domain.Template {
	out := make([]*domain.Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

func (s *Storage) LoadTemplates() error {
	ts, err := s.persist.LoadTemplates()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, t := range ts {
		s.templates[t.ID] = t
	}
	s.mu.Unlock()
	return nil
}

// --- Presets ---

func (s *Storage) SavePreset(p *domain.Preset) {
	s.mu.Lock()
	s.presets[p.ID] = p
	all := s.presetListLocked()
	s.mu.Unlock()
	s.persist.SavePresets(all)
}

func (s *Storage) GetPreset(id string) (*domain.Preset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[id]
	return p, ok
}

func (s *Storage) DeletePreset(id string) bool {
	s.mu.Lock()
	_, ok := s.presets[id]
	delete(s.presets, id)
	all := s.presetListLocked()
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.persist.SavePresets(all)
	return true
}

func (s *Storage) ListPresets() []*domain.Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.presetListLocked()
}

func (s *Storage) presetListLocked() []*domain.Preset {
	out := make([]*domain.Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p)
	}
	return out
}

func (s *Storage) LoadPresets() error {
	ps, err := s.persist.LoadPresets()
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, p := range ps {
		s.presets[p.ID] = p
	}
	s.mu.Unlock()
	return nil
}

// LoadAll rehydrates every category from persistence, in an order that
// seeds the short-id registry before anything else needs it. Safe to call
// even when persistence is disabled (every Load* becomes a no-op).
func (s *Storage) LoadAll() error {
	if err := s.LoadRules(); err != nil {
		return err
	}
	if err := s.LoadRefusalRules(); err != nil {
		return err
	}
	s.LoadSettings()
	if err := s.LoadStore(); err != nil {
		return err
	}
	if err := s.LoadTemplates(); err != nil {
		return err
	}
	if err := s.LoadPresets(); err != nil {
		return err
	}
	if err := s.LoadReplayVariants(); err != nil {
		return err
	}
	return s.LoadFlows()
}
