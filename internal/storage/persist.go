package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/follgate/tollbooth/internal/domain"
	"github.com/follgate/tollbooth/internal/store"
)

// Persister mirrors storage writes to JSON documents under a data root,
// one file per entity plus a handful of small aggregates, per §6's
// "Persisted state layout". It is the L7 half of storage: L6 (Storage)
// stays the source of truth for hot state; Persister only ever reflects it.
type Persister struct {
	root string

	PersistTraffic bool
	PersistReplay  bool
	PersistRules   bool
	PersistConfig  bool
	PersistStore   bool

	log *slog.Logger
}

// NewPersister returns a Persister rooted at dir. An empty dir disables
// persistence entirely: Enabled reports false and every Save/Delete call is
// a no-op, matching "purely in-memory if absent" (§6).
func NewPersister(dir string, persistTraffic, persistReplay, persistRules, persistConfig, persistStore bool, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{
		root:           dir,
		PersistTraffic: persistTraffic,
		PersistReplay:  persistReplay,
		PersistRules:   persistRules,
		PersistConfig:  persistConfig,
		PersistStore:   persistStore,
		log:            log,
	}
}

func (p *Persister) Enabled() bool { return p != nil && p.root != "" }

func (p *Persister) writeJSON(path string, v any) {
	full := filepath.Join(p.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		p.log.Error("persist: creating directory failed", "path", full, "err", err)
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		p.log.Error("persist: marshal failed", "path", full, "err", err)
		return
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		p.log.Error("persist: write failed", "path", full, "err", err)
	}
}

func (p *Persister) remove(path string) {
	full := filepath.Join(p.root, path)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		p.log.Error("persist: delete failed", "path", full, "err", err)
	}
}

func (p *Persister) readEach(dir string, fn func(data []byte)) error {
	if !p.Enabled() {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(p.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.root, dir, e.Name()))
		if err != nil {
			p.log.Error("persist: read failed", "path", e.Name(), "err", err)
			continue
		}
		fn(data)
	}
	return nil
}

// --- traffic (flows) ---

func (p *Persister) SaveFlow(f *domain.Flow) {
	if !p.Enabled() || !p.PersistTraffic {
		return
	}
	p.writeJSON(filepath.Join("flows", store.SanitizeKey(f.FlowID)+".json"), f)
}

func (p *Persister) DeleteFlow(id string) {
	if !p.Enabled() || !p.PersistTraffic {
		return
	}
	p.remove(filepath.Join("flows", store.SanitizeKey(id)+".json"))
}

func (p *Persister) LoadFlows() ([]*domain.Flow, error) {
	var out []*domain.Flow
	err := p.readEach("flows", func(data []byte) {
		var f domain.Flow
		if err := json.Unmarshal(data, &f); err == nil {
			out = append(out, &f)
		}
	})
	return out, err
}

// --- rules (aggregate) ---

func (p *Persister) SaveRules(rs []*domain.Rule) {
	if !p.Enabled() || !p.PersistRules {
		return
	}
	p.writeJSON("rules.json", rs)
}

func (p *Persister) LoadRules() ([]*domain.Rule, error) {
	if !p.Enabled() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, "rules.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rs []*domain.Rule
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func (p *Persister) SaveRefusalRules(rs []*domain.RefusalRule) {
	if !p.Enabled() || !p.PersistRules {
		return
	}
	p.writeJSON("refusal_rules.json", rs)
}

func (p *Persister) LoadRefusalRules() ([]*domain.RefusalRule, error) {
	if !p.Enabled() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, "refusal_rules.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rs []*domain.RefusalRule
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// --- config (settings) ---

func (p *Persister) SaveSettings(s domain.Settings) {
	if !p.Enabled() || !p.PersistConfig {
		return
	}
	p.writeJSON("settings.json", s)
}

func (p *Persister) LoadSettings() (domain.Settings, bool) {
	if !p.Enabled() {
		return domain.Settings{}, false
	}
	data, err := os.ReadFile(filepath.Join(p.root, "settings.json"))
	if err != nil {
		return domain.Settings{}, false
	}
	var s domain.Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return domain.Settings{}, false
	}
	return s, true
}

// --- replay ---

func (p *Persister) SaveReplayVariant(v *domain.ReplayVariant) {
	if !p.Enabled() || !p.PersistReplay {
		return
	}
	p.writeJSON(filepath.Join("replay", store.SanitizeKey(v.VariantID)+".json"), v)
}

func (p *Persister) DeleteReplayVariant(id string) {
	if !p.Enabled() || !p.PersistReplay {
		return
	}
	p.remove(filepath.Join("replay", store.SanitizeKey(id)+".json"))
}

func (p *Persister) LoadReplayVariants() ([]*domain.ReplayVariant, error) {
	var out []*domain.ReplayVariant
	err := p.readEach("replay", func(data []byte) {
		var v domain.ReplayVariant
		if err := json.Unmarshal(data, &v); err == nil {
			out = append(out, &v)
		}
	})
	return out, err
}

func (p *Persister) SaveReplayDisplayNames(names map[string]string) {
	if !p.Enabled() || !p.PersistReplay {
		return
	}
	p.writeJSON("replay_display_names.json", names)
}

func (p *Persister) LoadReplayDisplayNames() map[string]string {
	if !p.Enabled() {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, "replay_display_names.json"))
	if err != nil {
		return nil
	}
	var names map[string]string
	json.Unmarshal(data, &names)
	return names
}

// --- store (stored requests/responses, templates, presets) ---

func (p *Persister) SaveStoredRequest(r *domain.StoredRequest) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.writeJSON(filepath.Join("store", "requests", r.Key+".json"), r)
}

func (p *Persister) DeleteStoredRequest(key string) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.remove(filepath.Join("store", "requests", key+".json"))
}

func (p *Persister) LoadStoredRequests() ([]*domain.StoredRequest, error) {
	var out []*domain.StoredRequest
	err := p.readEach(filepath.Join("store", "requests"), func(data []byte) {
		var r domain.StoredRequest
		if err := json.Unmarshal(data, &r); err == nil {
			out = append(out, &r)
		}
	})
	return out, err
}

func (p *Persister) SaveStoredResponse(r *domain.StoredResponse) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.writeJSON(filepath.Join("store", "responses", r.Key+".json"), r)
}

func (p *Persister) DeleteStoredResponse(key string) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.remove(filepath.Join("store", "responses", key+".json"))
}

func (p *Persister) LoadStoredResponses() ([]*domain.StoredResponse, error) {
	var out []*domain.StoredResponse
	err := p.readEach(filepath.Join("store", "responses"), func(data []byte) {
		var r domain.StoredResponse
		if err := json.Unmarshal(data, &r); err == nil {
			out = append(out, &r)
		}
	})
	return out, err
}

func (p *Persister) SaveTemplates(ts []*domain.Template) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.writeJSON("templates.json", ts)
}

func (p *Persister) LoadTemplates() ([]*domain.Template, error) {
	if !p.Enabled() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, "templates.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ts []*domain.Template
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, err
	}
	return ts, nil
}

func (p *Persister) SavePresets(ps []*domain.Preset) {
	if !p.Enabled() || !p.PersistStore {
		return
	}
	p.writeJSON("presets.json", ps)
}

func (p *Persister) LoadPresets() ([]*domain.Preset, error) {
	if !p.Enabled() {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(p.root, "presets.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ps []*domain.Preset
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}
