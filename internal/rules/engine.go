// Package rules implements the rules engine (M1): an ordered, user-editable
// rule list, filter matching, and fall-through-aware candidate iteration.
package rules

import (
	"sort"
	"sync"

	"github.com/follgate/tollbooth/internal/domain"
)

type compiledRule struct {
	rule   *domain.Rule
	filter *compiledFilter
}

// Engine holds the combined rule set and evaluates flows against it.
// Thread-safe: Evaluate is called concurrently; mutation methods take the
// write lock, matching the teacher's RWMutex-guarded Engine.
type Engine struct {
	mu    sync.RWMutex
	rules []compiledRule // sorted by ascending priority, insertion-order ties
}

// New returns an empty engine. Load rules with Replace or Add.
func New() *Engine {
	return &Engine{}
}

// Replace installs an entirely new rule set, re-sorting and re-compiling
// every filter. Used on startup load and full reload.
func (e *Engine) Replace(rs []*domain.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make([]compiledRule, 0, len(rs))
	for _, r := range rs {
		e.rules = append(e.rules, compiledRule{rule: r, filter: compileFilter(r.Filter)})
	}
	e.sortLocked()
}

func (e *Engine) sortLocked() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].rule.Priority < e.rules[j].rule.Priority
	})
}

// Add appends rule to the set in priority order.
func (e *Engine) Add(r *domain.Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, compiledRule{rule: r, filter: compileFilter(r.Filter)})
	e.sortLocked()
}

// Remove deletes the rule with the given id, if present.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cr := range e.rules {
		if cr.rule.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the live rule pointer for id, or nil.
func (e *Engine) Get(id string) *domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.rules {
		if cr.rule.ID == id {
			return cr.rule
		}
	}
	return nil
}

// List returns a snapshot of every rule, in evaluation order.
func (e *Engine) List() []*domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*domain.Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// Next finds the first enabled, right-direction rule matching flow whose id
// is not in excluded, supporting T1's fall-through loop (§4.2/§4.3): each
// rejected rule's id is added to excluded by the caller before calling Next
// again, so the exclusion set grows monotonically and each rule is
// considered at most once per evaluation.
func (e *Engine) Next(flow *domain.Flow, direction domain.Direction, excluded map[string]bool) (*domain.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, cr := range e.rules {
		r := cr.rule
		if !r.Enabled || r.Direction != direction {
			continue
		}
		if excluded[r.ID] {
			continue
		}
		if cr.filter.matches(flow) {
			return r, true
		}
	}
	return nil, false
}

// ResolveStoreKey implements the multi-key selection semantics for
// serve_from_store (§4.2/§8): single always returns the one key;
// round_robin cycles through the whole list; random draws uniformly;
// sequential advances then sticks at the last index. The rule's cursor is
// mutated and the caller is expected to persist the rule afterward.
func ResolveStoreKey(r *domain.Rule, randomIndex func(n int) int) string {
	keys := r.Action.StoreKeys
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 || r.Action.StoreKeyMode == domain.StoreKeySingle {
		return keys[0]
	}
	switch r.Action.StoreKeyMode {
	case domain.StoreKeyRoundRobin:
		idx := r.StoreKeyCursor % len(keys)
		r.StoreKeyCursor++
		return keys[idx]
	case domain.StoreKeySequential:
		if r.StoreKeyCursor < len(keys)-1 {
			idx := r.StoreKeyCursor
			r.StoreKeyCursor++
			return keys[idx]
		}
		return keys[len(keys)-1]
	case domain.StoreKeyRandom:
		idx := randomIndex(len(keys))
		if idx < 0 || idx >= len(keys) {
			idx = 0
		}
		return keys[idx]
	default:
		return keys[0]
	}
}
