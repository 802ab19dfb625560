package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"finalarm/internal/model"
)

// Registry holds rules in configuration order together with each rule's
// evaluation state. Rules are never removed, only disabled.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	rules  map[string]model.AlertRule
	states map[string]*model.RuleState
}

func NewRegistry() *Registry {
	return &Registry{
		rules:  make(map[string]model.AlertRule),
		states: make(map[string]*model.RuleState),
	}
}

func (r *Registry) Add(rule model.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.ID]; ok {
		return &model.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate rule id %q", rule.ID)}
	}
	r.order = append(r.order, rule.ID)
	r.rules[rule.ID] = rule
	r.states[rule.ID] = &model.RuleState{}
	return nil
}

// Rules returns every rule in configuration order.
func (r *Registry) Rules() []model.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AlertRule, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.rules[id])
	}
	return out
}

func (r *Registry) Enabled() []model.AlertRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.AlertRule, 0, len(r.order))
	for _, id := range r.order {
		if rule := r.rules[id]; rule.Enabled {
			out = append(out, rule)
		}
	}
	return out
}

func (r *Registry) Get(id string) (model.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return model.AlertRule{}, &model.NotFoundError{Entity: "rule", ID: id}
	}
	return rule, nil
}

// SetEnabled toggles a rule. Enabling a disabled rule moves its Since mark to
// since so history seen while it was off is never evaluated retroactively.
func (r *Registry) SetEnabled(id string, enabled bool, since time.Time) (model.AlertRule, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return model.AlertRule{}, false, &model.NotFoundError{Entity: "rule", ID: id}
	}
	if rule.Enabled == enabled {
		return rule, false, nil
	}
	rule.Enabled = enabled
	r.rules[id] = rule
	if enabled {
		st := r.states[id].Clone()
		st.Since = since
		r.states[id] = st
	}
	return rule, true, nil
}

func (r *Registry) UpdateParams(id string, params model.Params) (model.AlertRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule, ok := r.rules[id]
	if !ok {
		return model.AlertRule{}, &model.NotFoundError{Entity: "rule", ID: id}
	}
	next := rule
	next.Params = params
	if err := next.Validate(); err != nil {
		return model.AlertRule{}, err
	}
	if prev, ok := rule.Params.(model.CategoryLimitParams); ok {
		if cur, ok := params.(model.CategoryLimitParams); !ok || !strings.EqualFold(prev.Category, cur.Category) {
			st := r.states[id].Clone()
			st.CategoryLimit = nil
			r.states[id] = st
		}
	}
	r.rules[id] = next
	return next, nil
}

// Replace overwrites a rule's enabled flag and params, typically from storage.
func (r *Registry) Replace(rule model.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.rules[rule.ID]
	if !ok {
		return &model.NotFoundError{Entity: "rule", ID: rule.ID}
	}
	if cur.Kind != rule.Kind {
		return &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("rule %s cannot change kind from %s to %s", rule.ID, cur.Kind, rule.Kind)}
	}
	r.rules[rule.ID] = rule
	return nil
}

// State returns a copy of the rule's evaluation state.
func (r *Registry) State(id string) *model.RuleState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[id].Clone()
}

func (r *Registry) CommitState(id string, st *model.RuleState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[id]; !ok || st == nil {
		return
	}
	r.states[id] = st.Clone()
}

// LoadStates restores persisted states for known rules and ignores the rest.
func (r *Registry) LoadStates(states map[string]*model.RuleState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, st := range states {
		if _, ok := r.rules[id]; !ok || st == nil {
			continue
		}
		r.states[id] = st.Clone()
		n++
	}
	return n
}
