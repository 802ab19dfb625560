package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"finalarm/internal/model"
)

// Persister is the slice of storage the alert store writes through.
type Persister interface {
	SaveAlert(ctx context.Context, alert model.Alert) error
	UpdateAlertStatus(ctx context.Context, id string, status model.Status) error
	LoadAlerts(ctx context.Context) ([]model.Alert, error)
}

// Store owns alert lifecycle and deduplication. Every mutation is written
// through the persister before it becomes visible.
type Store struct {
	mu      sync.Mutex
	byID    map[string]*model.Alert
	order   []string
	byKey   map[string]string
	persist Persister
	newID   func() string
}

func NewStore(persist Persister) *Store {
	return &Store{
		byID:    make(map[string]*model.Alert),
		byKey:   make(map[string]string),
		persist: persist,
		newID:   uuid.NewString,
	}
}

// Load replaces the in-memory view with what the persister holds.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	list, err := s.persist.LoadAlerts(ctx)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*model.Alert, len(list))
	s.byKey = make(map[string]string)
	s.order = s.order[:0]
	for i := range list {
		a := list[i]
		s.insert(&a)
	}
	return len(list), nil
}

func (s *Store) insert(a *model.Alert) {
	s.byID[a.ID] = a
	s.order = append(s.order, a.ID)
	if a.DedupKey != "" {
		s.byKey[a.DedupKey] = a.ID
	}
}

// Accept turns a candidate into a NEW alert unless the latest alert with the
// same key is still NEW or READ, or was dismissed and is still cooling down
// while the condition never resolved.
func (s *Store) Accept(ctx context.Context, c model.Candidate, now time.Time) (model.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[c.DedupKey]; ok {
		prev := s.byID[id]
		if prev.Status.Active() {
			return *prev, false, nil
		}
		if prev.Status == model.StatusDismissed && prev.CoolingDown(now) && !c.Rearmed {
			return *prev, false, nil
		}
	}
	alert := model.Alert{
		ID:            s.newID(),
		RuleID:        c.RuleID,
		Kind:          c.Kind,
		Severity:      c.Severity,
		Title:         c.Title,
		Body:          c.Body,
		Data:          c.Data,
		DedupKey:      c.DedupKey,
		Status:        model.StatusNew,
		CreatedAt:     now.UTC(),
		CooldownUntil: c.CooldownUntil,
	}
	if s.persist != nil {
		if err := s.persist.SaveAlert(ctx, alert); err != nil {
			return model.Alert{}, false, err
		}
	}
	s.insert(&alert)
	return alert, true, nil
}

// MarkRead moves NEW to READ. Reading a READ alert is a no-op.
func (s *Store) MarkRead(ctx context.Context, id string) (model.Alert, error) {
	return s.transition(ctx, id, model.StatusRead)
}

// Dismiss moves NEW or READ to DISMISSED. Dismissing twice is a no-op.
func (s *Store) Dismiss(ctx context.Context, id string) (model.Alert, error) {
	return s.transition(ctx, id, model.StatusDismissed)
}

func (s *Store) transition(ctx context.Context, id string, to model.Status) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, &model.NotFoundError{Entity: "alert", ID: id}
	}
	if a.Status == to {
		return *a, nil
	}
	if a.Status == model.StatusDismissed {
		return model.Alert{}, &model.TransitionError{ID: id, From: a.Status, To: to}
	}
	if s.persist != nil {
		if err := s.persist.UpdateAlertStatus(ctx, id, to); err != nil {
			return model.Alert{}, err
		}
	}
	a.Status = to
	return *a, nil
}

func (s *Store) Get(id string) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, &model.NotFoundError{Entity: "alert", ID: id}
	}
	return *a, nil
}

// List returns matching alerts, newest first.
func (s *Store) List(filter model.AlertFilter) []model.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Alert, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.byID[s.order[i]]
		if !filter.Match(*a) {
			continue
		}
		out = append(out, *a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

func (s *Store) Counts() map[model.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[model.Status]int{
		model.StatusNew:       0,
		model.StatusRead:      0,
		model.StatusDismissed: 0,
	}
	for _, a := range s.byID {
		out[a.Status]++
	}
	return out
}
