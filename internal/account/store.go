package account

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finalarm/internal/model"
)

var ErrMissingID = errors.New("transaction id is required")

// Store holds the current balance and the timestamp-ordered transaction log.
// Readers receive copies and never observe a half-applied update.
type Store struct {
	mu           sync.RWMutex
	state        model.AccountState
	txns         []model.Transaction
	byID         map[string]struct{}
	lastIngested time.Time
	version      uint64
	now          func() time.Time
}

type Snapshot struct {
	Account      model.AccountState
	Transactions []model.Transaction
	Version      uint64
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		byID: make(map[string]struct{}),
		now:  now,
	}
}

// AddTransaction appends tx unless its id was already ingested. The returned
// transaction carries the ingestion stamp.
func (s *Store) AddTransaction(tx model.Transaction) (model.Transaction, bool, error) {
	if strings.TrimSpace(tx.ID) == "" {
		return model.Transaction{}, false, ErrMissingID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tx.ID]; ok {
		return model.Transaction{}, false, nil
	}
	tx.IngestedAt = s.stamp()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = tx.IngestedAt
	}
	idx := sort.Search(len(s.txns), func(i int) bool {
		return s.txns[i].Timestamp.After(tx.Timestamp)
	})
	s.txns = append(s.txns, model.Transaction{})
	copy(s.txns[idx+1:], s.txns[idx:])
	s.txns[idx] = tx
	s.byID[tx.ID] = struct{}{}
	s.version++
	return tx, true, nil
}

// stamp returns a strictly increasing ingestion time.
func (s *Store) stamp() time.Time {
	ts := s.now().UTC()
	if !ts.After(s.lastIngested) {
		ts = s.lastIngested.Add(time.Nanosecond)
	}
	s.lastIngested = ts
	return ts
}

// SetBalance replaces the current balance unless the update is older than the
// one already held.
func (s *Store) SetBalance(state model.AccountState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state.AsOf.IsZero() {
		state.AsOf = s.now().UTC()
	}
	if !s.state.AsOf.IsZero() && state.AsOf.Before(s.state.AsOf) {
		return false
	}
	s.state = state
	s.version++
	return true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Transaction, len(s.txns))
	copy(out, s.txns)
	return Snapshot{Account: s.state, Transactions: out, Version: s.version}
}

func (s *Store) Account() model.AccountState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Recent returns up to limit transactions, newest first.
func (s *Store) Recent(limit int) []model.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.txns) {
		limit = len(s.txns)
	}
	out := make([]model.Transaction, 0, limit)
	for i := len(s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.txns[i])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txns)
}

func (s *Store) LastIngestedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIngested
}

// CategorySpend totals debits per category for the calendar month containing
// at, in loc.
func (s *Store) CategorySpend(at time.Time, loc *time.Location) map[string]decimal.Decimal {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for _, tx := range s.txns {
		if !tx.IsDebit() || tx.Timestamp.Before(start) || !tx.Timestamp.Before(end) {
			continue
		}
		cat := tx.Category
		if cat == "" {
			cat = "Other"
		}
		out[cat] = out[cat].Add(tx.Spend())
	}
	return out
}
