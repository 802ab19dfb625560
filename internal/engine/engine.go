package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"finalarm/internal/account"
	"finalarm/internal/alerts"
	"finalarm/internal/config"
	"finalarm/internal/model"
	"finalarm/internal/notify"
	"finalarm/internal/rules"
	"finalarm/internal/storage"
)

type TriggerKind string

const (
	TriggerTransaction TriggerKind = "transaction"
	TriggerBalance     TriggerKind = "balance"
	TriggerManual      TriggerKind = "manual"
	TriggerSchedule    TriggerKind = "schedule"
)

type Trigger struct {
	Kind   TriggerKind
	Source string
}

// Engine sequences evaluation passes. One pass runs every enabled rule once
// against a single account snapshot; passes never overlap.
type Engine struct {
	logger   *slog.Logger
	account  *account.Store
	registry *rules.Registry
	alerts   *alerts.Store
	notifier *notify.Dispatcher
	store    storage.Store
	cfg      atomic.Value
	now      func() time.Time
	evaluate evaluatorFunc
	passMu   sync.Mutex
	started  time.Time
	passes   atomic.Uint64
	lastPass atomic.Value
}

func NewEngine(cfg *config.Config, logger *slog.Logger, acct *account.Store, registry *rules.Registry, alertStore *alerts.Store, dispatcher *notify.Dispatcher, store storage.Store) *Engine {
	e := &Engine{
		logger:   logger,
		account:  acct,
		registry: registry,
		alerts:   alertStore,
		notifier: dispatcher,
		store:    store,
		now:      time.Now,
		evaluate: evaluateRule,
		started:  time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	return e
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Bootstrap registers the configured rules, merges what storage already
// knows about them, and restores rule states and alerts.
func (e *Engine) Bootstrap(ctx context.Context, seed []model.AlertRule) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	stored := map[string]model.AlertRule{}
	var storedOrder []string
	if e.store != nil {
		list, err := e.store.LoadRules(ctx)
		if err != nil {
			return fmt.Errorf("load rules: %w", err)
		}
		for _, r := range list {
			stored[r.ID] = r
			storedOrder = append(storedOrder, r.ID)
		}
	}
	seen := map[string]bool{}
	for _, rule := range seed {
		if err := e.registry.Add(rule); err != nil {
			return err
		}
		seen[rule.ID] = true
		if prev, ok := stored[rule.ID]; ok && prev.Kind == rule.Kind {
			if err := e.registry.Replace(prev); err != nil {
				return err
			}
			continue
		}
		if e.store != nil {
			if err := e.store.SaveRule(ctx, rule); err != nil {
				return fmt.Errorf("save rule %s: %w", rule.ID, err)
			}
		}
	}
	for _, id := range storedOrder {
		if seen[id] {
			continue
		}
		if err := e.registry.Add(stored[id]); err != nil && e.logger != nil {
			e.logger.Warn("skipping stored rule", "rule_id", id, "err", err)
		}
	}
	if e.store == nil {
		return nil
	}
	states, err := e.store.LoadRuleStates(ctx)
	if err != nil {
		return fmt.Errorf("load rule states: %w", err)
	}
	restored := e.registry.LoadStates(states)
	loaded, err := e.alerts.Load(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("engine bootstrapped",
			"rules", len(e.registry.Rules()),
			"enabled_rules", len(e.registry.Enabled()),
			"states_restored", restored,
			"alerts_loaded", loaded,
		)
	}
	return nil
}

func (e *Engine) Start(ctx context.Context, in <-chan model.IngestEvent) {
	go func() {
		for {
			select {
			case ev := <-in:
				if _, err := e.ProcessEvent(ctx, ev); err != nil && e.logger != nil {
					e.logger.Error("process event failed", "kind", ev.Kind, "source", ev.Source, "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) ProcessEvent(ctx context.Context, ev model.IngestEvent) ([]model.Alert, error) {
	switch ev.Kind {
	case model.EventTransaction:
		if ev.Transaction == nil {
			return nil, &model.ValidationError{Field: "transaction", Reason: "missing"}
		}
		_, created, err := e.IngestTransaction(ctx, *ev.Transaction)
		return created, err
	case model.EventBalance:
		if ev.Balance == nil {
			return nil, &model.ValidationError{Field: "balance", Reason: "missing"}
		}
		return e.UpdateBalance(ctx, *ev.Balance)
	}
	return nil, &model.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown event kind %q", ev.Kind)}
}

// IngestTransaction appends tx and runs a pass. A duplicate id is accepted
// silently and triggers nothing.
func (e *Engine) IngestTransaction(ctx context.Context, tx model.Transaction) (bool, []model.Alert, error) {
	_, added, err := e.account.AddTransaction(tx)
	if err != nil {
		if errors.Is(err, account.ErrMissingID) {
			return false, nil, &model.ValidationError{Field: "id", Reason: err.Error()}
		}
		return false, nil, err
	}
	if !added {
		if e.logger != nil {
			e.logger.Debug("duplicate transaction ignored", "transaction_id", tx.ID)
		}
		return false, nil, nil
	}
	created, err := e.Evaluate(ctx, Trigger{Kind: TriggerTransaction, Source: tx.ID})
	return true, created, err
}

// IngestTransactions appends a batch and runs a single pass if anything new
// arrived.
func (e *Engine) IngestTransactions(ctx context.Context, txns []model.Transaction) (int, []model.Alert, error) {
	added := 0
	for _, tx := range txns {
		_, ok, err := e.account.AddTransaction(tx)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("transaction rejected", "transaction_id", tx.ID, "err", err)
			}
			continue
		}
		if ok {
			added++
		}
	}
	if added == 0 {
		return 0, nil, nil
	}
	created, err := e.Evaluate(ctx, Trigger{Kind: TriggerTransaction, Source: fmt.Sprintf("batch:%d", added)})
	return added, created, err
}

func (e *Engine) UpdateBalance(ctx context.Context, state model.AccountState) ([]model.Alert, error) {
	if !e.account.SetBalance(state) {
		return nil, nil
	}
	return e.Evaluate(ctx, Trigger{Kind: TriggerBalance})
}

func (e *Engine) EvaluateNow(ctx context.Context) ([]model.Alert, error) {
	return e.Evaluate(ctx, Trigger{Kind: TriggerManual})
}

// Evaluate runs one pass. Evaluator failures are logged and skipped; storage
// failures abort the pass and are returned.
func (e *Engine) Evaluate(ctx context.Context, trigger Trigger) ([]model.Alert, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	now := e.now().UTC()
	snap := e.account.Snapshot()
	in := Input{
		Account:      snap.Account,
		Transactions: snap.Transactions,
		Now:          now,
		Loc:          e.config().Location(),
	}
	created := make([]model.Alert, 0)
	for _, rule := range e.registry.Enabled() {
		cands, next, err := runEvaluator(e.evaluate, rule, in, e.registry.State(rule.ID))
		if err != nil {
			evErr := &EvaluatorError{RuleID: rule.ID, Kind: rule.Kind, Err: err}
			if e.logger != nil {
				e.logger.Error("evaluator failed", "rule_id", rule.ID, "kind", rule.Kind, "err", evErr)
			}
			continue
		}
		for _, c := range cands {
			alert, ok, err := e.alerts.Accept(ctx, c, now)
			if err != nil {
				return created, fmt.Errorf("accept alert for rule %s: %w", rule.ID, err)
			}
			if !ok {
				if e.logger != nil {
					e.logger.Debug("alert suppressed", "rule_id", rule.ID, "dedup_key", c.DedupKey)
				}
				continue
			}
			created = append(created, alert)
			if e.logger != nil {
				e.logger.Warn("alert triggered",
					"alert_id", alert.ID,
					"rule_id", alert.RuleID,
					"kind", alert.Kind,
					"severity", alert.Severity.String(),
					"dedup_key", alert.DedupKey,
				)
			}
			if e.notifier != nil {
				report := e.notifier.Publish(ctx, alert)
				if e.logger != nil {
					e.logger.Debug("alert published", "alert_id", alert.ID, "delivered", report.Delivered, "dropped", report.Dropped)
				}
			}
		}
		next.UpdatedAt = now
		if e.store != nil {
			if err := e.store.SaveRuleState(ctx, rule.ID, next); err != nil {
				return created, fmt.Errorf("save state for rule %s: %w", rule.ID, err)
			}
		}
		e.registry.CommitState(rule.ID, next)
	}
	e.passes.Add(1)
	e.lastPass.Store(now)
	if e.logger != nil {
		e.logger.Debug("evaluation pass complete", "trigger", trigger.Kind, "source", trigger.Source, "created", len(created))
	}
	return created, nil
}

func (e *Engine) ListAlerts(filter model.AlertFilter) []model.Alert {
	return e.alerts.List(filter)
}

func (e *Engine) GetAlert(id string) (model.Alert, error) {
	return e.alerts.Get(id)
}

func (e *Engine) MarkRead(ctx context.Context, id string) (model.Alert, error) {
	return e.alerts.MarkRead(ctx, id)
}

func (e *Engine) Dismiss(ctx context.Context, id string) (model.Alert, error) {
	return e.alerts.Dismiss(ctx, id)
}

func (e *Engine) ListRules() []model.AlertRule {
	return e.registry.Rules()
}

func (e *Engine) GetRule(id string) (model.AlertRule, error) {
	return e.registry.Get(id)
}

// SetRuleEnabled toggles a rule between passes. A re-enabled rule only looks
// at transactions ingested after this call.
func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) (model.AlertRule, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	prev, err := e.registry.Get(id)
	if err != nil {
		return model.AlertRule{}, err
	}
	prevState := e.registry.State(id)
	rule, changed, err := e.registry.SetEnabled(id, enabled, e.account.LastIngestedAt())
	if err != nil || !changed {
		return rule, err
	}
	if err := e.persistRule(ctx, rule); err != nil {
		_ = e.registry.Replace(prev)
		e.registry.CommitState(id, prevState)
		return model.AlertRule{}, err
	}
	if e.logger != nil {
		e.logger.Info("rule toggled", "rule_id", id, "enabled", enabled)
	}
	return rule, nil
}

func (e *Engine) UpdateRuleParams(ctx context.Context, id string, params model.Params) (model.AlertRule, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()
	prev, err := e.registry.Get(id)
	if err != nil {
		return model.AlertRule{}, err
	}
	prevState := e.registry.State(id)
	rule, err := e.registry.UpdateParams(id, params)
	if err != nil {
		return model.AlertRule{}, err
	}
	if err := e.persistRule(ctx, rule); err != nil {
		_ = e.registry.Replace(prev)
		e.registry.CommitState(id, prevState)
		return model.AlertRule{}, err
	}
	if e.logger != nil {
		e.logger.Info("rule params updated", "rule_id", id, "kind", rule.Kind)
	}
	return rule, nil
}

func (e *Engine) persistRule(ctx context.Context, rule model.AlertRule) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveRule(ctx, rule); err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	if err := e.store.SaveRuleState(ctx, rule.ID, e.registry.State(rule.ID)); err != nil {
		return fmt.Errorf("save state for rule %s: %w", rule.ID, err)
	}
	return nil
}

func (e *Engine) Subscribe(ch notify.Channel) *notify.Subscription {
	return e.notifier.Subscribe(ch)
}

func (e *Engine) Unsubscribe(sub *notify.Subscription) {
	e.notifier.Unsubscribe(sub)
}

func (e *Engine) Account() model.AccountState {
	return e.account.Account()
}

func (e *Engine) Transactions(limit int) []model.Transaction {
	return e.account.Recent(limit)
}

// CategorySpend totals debits per category for the current calendar month.
func (e *Engine) CategorySpend() map[string]decimal.Decimal {
	return e.account.CategorySpend(e.now(), e.config().Location())
}

type Status struct {
	Started      time.Time            `json:"started"`
	LastPass     time.Time            `json:"last_pass,omitempty"`
	Passes       uint64               `json:"passes"`
	Rules        int                  `json:"rules"`
	EnabledRules int                  `json:"enabled_rules"`
	Transactions int                  `json:"transactions"`
	Subscribers  int                  `json:"subscribers"`
	Alerts       map[model.Status]int `json:"alerts"`
}

func (e *Engine) Status() Status {
	st := Status{
		Started:      e.started,
		Passes:       e.passes.Load(),
		Rules:        len(e.registry.Rules()),
		EnabledRules: len(e.registry.Enabled()),
		Transactions: e.account.Len(),
		Alerts:       e.alerts.Counts(),
	}
	if v, ok := e.lastPass.Load().(time.Time); ok {
		st.LastPass = v
	}
	if e.notifier != nil {
		st.Subscribers = e.notifier.Len()
	}
	return st
}
