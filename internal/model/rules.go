package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type RuleKind string

const (
	KindLowBalance       RuleKind = "low_balance"
	KindLargeTransaction RuleKind = "large_transaction"
	KindSpendingSpike    RuleKind = "spending_spike"
	KindNewSubscription  RuleKind = "new_subscription"
	KindCategoryLimit    RuleKind = "category_limit"
	KindPaydayCountdown  RuleKind = "payday_countdown"
)

var RuleKinds = []RuleKind{
	KindLowBalance,
	KindLargeTransaction,
	KindSpendingSpike,
	KindNewSubscription,
	KindCategoryLimit,
	KindPaydayCountdown,
}

func (k RuleKind) Valid() bool {
	for _, known := range RuleKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Params is the closed set of typed rule parameters. Only the six structs in
// this file implement it.
type Params interface {
	Kind() RuleKind
	Validate() error
	sealed()
}

type LowBalanceParams struct {
	Threshold decimal.Decimal `json:"threshold" yaml:"threshold"`
}

type LargeTransactionParams struct {
	ThresholdAmount decimal.Decimal `json:"threshold_amount" yaml:"threshold_amount"`
}

type SpendingSpikeParams struct {
	ThresholdMultiplier float64 `json:"threshold_multiplier" yaml:"threshold_multiplier"`
	LookbackDays        int     `json:"lookback_days" yaml:"lookback_days"`
}

type NewSubscriptionParams struct {
	MinOccurrences int `json:"min_occurrences" yaml:"min_occurrences"`
	MaxDaysBetween int `json:"max_days_between" yaml:"max_days_between"`
}

type CategoryLimitParams struct {
	Category     string          `json:"category" yaml:"category"`
	MonthlyLimit decimal.Decimal `json:"monthly_limit" yaml:"monthly_limit"`
}

type PaydayCountdownParams struct {
	Payday              int             `json:"payday" yaml:"payday"`
	DaysBefore          int             `json:"days_before" yaml:"days_before"`
	LowBalanceThreshold decimal.Decimal `json:"low_balance_threshold" yaml:"low_balance_threshold"`
}

func (LowBalanceParams) Kind() RuleKind       { return KindLowBalance }
func (LargeTransactionParams) Kind() RuleKind { return KindLargeTransaction }
func (SpendingSpikeParams) Kind() RuleKind    { return KindSpendingSpike }
func (NewSubscriptionParams) Kind() RuleKind  { return KindNewSubscription }
func (CategoryLimitParams) Kind() RuleKind    { return KindCategoryLimit }
func (PaydayCountdownParams) Kind() RuleKind  { return KindPaydayCountdown }

func (LowBalanceParams) sealed()       {}
func (LargeTransactionParams) sealed() {}
func (SpendingSpikeParams) sealed()    {}
func (NewSubscriptionParams) sealed()  {}
func (CategoryLimitParams) sealed()    {}
func (PaydayCountdownParams) sealed()  {}

func (p LowBalanceParams) Validate() error {
	if !p.Threshold.IsPositive() {
		return invalid("threshold", "must be > 0, got %s", p.Threshold)
	}
	return nil
}

func (p LargeTransactionParams) Validate() error {
	if !p.ThresholdAmount.IsPositive() {
		return invalid("threshold_amount", "must be > 0, got %s", p.ThresholdAmount)
	}
	return nil
}

func (p SpendingSpikeParams) Validate() error {
	if p.ThresholdMultiplier <= 0 {
		return invalid("threshold_multiplier", "must be > 0, got %g", p.ThresholdMultiplier)
	}
	if p.LookbackDays < 1 || p.LookbackDays > 366 {
		return invalid("lookback_days", "must be within 1..366, got %d", p.LookbackDays)
	}
	return nil
}

func (p NewSubscriptionParams) Validate() error {
	if p.MinOccurrences < 2 {
		return invalid("min_occurrences", "must be >= 2, got %d", p.MinOccurrences)
	}
	if p.MaxDaysBetween < 1 {
		return invalid("max_days_between", "must be >= 1, got %d", p.MaxDaysBetween)
	}
	return nil
}

func (p CategoryLimitParams) Validate() error {
	if strings.TrimSpace(p.Category) == "" {
		return invalid("category", "required")
	}
	if !p.MonthlyLimit.IsPositive() {
		return invalid("monthly_limit", "must be > 0, got %s", p.MonthlyLimit)
	}
	return nil
}

func (p PaydayCountdownParams) Validate() error {
	if p.Payday < 1 || p.Payday > 31 {
		return invalid("payday", "must be a day of month 1..31, got %d", p.Payday)
	}
	if p.DaysBefore < 1 || p.DaysBefore > 27 {
		return invalid("days_before", "must be within 1..27, got %d", p.DaysBefore)
	}
	if p.LowBalanceThreshold.IsNegative() {
		return invalid("low_balance_threshold", "must be >= 0, got %s", p.LowBalanceThreshold)
	}
	return nil
}

// DecodeParams decodes raw JSON into the params struct for kind. Unknown
// fields are rejected.
func DecodeParams(kind RuleKind, raw []byte) (Params, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var (
		p   Params
		err error
	)
	switch kind {
	case KindLowBalance:
		var v LowBalanceParams
		err = dec.Decode(&v)
		p = v
	case KindLargeTransaction:
		var v LargeTransactionParams
		err = dec.Decode(&v)
		p = v
	case KindSpendingSpike:
		var v SpendingSpikeParams
		err = dec.Decode(&v)
		p = v
	case KindNewSubscription:
		var v NewSubscriptionParams
		err = dec.Decode(&v)
		p = v
	case KindCategoryLimit:
		var v CategoryLimitParams
		err = dec.Decode(&v)
		p = v
	case KindPaydayCountdown:
		var v PaydayCountdownParams
		err = dec.Decode(&v)
		p = v
	default:
		return nil, invalid("kind", "unknown rule kind %q", kind)
	}
	if err != nil {
		return nil, invalid("params", "%v", err)
	}
	return p, nil
}

type AlertRule struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Kind    RuleKind `json:"kind" yaml:"kind"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Params  Params   `json:"params" yaml:"params"`
}

func (r AlertRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("id", "required")
	}
	if !r.Kind.Valid() {
		return invalid("kind", "unknown rule kind %q", r.Kind)
	}
	switch r.Params.(type) {
	case nil:
		return invalid("params", "required")
	case LowBalanceParams, LargeTransactionParams, SpendingSpikeParams,
		NewSubscriptionParams, CategoryLimitParams, PaydayCountdownParams:
	default:
		return invalid("params", "unsupported params type %T", r.Params)
	}
	if r.Params.Kind() != r.Kind {
		return invalid("params", "%s params given for %s rule", r.Params.Kind(), r.Kind)
	}
	if err := r.Params.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

type ruleDoc struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Kind    RuleKind        `json:"kind"`
	Enabled *bool           `json:"enabled"`
	Params  json.RawMessage `json:"params"`
}

func (r *AlertRule) UnmarshalJSON(data []byte) error {
	var doc ruleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	return r.fromDoc(doc)
}

func (r *AlertRule) UnmarshalYAML(node *yaml.Node) error {
	var doc struct {
		ID      string         `yaml:"id"`
		Name    string         `yaml:"name"`
		Kind    RuleKind       `yaml:"kind"`
		Enabled *bool          `yaml:"enabled"`
		Params  map[string]any `yaml:"params"`
	}
	if err := node.Decode(&doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc.Params)
	if err != nil {
		return fmt.Errorf("rule %s params: %w", doc.ID, err)
	}
	return r.fromDoc(ruleDoc{ID: doc.ID, Name: doc.Name, Kind: doc.Kind, Enabled: doc.Enabled, Params: raw})
}

func (r *AlertRule) fromDoc(doc ruleDoc) error {
	params, err := DecodeParams(doc.Kind, doc.Params)
	if err != nil {
		return fmt.Errorf("rule %s: %w", doc.ID, err)
	}
	r.ID = doc.ID
	r.Name = doc.Name
	r.Kind = doc.Kind
	r.Enabled = doc.Enabled == nil || *doc.Enabled
	r.Params = params
	return nil
}
