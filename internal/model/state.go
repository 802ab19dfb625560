package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleState is the per-rule memory carried between evaluation passes. Only the
// sub-record matching the rule's kind is populated.
type RuleState struct {
	// Since is the instant the rule was last enabled. Zero for rules enabled
	// from the start.
	Since     time.Time `json:"since,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	LowBalance       *LowBalanceState       `json:"low_balance,omitempty"`
	LargeTransaction *LargeTransactionState `json:"large_transaction,omitempty"`
	SpendingSpike    *SpendingSpikeState    `json:"spending_spike,omitempty"`
	NewSubscription  *NewSubscriptionState  `json:"new_subscription,omitempty"`
	CategoryLimit    *CategoryLimitState    `json:"category_limit,omitempty"`
	PaydayCountdown  *PaydayCountdownState  `json:"payday_countdown,omitempty"`
}

type LowBalanceState struct {
	Active bool `json:"active"`
}

type LargeTransactionState struct {
	// Watermark is the newest IngestedAt already examined.
	Watermark time.Time `json:"watermark"`
}

type DayTotal struct {
	Day   string          `json:"day"`
	Total decimal.Decimal `json:"total"`
}

type SpendingSpikeState struct {
	History      []DayTotal `json:"history,omitempty"`
	LastFiredDay string     `json:"last_fired_day,omitempty"`
}

type NewSubscriptionState struct {
	Reported []string `json:"reported,omitempty"`
}

type CategoryLimitState struct {
	LastFiredMonth string `json:"last_fired_month,omitempty"`
}

type PaydayCountdownState struct {
	LastWindow string `json:"last_window,omitempty"`
}

func (s *RuleState) Clone() *RuleState {
	if s == nil {
		return &RuleState{}
	}
	out := &RuleState{Since: s.Since, UpdatedAt: s.UpdatedAt}
	if s.LowBalance != nil {
		v := *s.LowBalance
		out.LowBalance = &v
	}
	if s.LargeTransaction != nil {
		v := *s.LargeTransaction
		out.LargeTransaction = &v
	}
	if s.SpendingSpike != nil {
		v := *s.SpendingSpike
		v.History = append([]DayTotal(nil), s.SpendingSpike.History...)
		out.SpendingSpike = &v
	}
	if s.NewSubscription != nil {
		v := *s.NewSubscription
		v.Reported = append([]string(nil), s.NewSubscription.Reported...)
		out.NewSubscription = &v
	}
	if s.CategoryLimit != nil {
		v := *s.CategoryLimit
		out.CategoryLimit = &v
	}
	if s.PaydayCountdown != nil {
		v := *s.PaydayCountdown
		out.PaydayCountdown = &v
	}
	return out
}
