package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finalarm/internal/model"
)

// Input is the consistent view one evaluation pass works from.
type Input struct {
	Account      model.AccountState
	Transactions []model.Transaction
	Now          time.Time
	Loc          *time.Location
}

func (in Input) location() *time.Location {
	if in.Loc == nil {
		return time.UTC
	}
	return in.Loc
}

type evaluatorFunc func(rule model.AlertRule, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error)

// runEvaluator calls fn, turning a panic into an error.
func runEvaluator(fn evaluatorFunc, rule model.AlertRule, in Input, st *model.RuleState) (cands []model.Candidate, next *model.RuleState, err error) {
	defer func() {
		if r := recover(); r != nil {
			cands, next, err = nil, nil, fmt.Errorf("evaluator panic: %v", r)
		}
	}()
	return fn(rule, in, st)
}

// evaluateRule runs the evaluator for the rule's kind. st must be a private
// copy; the returned state replaces it only when err is nil.
func evaluateRule(rule model.AlertRule, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st == nil {
		st = &model.RuleState{}
	}
	switch p := rule.Params.(type) {
	case model.LowBalanceParams:
		return evalLowBalance(rule, p, in, st)
	case model.LargeTransactionParams:
		return evalLargeTransaction(rule, p, in, st)
	case model.SpendingSpikeParams:
		return evalSpendingSpike(rule, p, in, st)
	case model.NewSubscriptionParams:
		return evalNewSubscription(rule, p, in, st)
	case model.CategoryLimitParams:
		return evalCategoryLimit(rule, p, in, st)
	case model.PaydayCountdownParams:
		return evalPaydayCountdown(rule, p, in, st)
	default:
		return nil, nil, fmt.Errorf("no evaluator for params %T", p)
	}
}

func money(d decimal.Decimal) string {
	return "R " + d.StringFixed(2)
}

// Severity is WARNING below the threshold and CRITICAL below half of it.
func evalLowBalance(rule model.AlertRule, p model.LowBalanceParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.LowBalance == nil {
		st.LowBalance = &model.LowBalanceState{}
	}
	if in.Account.AsOf.IsZero() {
		return nil, st, nil
	}
	balance := in.Account.Balance
	if !balance.LessThan(p.Threshold) {
		st.LowBalance.Active = false
		return nil, st, nil
	}
	rearmed := !st.LowBalance.Active
	st.LowBalance.Active = true

	severity := model.SeverityWarning
	if balance.LessThan(p.Threshold.Div(decimal.NewFromInt(2))) {
		severity = model.SeverityCritical
	}
	return []model.Candidate{{
		RuleID:   rule.ID,
		Kind:     rule.Kind,
		Severity: severity,
		Title:    "Low Balance Alert",
		Body:     fmt.Sprintf("Your balance (%s) is below %s", money(balance), money(p.Threshold)),
		Data: map[string]any{
			"balance":   balance.StringFixed(2),
			"threshold": p.Threshold.StringFixed(2),
			"as_of":     in.Account.AsOf.UTC().Format(time.RFC3339),
		},
		DedupKey:      "low_balance:" + rule.ID,
		CooldownUntil: endOfDay(in.Now, in.location()),
		Rearmed:       rearmed,
	}}, st, nil
}

func evalLargeTransaction(rule model.AlertRule, p model.LargeTransactionParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.LargeTransaction == nil {
		st.LargeTransaction = &model.LargeTransactionState{}
	}
	floor := st.LargeTransaction.Watermark
	if st.Since.After(floor) {
		floor = st.Since
	}
	newest := st.LargeTransaction.Watermark
	var out []model.Candidate
	for _, tx := range in.Transactions {
		if tx.IngestedAt.After(newest) {
			newest = tx.IngestedAt
		}
		if !tx.IngestedAt.After(floor) || !tx.Spend().GreaterThan(p.ThresholdAmount) {
			continue
		}
		out = append(out, model.Candidate{
			RuleID:   rule.ID,
			Kind:     rule.Kind,
			Severity: model.SeverityCritical,
			Title:    "Large Transaction Detected",
			Body:     fmt.Sprintf("Unusual transaction: %s at %s", money(tx.Spend()), tx.Merchant),
			Data: map[string]any{
				"transaction_id": tx.ID,
				"amount":         tx.Amount.StringFixed(2),
				"merchant":       tx.Merchant,
				"category":       tx.Category,
				"timestamp":      tx.Timestamp.UTC().Format(time.RFC3339),
				"threshold":      p.ThresholdAmount.StringFixed(2),
			},
			DedupKey: fmt.Sprintf("large_transaction:%s:%s", rule.ID, tx.ID),
		})
	}
	st.LargeTransaction.Watermark = newest
	return out, st, nil
}

func evalCategoryLimit(rule model.AlertRule, p model.CategoryLimitParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.CategoryLimit == nil {
		st.CategoryLimit = &model.CategoryLimitState{}
	}
	loc := in.location()
	start := monthStart(in.Now, loc)
	end := endOfMonth(in.Now, loc)
	month := start.Format(monthLayout)

	total := decimal.Zero
	backlog := decimal.Zero
	count := 0
	for _, tx := range in.Transactions {
		if !tx.IsDebit() || !strings.EqualFold(strings.TrimSpace(tx.Category), strings.TrimSpace(p.Category)) {
			continue
		}
		if tx.Timestamp.Before(start) || !tx.Timestamp.Before(end) {
			continue
		}
		total = total.Add(tx.Spend())
		count++
		if !st.Since.IsZero() && !tx.IngestedAt.After(st.Since) {
			backlog = backlog.Add(tx.Spend())
		}
	}
	if !total.GreaterThan(p.MonthlyLimit) || st.CategoryLimit.LastFiredMonth == month {
		return nil, st, nil
	}
	st.CategoryLimit.LastFiredMonth = month
	// Crossed on spend that arrived while the rule was disabled.
	if backlog.GreaterThan(p.MonthlyLimit) {
		return nil, st, nil
	}
	return []model.Candidate{{
		RuleID:   rule.ID,
		Kind:     rule.Kind,
		Severity: model.SeverityWarning,
		Title:    fmt.Sprintf("%s Limit Exceeded", p.Category),
		Body:     fmt.Sprintf("You've spent %s on %s this month (limit: %s)", money(total), p.Category, money(p.MonthlyLimit)),
		Data: map[string]any{
			"category":     p.Category,
			"month":        month,
			"total":        total.StringFixed(2),
			"limit":        p.MonthlyLimit.StringFixed(2),
			"transactions": count,
		},
		DedupKey:      fmt.Sprintf("category_limit:%s:%s:%s", rule.ID, strings.ToLower(p.Category), month),
		CooldownUntil: end,
	}}, st, nil
}

// The next payday is this month's when today is before it, otherwise next
// month's, so the countdown is always at least one day.
func evalPaydayCountdown(rule model.AlertRule, p model.PaydayCountdownParams, in Input, st *model.RuleState) ([]model.Candidate, *model.RuleState, error) {
	if st.PaydayCountdown == nil {
		st.PaydayCountdown = &model.PaydayCountdownState{}
	}
	loc := in.location()
	today := dayStart(in.Now, loc)
	next := paydayIn(today.Year(), today.Month(), p.Payday, loc)
	if !today.Before(next) {
		next = paydayIn(today.Year(), today.Month()+1, p.Payday, loc)
	}
	days := calendarDays(today, next)
	if days < 1 || days > p.DaysBefore || in.Account.AsOf.IsZero() {
		return nil, st, nil
	}
	balance := in.Account.Balance
	if !balance.LessThan(p.LowBalanceThreshold) {
		return nil, st, nil
	}
	window := next.Format(dayLayout)
	if st.PaydayCountdown.LastWindow == window {
		return nil, st, nil
	}
	st.PaydayCountdown.LastWindow = window
	return []model.Candidate{{
		RuleID:   rule.ID,
		Kind:     rule.Kind,
		Severity: model.SeverityWarning,
		Title:    "Payday Approaching",
		Body:     fmt.Sprintf("Payday is in %d day(s) and your balance (%s) is below %s", days, money(balance), money(p.LowBalanceThreshold)),
		Data: map[string]any{
			"payday":          window,
			"days_until":      days,
			"balance":         balance.StringFixed(2),
			"threshold":       p.LowBalanceThreshold.StringFixed(2),
			"days_before":     p.DaysBefore,
			"payday_of_month": p.Payday,
		},
		DedupKey:      fmt.Sprintf("payday_countdown:%s:%s", rule.ID, window),
		CooldownUntil: next,
	}}, st, nil
}
